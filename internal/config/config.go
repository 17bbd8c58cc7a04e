package config

import (
	"fmt"
	"os"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	Mode string `mapstructure:"mode"`
	Port int    `mapstructure:"port"`

	GameID   string `mapstructure:"game_id"`
	Username string `mapstructure:"username"`

	MaxPlayers        int           `mapstructure:"max_players"`
	BroadcastInterval time.Duration `mapstructure:"broadcast_interval"`
	StaleThreshold    time.Duration `mapstructure:"stale_threshold"`

	ICEServers []string `mapstructure:"ice_servers"`
	Trackers   []string `mapstructure:"trackers"`

	NumWant             int           `mapstructure:"numwant"`
	AnnounceInterval    time.Duration `mapstructure:"announce_interval"`
	MaxAnnounceInterval time.Duration `mapstructure:"max_announce_interval"`
	BackoffMultiplier   float64       `mapstructure:"backoff_multiplier"`

	RoomStatusInterval time.Duration `mapstructure:"room_status_interval"`
	RoomStaleThreshold time.Duration `mapstructure:"room_stale_threshold"`

	Secret string `mapstructure:"secret"`
}

func Load() (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")

	env := os.Getenv("CONFIG_ENV")
	if env == "" {
		env = "dev"
	}
	fileName := fmt.Sprintf("config/config.%s.yaml", env)

	v.SetConfigFile(fileName)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	v.SetDefault("mode", "release")
	v.SetDefault("port", 8080)
	v.SetDefault("game_id", "netplay")
	v.SetDefault("username", "guest")
	v.SetDefault("max_players", 2)
	v.SetDefault("broadcast_interval", "50ms")
	v.SetDefault("stale_threshold", "3s")
	v.SetDefault("ice_servers", []string{"stun:stun.l.google.com:19302"})
	v.SetDefault("trackers", []string{"ws://localhost:8080/api/ws"})
	v.SetDefault("numwant", 10)
	v.SetDefault("announce_interval", "30s")
	v.SetDefault("max_announce_interval", "120s")
	v.SetDefault("backoff_multiplier", 1.5)
	v.SetDefault("room_status_interval", "5s")
	v.SetDefault("room_stale_threshold", "15s")

	if err := v.ReadInConfig(); err != nil {
		fmt.Printf("⚠️ Config file not found (%s), using defaults\n", fileName)
	} else {
		fmt.Printf("✅ Loaded config: %s\n", fileName)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	return &cfg, nil
}
