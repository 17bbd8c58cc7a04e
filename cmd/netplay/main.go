// Command netplay runs one headless game session: it announces against
// the configured trackers and either hosts a room or joins the first
// one discovered. Useful for soak-testing the session layer without a
// browser front end.
package main

import (
	"context"
	"encoding/json"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/dkeye/Netplay/internal/adapters/discovery"
	"github.com/dkeye/Netplay/internal/adapters/rtc"
	"github.com/dkeye/Netplay/internal/config"
	"github.com/dkeye/Netplay/internal/core"
	"github.com/dkeye/Netplay/internal/domain"
	"github.com/dkeye/Netplay/internal/protocol"
	"github.com/dkeye/Netplay/internal/session"
	syncsys "github.com/dkeye/Netplay/internal/sync"
)

func main() {
	host := flag.Bool("host", false, "create a room instead of joining one")
	flag.Parse()

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	zerolog.SetGlobalLevel(zerolog.InfoLevel)

	cfg, err := config.Load()
	if err != nil {
		log.Error().Err(err).Msg("failed to load config")
	}

	bus := core.NewBus()
	selfID := domain.NewPeerID()
	mgr := session.NewManager(
		cfg,
		bus,
		selfID,
		discovery.NewClient(cfg, selfID),
		&rtc.Factory{ICEServers: cfg.ICEServers},
	)

	sys := syncsys.New(mgr.Send, cfg.BroadcastInterval, cfg.StaleThreshold, bus)
	sys.Register("heartbeat", syncsys.SourceFunc(func() map[string]any {
		return map[string]any{"at": time.Now().UnixMilli()}
	}))
	mgr.Handle(protocol.TypeSyncUpdate, func(_ domain.PeerID, raw json.RawMessage) {
		var u protocol.SyncUpdate
		if err := json.Unmarshal(raw, &u); err != nil {
			return
		}
		sys.HandleUpdate(u)
	})

	bus.Subscribe(core.EventJoinedRoom, func(any) {
		sys.Start()
	})
	bus.Subscribe(core.EventLeftRoom, func(any) {
		sys.Stop()
	})
	bus.Subscribe(core.EventSyncStale, func(any) {
		log.Warn().Msg("remote peer stale")
	})

	if *host {
		bus.Subscribe(core.EventConnected, func(any) {
			if err := mgr.CreateRoom(); err != nil {
				log.Error().Err(err).Msg("create room")
			}
		})
	} else {
		joining := make(chan domain.PeerID, 1)
		bus.Subscribe(core.EventRoomList, func(payload any) {
			rooms, _ := payload.([]domain.RoomStatus)
			for _, room := range rooms {
				if !room.Full() {
					select {
					case joining <- room.PeerID:
					default:
					}
					return
				}
			}
		})
		go func() {
			select {
			case <-ctx.Done():
				return
			case hostID := <-joining:
				if err := mgr.JoinRoom(ctx, hostID); err != nil {
					log.Error().Err(err).Msg("join room")
				}
			}
		}()
	}

	go func() {
		if err := mgr.Start(ctx); err != nil {
			log.Error().Err(err).Msg("session error")
		}
	}()

	<-ctx.Done()
	log.Info().Msg("Shutting down")
	sys.Stop()
	if mgr.InRoom() {
		_ = mgr.LeaveRoom()
	}
	mgr.Close()
}
