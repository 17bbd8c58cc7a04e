package tracker

import (
	"context"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/rs/zerolog/log"
)

var upgrader = websocket.Upgrader{
	CheckOrigin: func(r *http.Request) bool { return true },
}

// HandleWS upgrades the request and attaches the socket to the hub.
func (h *Hub) HandleWS(ctx context.Context, c *gin.Context) {
	ws, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		log.Error().Err(err).Str("module", "tracker").Msg("ws upgrade")
		return
	}

	client := newClient(h, ws)
	h.register <- client

	go client.writePump(ctx)
	go client.readPump(ctx)
}
