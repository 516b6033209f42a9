package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/rs/zerolog/log"

	"github.com/JimStenstrom/claude-code-router/internal/config"
)

// eventWriteTimeout bounds one websocket write to a slow subscriber.
const eventWriteTimeout = 10 * time.Second

// handleEvents streams bus events to a websocket client as JSON text
// messages. The client only listens; anything it sends is discarded.
func (g *Gateway) handleEvents(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		log.Debug().Err(err).Msg("events: websocket accept failed")
		return
	}
	defer conn.CloseNow()

	ch, unsubscribe := g.bus.Subscribe(config.DefaultEventBuffer)
	defer unsubscribe()

	// CloseRead handles control frames and cancels ctx when the peer leaves.
	ctx := conn.CloseRead(r.Context())
	log.Debug().Str("remote", r.RemoteAddr).Msg("events: subscriber connected")

	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-ch:
			if !ok {
				_ = conn.Close(websocket.StatusGoingAway, "shutting down")
				return
			}
			payload, err := json.Marshal(ev)
			if err != nil {
				log.Warn().Err(err).Str("type", ev.Type).Msg("events: marshal failed")
				continue
			}
			if err := writeEvent(ctx, conn, payload); err != nil {
				log.Debug().Err(err).Msg("events: subscriber gone")
				return
			}
		}
	}
}

func writeEvent(ctx context.Context, conn *websocket.Conn, payload []byte) error {
	ctx, cancel := context.WithTimeout(ctx, eventWriteTimeout)
	defer cancel()
	return conn.Write(ctx, websocket.MessageText, payload)
}
