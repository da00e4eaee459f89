package control

import (
	"net/http"
	"time"

	"github.com/charmbracelet/log"
	"github.com/gorilla/websocket"

	"github.com/netrig/netrig/pkg/model"
)

const (
	streamInterval     = time.Second
	streamWriteTimeout = 5 * time.Second
)

var upgrader = websocket.Upgrader{
	// The control plane serves trusted orchestrators on a closed segment;
	// browser origin checks do not apply.
	CheckOrigin: func(*http.Request) bool { return true },
}

// metricsWS upgrades the connection and pushes the /metrics snapshot once
// per second until the peer goes away. It is a read endpoint like /metrics
// and is therefore unauthenticated.
func (h *Handler) metricsWS(w http.ResponseWriter, r *http.Request) {
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Debug("websocket upgrade failed", "source", r.RemoteAddr, "error", err)
		return
	}
	defer conn.Close()
	metricWSStreams.Inc()
	defer metricWSStreams.Dec()

	// Drain the read side so close frames are processed.
	closed := make(chan struct{})
	go func() {
		defer close(closed)
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ticker := time.NewTicker(streamInterval)
	defer ticker.Stop()
	for {
		select {
		case <-closed:
			return
		case <-r.Context().Done():
			return
		case <-ticker.C:
			conn.SetWriteDeadline(time.Now().Add(streamWriteTimeout))
			snapshot := model.MetricsResponse{Metrics: h.store.MetricsSnapshot()}
			if err := conn.WriteJSON(snapshot); err != nil {
				if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
					log.Debug("metrics stream closed", "source", r.RemoteAddr, "error", err)
				}
				return
			}
		}
	}
}
