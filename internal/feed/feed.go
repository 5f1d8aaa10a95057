// Package feed exposes the sync engine over a WebSocket endpoint so
// editor frontends can stream status changes and drive conflict
// resolution remotely.
package feed

import (
	"log/slog"
	"net/http"

	"github.com/coder/websocket"

	"github.com/alexjbarnes/bufsync/internal/engine"
)

// MuxConfig holds dependencies for building the feed HTTP mux.
type MuxConfig struct {
	Engine *engine.Engine
	Logger *slog.Logger
}

// NewMux builds the HTTP mux with the WebSocket feed endpoint and a
// health probe.
func NewMux(cfg MuxConfig) *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	mux.HandleFunc("/feed", handleFeed(cfg.Engine, cfg.Logger))

	return mux
}

func handleFeed(eng *engine.Engine, logger *slog.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		conn, err := websocket.Accept(w, r, nil)
		if err != nil {
			logger.Error("accepting feed connection", slog.Any("error", err))
			return
		}

		conn.SetReadLimit(maxFrameSize)

		s := newSession(eng, conn, logger)
		s.run(r.Context())
	}
}
