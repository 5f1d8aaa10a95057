package feed

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/coder/websocket"
	"github.com/tidwall/gjson"

	"github.com/alexjbarnes/bufsync/internal/conflict"
	"github.com/alexjbarnes/bufsync/internal/engine"
)

const (
	maxFrameSize = 1 << 20

	// eventBuffer bounds how many unread engine events a slow client
	// can queue before further events are dropped.
	eventBuffer = 256
)

// inboundMsg wraps a message read from the WebSocket by the reader
// goroutine.
type inboundMsg struct {
	typ  websocket.MessageType
	data []byte
	err  error
}

// wsConn abstracts the WebSocket connection so the session can be
// tested without a real server. *websocket.Conn satisfies this
// interface.
type wsConn interface {
	Read(ctx context.Context) (websocket.MessageType, []byte, error)
	Write(ctx context.Context, typ websocket.MessageType, p []byte) error
	Close(code websocket.StatusCode, reason string) error
}

// session serves one feed connection.
//
// Architecture: a reader goroutine feeds inboundCh with raw WebSocket
// messages. A single event loop goroutine (run) processes inbound
// requests and engine events queued on eventCh. All writes to the
// connection happen from the event loop, eliminating the need for a
// write mutex.
type session struct {
	eng    *engine.Engine
	conn   wsConn
	logger *slog.Logger

	inboundCh chan inboundMsg
	eventCh   chan any
}

func newSession(eng *engine.Engine, conn wsConn, logger *slog.Logger) *session {
	return &session{
		eng:       eng,
		conn:      conn,
		logger:    logger,
		inboundCh: make(chan inboundMsg),
		eventCh:   make(chan any, eventBuffer),
	}
}

// statusBody is the wire form of an engine status.
type statusBody struct {
	State           string `json:"state"`
	LocalChanges    bool   `json:"localChanges"`
	ExternalChanges bool   `json:"externalChanges"`
	Error           string `json:"error,omitempty"`
}

func statusWire(st engine.Status) statusBody {
	return statusBody{
		State:           st.Type.String(),
		LocalChanges:    st.HasLocalChanges,
		ExternalChanges: st.HasExternalChanges,
		Error:           st.Err,
	}
}

// conflictBody is the wire form of a pending conflict.
type conflictBody struct {
	Path       string    `json:"path"`
	Base       string    `json:"base"`
	Local      string    `json:"local"`
	External   string    `json:"external"`
	DetectedAt time.Time `json:"detectedAt"`
}

func conflictWire(info conflict.Info) conflictBody {
	return conflictBody{
		Path:       info.Path,
		Base:       info.Base.Text(),
		Local:      info.Local.Text(),
		External:   info.External.Text(),
		DetectedAt: info.DetectedAt,
	}
}

type statusEvent struct {
	Op     string     `json:"op"`
	Path   string     `json:"path"`
	Status statusBody `json:"status"`
}

type conflictEvent struct {
	Op       string       `json:"op"`
	Conflict conflictBody `json:"conflict"`
}

// run drives the session until the context ends or the connection
// drops. It subscribes to engine notifications for the lifetime of the
// connection.
func (s *session) run(ctx context.Context) {
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()

	unsubStatus := s.eng.OnStatusChange(func(path string, st engine.Status) {
		s.queueEvent(statusEvent{Op: "status", Path: path, Status: statusWire(st)})
	})
	defer unsubStatus()

	unsubConflict := s.eng.OnConflict(func(info conflict.Info) {
		s.queueEvent(conflictEvent{Op: "conflict", Conflict: conflictWire(info)})
	})
	defer unsubConflict()

	go s.readLoop(ctx)

	defer s.conn.Close(websocket.StatusNormalClosure, "bye")

	for {
		select {
		case <-ctx.Done():
			return

		case msg := <-s.inboundCh:
			if msg.err != nil {
				s.logger.Debug("feed connection closed", slog.Any("error", msg.err))
				return
			}

			if err := s.handleMessage(ctx, msg.data); err != nil {
				s.logger.Error("writing feed response", slog.Any("error", err))
				return
			}

		case ev := <-s.eventCh:
			if err := s.writeJSON(ctx, ev); err != nil {
				s.logger.Error("writing feed event", slog.Any("error", err))
				return
			}
		}
	}
}

// readLoop feeds inboundCh until the connection or context ends.
func (s *session) readLoop(ctx context.Context) {
	for {
		typ, data, err := s.conn.Read(ctx)

		select {
		case s.inboundCh <- inboundMsg{typ: typ, data: data, err: err}:
		case <-ctx.Done():
			return
		}

		if err != nil {
			return
		}
	}
}

// queueEvent hands an engine notification to the event loop without
// blocking the engine's subscriber fan-out.
func (s *session) queueEvent(ev any) {
	select {
	case s.eventCh <- ev:
	default:
		s.logger.Warn("feed event dropped, client too slow")
	}
}

// handleMessage dispatches one client request. The op field selects the
// handler; unknown ops get an error reply rather than closing the
// connection.
func (s *session) handleMessage(ctx context.Context, data []byte) error {
	op := gjson.GetBytes(data, "op").Str

	switch op {
	case "ping":
		return s.writeJSON(ctx, map[string]string{"op": "pong"})

	case "status":
		path := gjson.GetBytes(data, "path").Str
		st := s.eng.SyncStatus(path)

		return s.writeJSON(ctx, statusEvent{Op: "status", Path: path, Status: statusWire(st)})

	case "conflicts":
		pending := s.eng.PendingConflicts()
		items := make([]conflictBody, 0, len(pending))

		for _, info := range pending {
			items = append(items, conflictWire(info))
		}

		return s.writeJSON(ctx, map[string]any{"op": "conflicts", "items": items})

	case "suggest":
		return s.handleSuggest(ctx, data)

	case "resolve":
		return s.handleResolve(ctx, data)

	case "skip":
		path := gjson.GetBytes(data, "path").Str
		s.eng.SkipConflict(path)

		return s.writeJSON(ctx, map[string]string{"op": "skipped", "path": path})

	case "batch_resolve":
		return s.handleBatchResolve(ctx, data)

	case "undo":
		return s.handleUndo(ctx)

	case "undo_status":
		return s.writeJSON(ctx, map[string]any{
			"op":          "undo_status",
			"available":   s.eng.CanUndoLastBatch(),
			"remainingMs": s.eng.UndoTimeRemaining().Milliseconds(),
		})

	default:
		return s.writeError(ctx, fmt.Sprintf("unknown op %q", op))
	}
}

func (s *session) handleSuggest(ctx context.Context, data []byte) error {
	path := gjson.GetBytes(data, "path").Str

	merged, ok := s.eng.MergeSuggestion(path)
	if !ok {
		return s.writeError(ctx, fmt.Sprintf("no conflict pending for %q", path))
	}

	return s.writeJSON(ctx, map[string]string{
		"op":     "suggestion",
		"path":   path,
		"merged": merged.Text(),
	})
}

func (s *session) handleResolve(ctx context.Context, data []byte) error {
	path := gjson.GetBytes(data, "path").Str

	name := gjson.GetBytes(data, "resolution").Str

	res, ok := conflict.ParseResolution(name)
	if !ok {
		return s.writeError(ctx, fmt.Sprintf("unknown resolution %q", name))
	}

	merged := gjson.GetBytes(data, "merged").Str

	if err := s.eng.ResolveConflict(path, res, merged); err != nil {
		return s.writeError(ctx, err.Error())
	}

	return s.writeJSON(ctx, map[string]string{"op": "resolved", "path": path})
}

func (s *session) handleBatchResolve(ctx context.Context, data []byte) error {
	resolutions := make(map[string]conflict.Resolution)

	var parseErr error

	gjson.GetBytes(data, "resolutions").ForEach(func(key, value gjson.Result) bool {
		res, ok := conflict.ParseResolution(value.Str)
		if !ok {
			parseErr = fmt.Errorf("%s: unknown resolution %q", key.Str, value.Str)
			return false
		}

		resolutions[key.Str] = res

		return true
	})

	if parseErr != nil {
		return s.writeError(ctx, parseErr.Error())
	}

	if len(resolutions) == 0 {
		return s.writeError(ctx, "batch_resolve requires a resolutions object")
	}

	undo, failures := s.eng.BatchResolve(resolutions)

	failed := make(map[string]string, len(failures))
	for path, err := range failures {
		failed[path] = err.Error()
	}

	reply := map[string]any{
		"op":       "batch_result",
		"resolved": len(resolutions) - len(failed),
		"failed":   failed,
	}
	if undo != nil {
		reply["undoRemainingMs"] = undo.Remaining(time.Now()).Milliseconds()
	}

	return s.writeJSON(ctx, reply)
}

func (s *session) handleUndo(ctx context.Context) error {
	result := s.eng.UndoLastBatch()

	reply := map[string]any{"op": "undo_result", "ok": result.Ok()}
	if result.Err != nil {
		reply["error"] = result.Err.Error()
	}

	perPath := make(map[string]string)

	for path, err := range result.PerPath {
		if err != nil {
			perPath[path] = err.Error()
		}
	}

	if len(perPath) > 0 {
		reply["failed"] = perPath
	}

	return s.writeJSON(ctx, reply)
}

func (s *session) writeError(ctx context.Context, msg string) error {
	return s.writeJSON(ctx, map[string]string{"op": "error", "message": msg})
}

func (s *session) writeJSON(ctx context.Context, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshalling message: %w", err)
	}

	return s.conn.Write(ctx, websocket.MessageText, data)
}
