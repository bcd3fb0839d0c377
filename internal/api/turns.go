package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/MrWong99/toolrelay/internal/observe"
	"github.com/MrWong99/toolrelay/internal/orchestrator"
)

// handleTurnSocket serves turns over a websocket. Each text message from the
// client is one request; the events of that turn are written back before the
// next request is read.
func (s *Server) handleTurnSocket(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	log := observe.Logger(r.Context()).With("session_id", id)

	c, err := websocket.Accept(w, r, &websocket.AcceptOptions{OriginPatterns: s.originPatterns})
	if err != nil {
		log.Warn("websocket accept failed", "err", err)
		return
	}
	defer c.CloseNow()

	ctx := r.Context()
	for {
		var req orchestrator.Request
		if err := wsjson.Read(ctx, c, &req); err != nil {
			switch websocket.CloseStatus(err) {
			case websocket.StatusNormalClosure, websocket.StatusGoingAway:
			default:
				var syntax *json.SyntaxError
				var typ *json.UnmarshalTypeError
				if errors.As(err, &syntax) || errors.As(err, &typ) {
					_ = c.Close(websocket.StatusUnsupportedData, "request must be a JSON object")
					return
				}
				log.Debug("websocket read ended", "err", err)
			}
			return
		}

		turnCtx, cancel := context.WithCancel(ctx)
		events, err := s.turns.ProcessTurn(turnCtx, id, req)
		if err != nil {
			cancel()
			if werr := writeRejection(ctx, id, err, func(ev orchestrator.Event) error {
				return wsjson.Write(ctx, c, ev)
			}); werr != nil {
				return
			}
			continue
		}
		werr := relay(events, cancel, func(ev orchestrator.Event) error {
			return wsjson.Write(ctx, c, ev)
		})
		cancel()
		if werr != nil {
			log.Debug("websocket write failed, turn cancelled", "err", werr)
			return
		}
	}
}

// handleTurnStream serves one turn as newline-delimited JSON events.
func (s *Server) handleTurnStream(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	var req orchestrator.Request
	if err := decodeBody(w, r, &req, false); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()
	events, err := s.turns.ProcessTurn(ctx, id, req)
	if err != nil {
		writeError(w, turnStatus(err), err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/x-ndjson")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	rc := http.NewResponseController(w)
	enc := json.NewEncoder(w)
	if err := relay(events, cancel, func(ev orchestrator.Event) error {
		if err := enc.Encode(ev); err != nil {
			return err
		}
		return rc.Flush()
	}); err != nil {
		observe.Logger(r.Context()).Debug("turn stream write failed, turn cancelled", "session_id", id, "err", err)
	}
}

// relay writes every event of a turn. After the first write error it cancels
// the turn and keeps draining so the turn goroutine can finish.
func relay(events <-chan orchestrator.Event, cancel context.CancelFunc, write func(orchestrator.Event) error) error {
	var werr error
	for ev := range events {
		if werr != nil {
			continue
		}
		if werr = write(ev); werr != nil {
			cancel()
		}
	}
	return werr
}

// writeRejection reports a turn that could not start as an error event
// followed by the end event, so socket clients see the usual terminator.
func writeRejection(ctx context.Context, sessionID string, err error, write func(orchestrator.Event) error) error {
	now := time.Now()
	code := orchestrator.CodeInvalidRequest
	if turnStatus(err) >= http.StatusInternalServerError {
		code = orchestrator.CodePersistence
	}
	observe.Logger(ctx).Info("turn rejected", "session_id", sessionID, "err", err)
	if werr := write(orchestrator.Event{
		Type: orchestrator.EventError, SessionID: sessionID, Code: code, Text: err.Error(), Time: now,
	}); werr != nil {
		return werr
	}
	return write(orchestrator.Event{Type: orchestrator.EventEnd, SessionID: sessionID, Time: now})
}

// turnStatus maps a ProcessTurn error to an HTTP status.
func turnStatus(err error) int {
	switch {
	case errors.Is(err, orchestrator.ErrInvalidRequest), errors.Is(err, orchestrator.ErrUnknownProvider):
		return http.StatusBadRequest
	case errors.Is(err, context.Canceled):
		return http.StatusServiceUnavailable
	}
	return http.StatusInternalServerError
}
