package main

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/google/uuid"
	gorilla "github.com/gorilla/websocket"
	"goa.design/clue/log"

	streampulse "github.com/handoff-ai/switchboard/features/stream/pulse"
	streamws "github.com/handoff-ai/switchboard/features/stream/websocket"
	"github.com/handoff-ai/switchboard/runtime/call"
	"github.com/handoff-ai/switchboard/runtime/call/coordinator"
	"github.com/handoff-ai/switchboard/runtime/call/events"
	"github.com/handoff-ai/switchboard/runtime/call/lifecycle"
)

type (
	// api exposes the call lifecycle, switch and event surfaces over HTTP.
	api struct {
		lifecycle *lifecycle.Manager
		coord     *coordinator.Coordinator
		bus       *events.Bus
		// pulseSink is nil unless cross-instance propagation is enabled.
		pulseSink *streampulse.Sink
		upgrader  gorilla.Upgrader
	}

	startRequest struct {
		CustomerID string `json:"customer_id"`
	}

	transcriptRequest struct {
		Speaker   call.Speaker `json:"speaker"`
		Text      string       `json:"text"`
		Timestamp time.Time    `json:"timestamp"`
	}

	suggestionRequest struct {
		Suggestion string `json:"suggestion"`
		Source     string `json:"source"`
	}

	switchRequest struct {
		Direction string `json:"direction"`
		Reason    string `json:"reason"`
	}

	errorResponse struct {
		Error string `json:"error"`
	}
)

func (a *api) routes(mux *http.ServeMux) {
	mux.HandleFunc("POST /calls/{id}/start", a.startCall)
	mux.HandleFunc("POST /calls/{id}/end", a.endCall)
	mux.HandleFunc("POST /calls/{id}/transcript", a.appendTranscript)
	mux.HandleFunc("POST /calls/{id}/suggestion", a.relaySuggestion)
	mux.HandleFunc("POST /calls/{id}/switch", a.executeSwitch)
	mux.HandleFunc("GET /calls/{id}/switch/check", a.checkSwitch)
	mux.HandleFunc("GET /calls/{id}/switches", a.switchStats)
	mux.HandleFunc("GET /calls/{id}", a.getSession)
	mux.HandleFunc("GET /calls/{id}/events", a.streamEvents)
}

func (a *api) startCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req startRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	// Join the relay before the session_update publish so remote instances
	// see the very first event.
	if a.pulseSink != nil {
		if err := a.bus.Subscribe(callID, a.pulseSink); err != nil {
			writeError(w, http.StatusInternalServerError, err)
			return
		}
	}
	sess, err := a.lifecycle.OnCallStarted(r.Context(), callID, req.CustomerID)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

func (a *api) endCall(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	if err := a.lifecycle.OnCallEnded(r.Context(), callID); err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	if a.pulseSink != nil {
		if err := a.pulseSink.Release(r.Context(), callID); err != nil {
			log.Error(r.Context(), err, log.KV{K: "msg", V: "release call stream"}, log.KV{K: "call_id", V: callID})
		}
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *api) appendTranscript(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req transcriptRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	entry := call.TranscriptEntry{Speaker: req.Speaker, Text: req.Text, Timestamp: req.Timestamp}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	if err := a.lifecycle.OnTranscriptChunk(r.Context(), callID, entry); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) relaySuggestion(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req suggestionRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	if err := a.lifecycle.OnSuggestion(r.Context(), callID, req.Suggestion, req.Source); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	w.WriteHeader(http.StatusAccepted)
}

func (a *api) executeSwitch(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	var req switchRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	direction, err := call.ParseDirection(req.Direction)
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	res, err := a.coord.ExecuteSwitch(r.Context(), coordinator.Request{
		CallID:    callID,
		Direction: direction,
		Reason:    req.Reason,
	})
	switch {
	case err == nil:
		writeJSON(w, http.StatusOK, res)
	case errors.Is(err, call.ErrSessionNotFound):
		writeError(w, http.StatusNotFound, err)
	case errors.Is(err, coordinator.ErrConflict):
		writeError(w, http.StatusConflict, err)
	default:
		writeError(w, http.StatusInternalServerError, err)
	}
}

func (a *api) checkSwitch(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	direction, err := call.ParseDirection(r.URL.Query().Get("direction"))
	if err != nil {
		writeError(w, http.StatusBadRequest, err)
		return
	}
	decision, err := a.coord.CanSwitch(r.Context(), callID, direction)
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, decision)
}

func (a *api) switchStats(w http.ResponseWriter, r *http.Request) {
	stats, err := a.coord.SwitchStats(r.Context(), r.PathValue("id"))
	if err != nil {
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

func (a *api) getSession(w http.ResponseWriter, r *http.Request) {
	sess, err := a.lifecycle.Snapshot(r.Context(), r.PathValue("id"))
	if err != nil {
		if errors.Is(err, call.ErrSessionNotFound) {
			writeError(w, http.StatusNotFound, err)
			return
		}
		writeError(w, http.StatusInternalServerError, err)
		return
	}
	writeJSON(w, http.StatusOK, sess)
}

// streamEvents upgrades the connection and joins the dashboard client to the
// call's room. The subscriber is dropped when the connection goes away or the
// call ends, whichever comes first.
func (a *api) streamEvents(w http.ResponseWriter, r *http.Request) {
	callID := r.PathValue("id")
	conn, err := a.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote the error response.
		return
	}
	sub, err := streamws.New(streamws.Options{
		ID:   uuid.NewString(),
		Conn: conn,
	})
	if err != nil {
		_ = conn.Close()
		return
	}
	if err := a.bus.Subscribe(callID, sub); err != nil {
		_ = conn.Close()
		return
	}
	defer a.bus.Unsubscribe(callID, sub)

	if err := sub.Run(r.Context()); err != nil {
		log.Debug(r.Context(), log.KV{K: "msg", V: "event stream closed"},
			log.KV{K: "call_id", V: callID}, log.KV{K: "err", V: err.Error()})
	}
}

func decode(r *http.Request, v any) error {
	defer r.Body.Close()
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(v); err != nil {
		return errors.New("invalid request body")
	}
	return nil
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}
