package api

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/coder/websocket"
	"github.com/go-chi/chi/v5"

	"github.com/talkwire/talkwire/internal/bridge"
)

// bridgeStartRequest is the body for POST /v1/bridge/{device}/start.
type bridgeStartRequest struct {
	// Host is the device address, "host" or "host:port" (default port 6054).
	Host string `json:"host"`
	// NoRing skips the ring/answer handshake and streams immediately.
	NoRing bool `json:"no_ring"`
}

// handleListSessions returns all live bridge sessions.
func (s *Server) handleListSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.sessions.List()
	if sessions == nil {
		sessions = []*bridge.Session{}
	}
	writeJSON(w, http.StatusOK, sessions)
}

// handleBridgeStart opens a bridge session to a device. An existing session
// for the same device is replaced.
func (s *Server) handleBridgeStart(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")

	var req bridgeStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.Host == "" {
		writeError(w, http.StatusBadRequest, "host is required")
		return
	}

	sess, err := s.sessions.Start(r.Context(), deviceID, req.Host, req.NoRing)
	if err != nil {
		s.log.Error("starting bridge session", "device", deviceID, "host", req.Host, "error", err)
		writeError(w, http.StatusBadGateway, "could not reach device")
		return
	}
	writeJSON(w, http.StatusCreated, sess)
}

// handleBridgeStop ends the bridge session for a device. Idempotent.
func (s *Server) handleBridgeStop(w http.ResponseWriter, r *http.Request) {
	s.sessions.Stop(chi.URLParam(r, "device"))
	writeJSON(w, http.StatusOK, map[string]string{"status": "stopped"})
}

// handleBridgeWS attaches a websocket to a live bridge session. Binary
// messages carry raw 16 kHz 16-bit mono PCM in both directions: browser
// frames go to the device, device frames come back as binary messages.
func (s *Server) handleBridgeWS(w http.ResponseWriter, r *http.Request) {
	deviceID := chi.URLParam(r, "device")
	sess, ok := s.sessions.Get(deviceID)
	if !ok {
		writeError(w, http.StatusNotFound, "no bridge session for device")
		return
	}

	c, err := websocket.Accept(w, r, nil)
	if err != nil {
		s.log.Warn("websocket accept failed", "device", deviceID, "error", err)
		return
	}
	defer c.Close(websocket.StatusInternalError, "bridge closed")

	ctx, cancel := context.WithCancel(r.Context())
	defer cancel()

	// Device → browser. The sink runs on the bridge client's read loop;
	// coder/websocket permits one concurrent writer, which this is.
	sess.SetSink(func(pcm []byte) {
		wctx, wcancel := context.WithTimeout(ctx, 5*time.Second)
		defer wcancel()
		if err := c.Write(wctx, websocket.MessageBinary, pcm); err != nil {
			cancel()
		}
	})
	defer sess.SetSink(nil)

	// Unblock the read loop when the device side goes away.
	go func() {
		select {
		case <-sess.Done():
			cancel()
		case <-ctx.Done():
		}
	}()

	s.log.Info("websocket attached", "device", deviceID, "session", sess.ID)

	// Browser → device.
	for {
		typ, data, err := c.Read(ctx)
		if err != nil {
			s.log.Info("websocket detached", "device", deviceID, "error", err)
			c.Close(websocket.StatusNormalClosure, "")
			return
		}
		if typ == websocket.MessageBinary {
			sess.SendAudio(data)
		}
	}
}
