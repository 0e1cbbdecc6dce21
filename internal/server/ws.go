package server

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/mux"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

const (
	wsWriteTimeout = 10 * time.Second
	wsReadLimit    = 1 << 20
	wsSendBuffer   = 64
)

// envelope is the wire frame for websocket traffic in both directions.
type envelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

type snapshotPayload struct {
	Session string `json:"session"`
	Seq     uint64 `json:"seq"`
	Text    string `json:"text"`
}

type outputPayload struct {
	Session string `json:"session"`
	Data    string `json:"data"` // base64
}

type detachedPayload struct {
	Session string `json:"session"`
	Reason  string `json:"reason,omitempty"`
}

// inboundPayload is the union of client message payloads.
type inboundPayload struct {
	Data       string `json:"data,omitempty"` // base64 for input
	Cols       uint16 `json:"cols,omitempty"`
	Rows       uint16 `json:"rows,omitempty"`
	RequestID  string `json:"request_id,omitempty"`
	Resolution string `json:"resolution,omitempty"`
	Message    string `json:"message,omitempty"`
	DecidedBy  string `json:"decided_by,omitempty"`
}

// wsViewer adapts one websocket connection to the viewer contract.
// Deliver never blocks; a full send buffer drops the frame.
type wsViewer struct {
	id   string
	conn *websocket.Conn
	send chan envelope
	done chan struct{}
	once sync.Once
}

func newWSViewer(conn *websocket.Conn) *wsViewer {
	return &wsViewer{
		id:   uuid.New().String(),
		conn: conn,
		send: make(chan envelope, wsSendBuffer),
		done: make(chan struct{}),
	}
}

func (v *wsViewer) ID() string { return v.id }

func (v *wsViewer) Deliver(msg mux.Message) bool {
	env, ok := encodeMessage(msg)
	if !ok {
		return false
	}
	select {
	case <-v.done:
		return false
	case v.send <- env:
		return true
	default:
		if env.Type == "detached" {
			v.close()
		}
		return false
	}
}

func (v *wsViewer) close() {
	v.once.Do(func() {
		close(v.done)
		v.conn.Close()
	})
}

// writePump drains the send buffer onto the wire. It owns all writes
// after the handshake, so handlers never write the conn directly. A
// detached frame is final; the connection closes once it is out.
func (v *wsViewer) writePump() {
	defer v.close()
	for {
		select {
		case <-v.done:
			return
		case env := <-v.send:
			v.conn.SetWriteDeadline(time.Now().Add(wsWriteTimeout))
			if err := v.conn.WriteJSON(env); err != nil {
				return
			}
			if env.Type == "detached" {
				return
			}
		}
	}
}

func (v *wsViewer) sendError(err error) {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return
	}
	select {
	case <-v.done:
	case v.send <- envelope{Type: "error", Payload: raw}:
	default:
	}
}

// encodeMessage turns a viewer message into its wire envelope. Unknown
// types are dropped rather than leaked to clients.
func encodeMessage(msg mux.Message) (envelope, bool) {
	var payload any
	switch msg.Type {
	case "snapshot":
		payload = snapshotPayload{Session: msg.Session, Seq: msg.Seq, Text: string(msg.Data)}
	case "output":
		payload = outputPayload{Session: msg.Session, Data: base64.StdEncoding.EncodeToString(msg.Data)}
	case "permission":
		payload = msg.Payload
	case "detached":
		reason, _ := msg.Payload.(string)
		payload = detachedPayload{Session: msg.Session, Reason: reason}
	default:
		return envelope{}, false
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return envelope{}, false
	}
	return envelope{Type: msg.Type, Payload: raw}, true
}

// handleSessionWS attaches a websocket client to a session, either as a
// shared monitor or as a dedicated terminal.
func (s *Server) handleSessionWS(w http.ResponseWriter, r *http.Request) {
	id, err := sessionID(r)
	if err != nil {
		writeError(w, err)
		return
	}
	if _, ok := s.reg.Get(id); !ok {
		writeError(w, fmt.Errorf("%w: %s", registry.ErrNotFound, id))
		return
	}
	mode := r.URL.Query().Get("mode")
	if mode == "" {
		mode = "monitor"
	}
	if mode != "monitor" && mode != "terminal" {
		http.Error(w, "mode must be monitor or terminal", http.StatusBadRequest)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.Printf("ws: upgrade %s: %v", id, err)
		return
	}
	v := newWSViewer(conn)
	defer v.close()

	var attachID string
	switch mode {
	case "monitor":
		if err := s.mux.JoinMonitor(id, v); err != nil {
			wsReject(conn, err)
			return
		}
		defer s.mux.LeaveMonitor(id, v.id)
	case "terminal":
		attachID, err = s.mux.AttachTerminal(r.Context(), id, v)
		if err != nil {
			wsReject(conn, err)
			return
		}
		defer s.mux.DetachTerminal(id, attachID)
	}
	go v.writePump()

	// Late joiners see requests that are already waiting.
	for _, req := range s.brk.Pending(id) {
		v.Deliver(mux.Message{
			Type:    "permission",
			Session: id.String(),
			Payload: broker.Event{Kind: "requested", Request: req},
		})
	}

	s.readLoop(r.Context(), v, id, mode, attachID)
}

// wsReject reports a post-upgrade setup failure. The write pump is not
// running yet, so writing the conn directly is safe.
func wsReject(conn *websocket.Conn, err error) {
	raw, marshalErr := json.Marshal(map[string]string{"error": err.Error()})
	if marshalErr != nil {
		return
	}
	conn.SetWriteDeadline(time.Now().Add(time.Second))
	_ = conn.WriteJSON(envelope{Type: "error", Payload: raw})
}

// readLoop dispatches client messages until the connection drops or the
// client detaches.
func (s *Server) readLoop(ctx context.Context, v *wsViewer, id target.Identifier, mode, attachID string) {
	v.conn.SetReadLimit(wsReadLimit)
	for {
		var env envelope
		if err := v.conn.ReadJSON(&env); err != nil {
			return
		}
		var in inboundPayload
		if len(env.Payload) > 0 {
			if err := json.Unmarshal(env.Payload, &in); err != nil {
				v.sendError(fmt.Errorf("bad payload: %v", err))
				continue
			}
		}
		switch env.Type {
		case "input":
			if mode != "terminal" {
				v.sendError(errors.New("input requires terminal mode"))
				continue
			}
			data, err := base64.StdEncoding.DecodeString(in.Data)
			if err != nil {
				v.sendError(fmt.Errorf("bad input encoding: %v", err))
				continue
			}
			if err := s.mux.TerminalInput(id, attachID, data); err != nil {
				v.sendError(err)
			}
		case "resize":
			var err error
			if mode == "terminal" {
				err = s.mux.TerminalResize(id, attachID, in.Cols, in.Rows)
			} else {
				err = s.mux.MonitorResize(ctx, id, in.Cols, in.Rows)
			}
			if err != nil {
				v.sendError(err)
			}
		case "decision":
			dec := broker.Decision{
				Resolution: broker.Resolution(in.Resolution),
				Message:    in.Message,
				DecidedBy:  in.DecidedBy,
			}
			if dec.DecidedBy == "" {
				dec.DecidedBy = v.id
			}
			if err := s.brk.Resolve(in.RequestID, dec); err != nil {
				v.sendError(err)
			}
		case "detach":
			return
		default:
			v.sendError(fmt.Errorf("unknown message type %q", env.Type))
		}
	}
}
