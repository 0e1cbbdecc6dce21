// Package mux fans session output out to attached viewers and forwards
// viewer input back. Monitor viewers share one capture poll per session;
// terminal viewers each hold a dedicated interactive stream.
package mux

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/metrics"
	"github.com/agent-command/pilotd/internal/target"
)

// ErrRateLimited reports terminal input rejected by the per-attachment
// limiter.
var ErrRateLimited = errors.New("input rate limit exceeded")

// ErrNotAttached reports input or resize for an attachment that is gone.
var ErrNotAttached = errors.New("not attached")

// Message is one event delivered to a viewer.
type Message struct {
	Type    string // "snapshot", "output", "permission", "detached"
	Session string
	Seq     uint64
	Data    []byte
	Payload any
}

// Viewer is one attached wire client. Deliver must not block; it returns
// false when the message was dropped on a full client.
type Viewer interface {
	ID() string
	Deliver(msg Message) bool
}

// BackendFor resolves the backend hosting a machine.
type BackendFor func(machineID string) (backend.Backend, error)

// ActivityFunc is called when a session's output changes.
type ActivityFunc func(id target.Identifier, at time.Time)

// Mux owns all viewer attachments.
type Mux struct {
	cfg      *config.TmuxConfig
	server   *config.ServerConfig
	dial     BackendFor
	prefix   string
	activity ActivityFunc

	mu       sync.Mutex
	monitors map[string]*monitorLoop
	terms    map[string]map[string]*termAttachment
}

func New(cfg *config.TmuxConfig, serverCfg *config.ServerConfig, dial BackendFor, prefix string) *Mux {
	return &Mux{
		cfg:      cfg,
		server:   serverCfg,
		dial:     dial,
		prefix:   prefix,
		monitors: make(map[string]*monitorLoop),
		terms:    make(map[string]map[string]*termAttachment),
	}
}

// SetActivityFunc wires output-change notifications, used for session
// activity timestamps.
func (m *Mux) SetActivityFunc(fn ActivityFunc) { m.activity = fn }

// JoinMonitor subscribes a viewer to the session's shared snapshot feed.
// The first subscriber starts the poll loop; later ones reuse it and
// immediately receive the current frame.
func (m *Mux) JoinMonitor(id target.Identifier, v Viewer) error {
	key := id.String()

	m.mu.Lock()
	loop, ok := m.monitors[key]
	if !ok {
		b, err := m.dial(id.MachineID())
		if err != nil {
			m.mu.Unlock()
			return err
		}
		loop = newMonitorLoop(id, id.SessionName(m.prefix), b, m.cfg, m.activity)
		m.monitors[key] = loop
		go loop.run()
	}
	m.mu.Unlock()

	loop.addViewer(v)
	metrics.AttachmentsActive.WithLabelValues("monitor").Inc()
	return nil
}

// LeaveMonitor unsubscribes a viewer. The last one out stops the poll
// loop.
func (m *Mux) LeaveMonitor(id target.Identifier, viewerID string) {
	key := id.String()

	m.mu.Lock()
	loop, ok := m.monitors[key]
	m.mu.Unlock()
	if !ok {
		return
	}
	if removed, empty := loop.removeViewer(viewerID); removed {
		metrics.AttachmentsActive.WithLabelValues("monitor").Dec()
		if empty {
			m.mu.Lock()
			if m.monitors[key] == loop {
				delete(m.monitors, key)
			}
			m.mu.Unlock()
			loop.stop()
		}
	}
}

// Broadcast delivers a message to every viewer of a session, both modes.
func (m *Mux) Broadcast(id target.Identifier, msg Message) {
	key := id.String()
	msg.Session = key

	m.mu.Lock()
	loop := m.monitors[key]
	var atts []*termAttachment
	for _, att := range m.terms[key] {
		atts = append(atts, att)
	}
	m.mu.Unlock()

	if loop != nil {
		loop.broadcast(msg)
	}
	for _, att := range atts {
		att.viewer.Deliver(msg)
	}
}

// CloseSession tears down every attachment of a session. Used when the
// session is killed or recreated.
func (m *Mux) CloseSession(id target.Identifier) {
	key := id.String()

	m.mu.Lock()
	loop := m.monitors[key]
	delete(m.monitors, key)
	atts := m.terms[key]
	delete(m.terms, key)
	m.mu.Unlock()

	if loop != nil {
		loop.broadcast(Message{Type: "detached", Session: key})
		for range loop.snapshotViewers() {
			metrics.AttachmentsActive.WithLabelValues("monitor").Dec()
		}
		loop.stop()
	}
	for _, att := range atts {
		att.close("session closed")
		metrics.AttachmentsActive.WithLabelValues("terminal").Dec()
	}
}

// Close tears down every attachment of every session. Called once at
// daemon shutdown; websocket connections are hijacked from the HTTP
// server, so its own drain never reaches them.
func (m *Mux) Close() {
	m.mu.Lock()
	var ids []target.Identifier
	for _, loop := range m.monitors {
		ids = append(ids, loop.id)
	}
	for _, atts := range m.terms {
		for _, att := range atts {
			ids = append(ids, att.session)
		}
	}
	m.mu.Unlock()

	seen := make(map[string]bool, len(ids))
	for _, id := range ids {
		if seen[id.String()] {
			continue
		}
		seen[id.String()] = true
		m.CloseSession(id)
	}
}

// MonitorResize applies a viewer resize for sessions watched in monitor
// mode, where no pty exists; the backend resizes the shared window.
func (m *Mux) MonitorResize(ctx context.Context, id target.Identifier, cols, rows uint16) error {
	b, err := m.dial(id.MachineID())
	if err != nil {
		return err
	}
	return b.Resize(ctx, id.SessionName(m.prefix), cols, rows)
}

// AttachTerminal opens a dedicated interactive stream for the viewer and
// starts its output pump. Returns the attachment id used for input,
// resize, and detach.
func (m *Mux) AttachTerminal(ctx context.Context, id target.Identifier, v Viewer) (string, error) {
	b, err := m.dial(id.MachineID())
	if err != nil {
		return "", err
	}
	stream, err := b.AttachStream(ctx, id.SessionName(m.prefix))
	if err != nil {
		return "", err
	}

	att := newTermAttachment(id, stream, v, m.server)
	key := id.String()

	m.mu.Lock()
	if m.terms[key] == nil {
		m.terms[key] = make(map[string]*termAttachment)
	}
	m.terms[key][att.id] = att
	m.mu.Unlock()

	metrics.AttachmentsActive.WithLabelValues("terminal").Inc()
	go m.pumpOutput(key, att)
	return att.id, nil
}

// pumpOutput forwards stream output to the viewer until the stream ends,
// then cleans the attachment up.
func (m *Mux) pumpOutput(key string, att *termAttachment) {
	att.pump()
	if m.dropTerm(key, att) {
		metrics.AttachmentsActive.WithLabelValues("terminal").Dec()
	}
}

func (m *Mux) dropTerm(key string, att *termAttachment) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	if atts, ok := m.terms[key]; ok {
		if _, present := atts[att.id]; present {
			delete(atts, att.id)
			if len(atts) == 0 {
				delete(m.terms, key)
			}
			return true
		}
	}
	return false
}

// DetachTerminal closes one attachment. Other attachments and the monitor
// loop are untouched.
func (m *Mux) DetachTerminal(id target.Identifier, attachID string) {
	att, ok := m.lookupTerm(id, attachID)
	if !ok {
		return
	}
	att.close("detached")
	if m.dropTerm(id.String(), att) {
		metrics.AttachmentsActive.WithLabelValues("terminal").Dec()
	}
}

// TerminalInput forwards viewer keystrokes into the attachment's stream.
func (m *Mux) TerminalInput(id target.Identifier, attachID string, data []byte) error {
	att, ok := m.lookupTerm(id, attachID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, attachID)
	}
	return att.input(data)
}

// TerminalResize resizes the attachment's pty. The multiplexer follows
// the smallest client, so all viewers of the session observe it.
func (m *Mux) TerminalResize(id target.Identifier, attachID string, cols, rows uint16) error {
	att, ok := m.lookupTerm(id, attachID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotAttached, attachID)
	}
	return att.stream.Resize(cols, rows)
}

func (m *Mux) lookupTerm(id target.Identifier, attachID string) (*termAttachment, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	att, ok := m.terms[id.String()][attachID]
	return att, ok
}
