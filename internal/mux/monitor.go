package mux

import (
	"context"
	"crypto/sha256"
	"log"
	"sync"
	"time"

	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/metrics"
	"github.com/agent-command/pilotd/internal/target"
)

// monitorLoop is the shared capture poll for one session. All monitor
// viewers of the session hang off it; it holds exactly one in-flight
// capture regardless of viewer count.
type monitorLoop struct {
	id       target.Identifier
	session  string
	backend  backend.Backend
	interval time.Duration
	timeout  time.Duration
	lines    int
	activity ActivityFunc

	ctx    context.Context
	cancel context.CancelFunc

	mu        sync.Mutex
	viewers   []Viewer
	lastHash  [sha256.Size]byte
	lastFrame string
	seq       uint64
}

func newMonitorLoop(id target.Identifier, session string, b backend.Backend, cfg *config.TmuxConfig, activity ActivityFunc) *monitorLoop {
	ctx, cancel := context.WithCancel(context.Background())
	return &monitorLoop{
		id:       id,
		session:  session,
		backend:  b,
		interval: time.Duration(cfg.MonitorIntervalMs) * time.Millisecond,
		timeout:  time.Duration(cfg.CaptureTimeoutMs) * time.Millisecond,
		lines:    cfg.SnapshotLines,
		activity: activity,
		ctx:      ctx,
		cancel:   cancel,
	}
}

func (l *monitorLoop) run() {
	ticker := time.NewTicker(l.interval)
	defer ticker.Stop()
	for {
		l.capture()
		select {
		case <-l.ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (l *monitorLoop) stop() {
	l.cancel()
}

// capture takes one snapshot and fans the frame out when it changed.
func (l *monitorLoop) capture() {
	ctx, cancel := context.WithTimeout(l.ctx, l.timeout)
	start := time.Now()
	text, err := l.backend.CaptureSnapshot(ctx, l.session, 0, l.lines)
	cancel()
	metrics.SnapshotDuration.Observe(time.Since(start).Seconds())
	if err != nil {
		if l.ctx.Err() != nil {
			return
		}
		metrics.BackendErrors.WithLabelValues(l.backend.MachineID()).Inc()
		log.Printf("mux: capture %s: %v", l.id, err)
		return
	}

	sum := sha256.Sum256([]byte(text))
	l.mu.Lock()
	if sum == l.lastHash {
		l.mu.Unlock()
		return
	}
	l.lastHash = sum
	l.lastFrame = text
	l.seq++
	seq := l.seq
	viewers := append([]Viewer(nil), l.viewers...)
	l.mu.Unlock()

	if l.activity != nil {
		l.activity(l.id, time.Now())
	}
	msg := Message{Type: "snapshot", Session: l.id.String(), Seq: seq, Data: []byte(text)}
	for _, v := range viewers {
		v.Deliver(msg)
	}
}

// addViewer subscribes in arrival order and hands the newcomer the
// current frame right away rather than making it wait out a tick.
func (l *monitorLoop) addViewer(v Viewer) {
	l.mu.Lock()
	l.viewers = append(l.viewers, v)
	frame := l.lastFrame
	seq := l.seq
	l.mu.Unlock()

	if frame != "" {
		v.Deliver(Message{Type: "snapshot", Session: l.id.String(), Seq: seq, Data: []byte(frame)})
	}
}

// removeViewer reports whether the viewer was subscribed and whether it
// was the last one.
func (l *monitorLoop) removeViewer(viewerID string) (removed, empty bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i, v := range l.viewers {
		if v.ID() == viewerID {
			l.viewers = append(l.viewers[:i], l.viewers[i+1:]...)
			return true, len(l.viewers) == 0
		}
	}
	return false, false
}

func (l *monitorLoop) snapshotViewers() []Viewer {
	l.mu.Lock()
	defer l.mu.Unlock()
	return append([]Viewer(nil), l.viewers...)
}

func (l *monitorLoop) broadcast(msg Message) {
	for _, v := range l.snapshotViewers() {
		v.Deliver(msg)
	}
}
