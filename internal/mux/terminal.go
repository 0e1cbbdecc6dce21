package mux

import (
	"sync"
	"time"

	"github.com/google/uuid"
	"golang.org/x/time/rate"

	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/target"
)

// termStream is the part of backend.Stream an attachment drives.
type termStream interface {
	Read(p []byte) (int, error)
	Write(p []byte) (int, error)
	Resize(cols, rows uint16) error
	Close() error
}

// termAttachment is one viewer's dedicated interactive stream.
type termAttachment struct {
	id      string
	session target.Identifier
	stream  termStream
	viewer  Viewer
	limiter *rate.Limiter

	closeOnce sync.Once
}

func newTermAttachment(id target.Identifier, stream termStream, v Viewer, cfg *config.ServerConfig) *termAttachment {
	return &termAttachment{
		id:      uuid.New().String(),
		session: id,
		stream:  stream,
		viewer:  v,
		limiter: rate.NewLimiter(rate.Limit(cfg.InputRatePerSec), cfg.InputBurst),
	}
}

// pump forwards stream output to the viewer until the stream ends. A
// terminal byte stream has no frames that are safe to skip, so a viewer
// that cannot keep up is detached instead of fed gaps.
func (a *termAttachment) pump() {
	buf := make([]byte, 4096)
	for {
		n, err := a.stream.Read(buf)
		if n > 0 {
			data := make([]byte, n)
			copy(data, buf[:n])
			if !a.viewer.Deliver(Message{Type: "output", Session: a.session.String(), Data: data}) {
				a.close("viewer lagging")
				return
			}
		}
		if err != nil {
			break
		}
	}
	a.close("stream ended")
}

// input rate-limits and forwards viewer keystrokes. Input is counted in
// bytes so one paste-happy viewer cannot flood the pane.
func (a *termAttachment) input(data []byte) error {
	if !a.limiter.AllowN(time.Now(), len(data)) {
		return ErrRateLimited
	}
	if _, err := a.stream.Write(data); err != nil {
		return err
	}
	return nil
}

func (a *termAttachment) close(reason string) {
	a.closeOnce.Do(func() {
		_ = a.stream.Close()
		a.viewer.Deliver(Message{Type: "detached", Session: a.session.String(), Payload: reason})
	})
}
