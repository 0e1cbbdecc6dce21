package backend

import (
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/creack/pty"
)

// Stream is one interactive attachment onto a session, backed by a real
// pty so echo, cursor movement, and signal keys behave like a terminal.
// Every terminal viewer gets its own Stream.
type Stream struct {
	session   string
	ptmx      *os.File
	cmd       *exec.Cmd
	closeOnce sync.Once
	done      chan struct{}
}

func startStream(cmd *exec.Cmd, session string) (*Stream, error) {
	cmd.Env = append(os.Environ(),
		"TERM=xterm-256color",
		"COLORTERM=truecolor",
	)
	ptmx, err := pty.Start(cmd)
	if err != nil {
		return nil, fmt.Errorf("attach %s: %w", session, err)
	}
	_ = pty.Setsize(ptmx, &pty.Winsize{Rows: 24, Cols: 80})

	s := &Stream{
		session: session,
		ptmx:    ptmx,
		cmd:     cmd,
		done:    make(chan struct{}),
	}
	go s.waitForExit()
	return s, nil
}

// Read blocks for the next chunk of terminal output. After the attach
// process exits it returns an error; callers treat any error as stream end.
func (s *Stream) Read(p []byte) (int, error) {
	return s.ptmx.Read(p)
}

// Write forwards viewer keystrokes to the terminal.
func (s *Stream) Write(p []byte) (int, error) {
	select {
	case <-s.done:
		return 0, io.ErrClosedPipe
	default:
	}
	return s.ptmx.Write(p)
}

// Resize sets the pty size. The multiplexer follows the smallest attached
// client, so every viewer of the session observes the change.
func (s *Stream) Resize(cols, rows uint16) error {
	select {
	case <-s.done:
		return io.ErrClosedPipe
	default:
	}
	return pty.Setsize(s.ptmx, &pty.Winsize{Rows: rows, Cols: cols})
}

// Done is closed once the attach process has exited.
func (s *Stream) Done() <-chan struct{} {
	return s.done
}

// Close detaches this viewer. The session itself keeps running.
func (s *Stream) Close() error {
	s.closeOnce.Do(func() {
		if s.ptmx != nil {
			_ = s.ptmx.Close()
		}
		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Kill()
		}
	})
	return nil
}

func (s *Stream) waitForExit() {
	if s.cmd != nil {
		_ = s.cmd.Wait()
	}
	close(s.done)
	if s.ptmx != nil {
		_ = s.ptmx.Close()
	}
}
