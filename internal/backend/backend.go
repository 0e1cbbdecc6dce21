// Package backend executes terminal-multiplexer operations on the machine
// that hosts a session. The local and ssh implementations expose identical
// semantics so callers never branch on where a session lives.
package backend

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrNotFound reports an operation against a session or pane that is
	// not live on the backend.
	ErrNotFound = errors.New("session not found")
	// ErrAlreadyExists reports a create against a name that is already live.
	ErrAlreadyExists = errors.New("session already exists")
	// ErrUnreachable reports a machine that could not be contacted. The
	// wrapped message carries the machine id.
	ErrUnreachable = errors.New("machine unreachable")
	// ErrUnknownMachine reports a machine id absent from the registry.
	ErrUnknownMachine = errors.New("unknown machine")
)

// SessionInfo is one live multiplexer session.
type SessionInfo struct {
	Name     string    `json:"name"`
	Created  time.Time `json:"created"`
	Attached int       `json:"attached"`
}

// Pane is one pane of a session's window 0. Index 0 is the agent pane;
// higher indexes are worker panes.
type Pane struct {
	Index          int    `json:"index"`
	PID            int    `json:"pid"`
	Title          string `json:"title"`
	CurrentPath    string `json:"current_path"`
	CurrentCommand string `json:"current_command"`
	Active         bool   `json:"active"`
}

// Backend runs multiplexer operations on one machine. Implementations are
// safe for concurrent use and never retry internally; retry policy belongs
// to the caller.
type Backend interface {
	// MachineID identifies the machine, "local" for the daemon's own.
	MachineID() string

	// Create starts a detached session in workDir and, when command is
	// non-empty, types it into pane 0. Returns ErrAlreadyExists when the
	// name is already live.
	Create(ctx context.Context, session, workDir, command string) error

	HasSession(ctx context.Context, session string) (bool, error)
	ListSessions(ctx context.Context) ([]SessionInfo, error)
	ListPanes(ctx context.Context, session string) ([]Pane, error)

	// SendInput pastes literal text into a pane. Fire and forget: delivery
	// to the multiplexer is confirmed, interpretation by the process is not.
	SendInput(ctx context.Context, session string, pane int, data string) error

	// SendKeys sends named multiplexer keys (Enter, C-c, ...) to a pane.
	SendKeys(ctx context.Context, session string, pane int, keys ...string) error

	// CaptureSnapshot returns the last lines of a pane with escape
	// sequences intact. Read-only; never changes terminal state.
	CaptureSnapshot(ctx context.Context, session string, pane, lines int) (string, error)

	// AttachStream opens a dedicated interactive stream onto the session.
	// Closing the stream detaches without disturbing the session.
	AttachStream(ctx context.Context, session string) (*Stream, error)

	// Resize sets the session window size. All attached streams observe it.
	Resize(ctx context.Context, session string, cols, rows uint16) error

	// SplitPane adds a worker pane in workDir and returns its index.
	SplitPane(ctx context.Context, session, workDir, command string) (int, error)

	KillPane(ctx context.Context, session string, pane int) error
	Kill(ctx context.Context, session string) error

	// Exec runs a command on the machine with dir as working directory and
	// returns its combined output. Used for worktree management alongside
	// the multiplexer operations.
	Exec(ctx context.Context, dir string, argv ...string) (string, error)
}
