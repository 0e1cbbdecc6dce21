package backend

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agent-command/pilotd/internal/config"
)

// Local runs tmux directly on the daemon's machine.
type Local struct {
	cfg     *config.TmuxConfig
	capture singleflight.Group
}

func NewLocal(cfg *config.TmuxConfig) *Local {
	return &Local{cfg: cfg}
}

func (l *Local) MachineID() string { return "local" }

// args prepends the socket flag when a dedicated socket is configured.
func (l *Local) args(base ...string) []string {
	if l.cfg.Socket != "" {
		return append([]string{"-S", l.cfg.Socket}, base...)
	}
	return base
}

func (l *Local) run(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, l.cfg.Bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", classify(err, string(output))
	}
	return string(output), nil
}

func (l *Local) runStdin(ctx context.Context, stdin string, args ...string) error {
	cmd := exec.CommandContext(ctx, l.cfg.Bin, args...)
	cmd.Stdin = strings.NewReader(stdin)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return classify(err, string(output))
	}
	return nil
}

func (l *Local) Create(ctx context.Context, session, workDir, command string) error {
	live, err := l.HasSession(ctx, session)
	if err != nil {
		return err
	}
	if live {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, session)
	}

	args := []string{"new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if _, err := l.run(ctx, l.args(args...)...); err != nil {
		return fmt.Errorf("create session %s: %w", session, err)
	}
	if command != "" {
		if err := l.typeCommand(ctx, paneTarget(session, 0), command); err != nil {
			return fmt.Errorf("start command in %s: %w", session, err)
		}
	}
	return nil
}

// typeCommand types a shell command into a pane and submits it.
func (l *Local) typeCommand(ctx context.Context, target, command string) error {
	if _, err := l.run(ctx, l.args("send-keys", "-t", target, "-l", "--", command)...); err != nil {
		return err
	}
	_, err := l.run(ctx, l.args("send-keys", "-t", target, "Enter")...)
	return err
}

func (l *Local) HasSession(ctx context.Context, session string) (bool, error) {
	_, err := l.run(ctx, l.args("has-session", "-t", exactTarget(session))...)
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (l *Local) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := l.run(ctx, l.args("list-sessions", "-F", sessionFormat)...)
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions: %w", err)
	}
	return parseSessions(out), nil
}

func (l *Local) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	out, err := l.run(ctx, l.args("list-panes", "-t", exactTarget(session), "-F", paneFormat)...)
	if err != nil {
		return nil, fmt.Errorf("list panes %s: %w", session, err)
	}
	return parsePanes(out), nil
}

// SendInput loads the text into a uniquely named buffer and pastes it into
// the pane. Pasting avoids key-name interpretation of the payload.
func (l *Local) SendInput(ctx context.Context, session string, pane int, data string) error {
	target := paneTarget(session, pane)
	buffer := fmt.Sprintf("pilotbuf_%d", time.Now().UnixNano())

	if err := l.runStdin(ctx, data, l.args("load-buffer", "-b", buffer, "-")...); err != nil {
		return fmt.Errorf("load buffer for %s: %w", target, err)
	}
	if _, err := l.run(ctx, l.args("paste-buffer", "-t", target, "-b", buffer, "-d")...); err != nil {
		_, _ = l.run(ctx, l.args("delete-buffer", "-b", buffer)...)
		return fmt.Errorf("paste buffer to %s: %w", target, err)
	}
	return nil
}

func (l *Local) SendKeys(ctx context.Context, session string, pane int, keys ...string) error {
	args := append([]string{"send-keys", "-t", paneTarget(session, pane)}, keys...)
	_, err := l.run(ctx, l.args(args...)...)
	return err
}

func (l *Local) CaptureSnapshot(ctx context.Context, session string, pane, lines int) (string, error) {
	target := paneTarget(session, pane)
	key := fmt.Sprintf("%s:%d", target, lines)
	// Concurrent captures of the same pane share one tmux invocation.
	out, err, _ := l.capture.Do(key, func() (any, error) {
		return l.run(ctx, l.args("capture-pane", "-p", "-e", "-t", target, "-S", fmt.Sprintf("-%d", lines))...)
	})
	if err != nil {
		return "", fmt.Errorf("capture %s: %w", target, err)
	}
	return out.(string), nil
}

func (l *Local) AttachStream(ctx context.Context, session string) (*Stream, error) {
	live, err := l.HasSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, session)
	}
	cmd := exec.Command(l.cfg.Bin, l.args("attach-session", "-t", exactTarget(session))...)
	return startStream(cmd, session)
}

func (l *Local) Resize(ctx context.Context, session string, cols, rows uint16) error {
	_, err := l.run(ctx, l.args("resize-window", "-t", exactTarget(session),
		"-x", fmt.Sprintf("%d", cols), "-y", fmt.Sprintf("%d", rows))...)
	if err != nil {
		return fmt.Errorf("resize %s: %w", session, err)
	}
	return nil
}

func (l *Local) SplitPane(ctx context.Context, session, workDir, command string) (int, error) {
	args := []string{"split-window", "-d", "-t", paneTarget(session, 0), "-P", "-F", "#{pane_index}"}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	out, err := l.run(ctx, l.args(args...)...)
	if err != nil {
		return 0, fmt.Errorf("split %s: %w", session, err)
	}
	index, err := parsePaneIndex(out)
	if err != nil {
		return 0, err
	}
	if command != "" {
		if err := l.typeCommand(ctx, paneTarget(session, index), command); err != nil {
			return 0, err
		}
	}
	return index, nil
}

func (l *Local) KillPane(ctx context.Context, session string, pane int) error {
	_, err := l.run(ctx, l.args("kill-pane", "-t", paneTarget(session, pane))...)
	return err
}

func (l *Local) Kill(ctx context.Context, session string) error {
	_, err := l.run(ctx, l.args("kill-session", "-t", exactTarget(session))...)
	return err
}

func (l *Local) Exec(ctx context.Context, dir string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("exec: empty command")
	}
	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	cmd.Dir = dir
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", fmt.Errorf("%s: %w: %s", argv[0], err, strings.TrimSpace(string(output)))
	}
	return string(output), nil
}
