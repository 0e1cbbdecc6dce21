package backend

import (
	"context"
	"errors"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/agent-command/pilotd/internal/config"
)

// SSH runs tmux on a remote machine through the ssh client. Connection
// reuse comes from ControlMaster, so per-operation process cost stays at
// one short-lived ssh invocation.
type SSH struct {
	cfg     *config.SSHConfig
	tmux    *config.TmuxConfig
	machine config.Machine
	capture singleflight.Group
}

func NewSSH(cfg *config.SSHConfig, tmuxCfg *config.TmuxConfig, machine config.Machine) *SSH {
	return &SSH{cfg: cfg, tmux: tmuxCfg, machine: machine}
}

func (s *SSH) MachineID() string { return s.machine.ID }

func (s *SSH) sshArgs() []string {
	args := []string{
		"-o", "ControlMaster=auto",
		"-o", "ControlPath=" + s.cfg.ControlPath,
		"-o", fmt.Sprintf("ControlPersist=%d", s.cfg.ControlPersistSec),
		"-o", "StrictHostKeyChecking=accept-new",
		"-o", "BatchMode=yes",
		"-o", fmt.Sprintf("ConnectTimeout=%d", s.cfg.ConnectTimeoutSec),
	}
	if s.machine.Port != 0 {
		args = append(args, "-p", strconv.Itoa(s.machine.Port))
	}
	return args
}

// remoteTmux renders a tmux invocation as a single shell-quoted command
// string for the remote side.
func (s *SSH) remoteTmux(args ...string) string {
	parts := make([]string, 0, len(args)+3)
	parts = append(parts, ShellQuote(s.tmux.Bin))
	if s.tmux.Socket != "" {
		parts = append(parts, "-S", ShellQuote(s.tmux.Socket))
	}
	for _, a := range args {
		parts = append(parts, ShellQuote(a))
	}
	return strings.Join(parts, " ")
}

func (s *SSH) run(ctx context.Context, remoteCmd string) (string, error) {
	args := append(s.sshArgs(), s.machine.Addr(), remoteCmd)
	cmd := exec.CommandContext(ctx, s.cfg.Bin, args...)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return "", s.classifyRemote(ctx, err, string(output))
	}
	return string(output), nil
}

func (s *SSH) runStdin(ctx context.Context, stdin, remoteCmd string) error {
	args := append(s.sshArgs(), s.machine.Addr(), remoteCmd)
	cmd := exec.CommandContext(ctx, s.cfg.Bin, args...)
	cmd.Stdin = strings.NewReader(stdin)
	output, err := cmd.CombinedOutput()
	if err != nil {
		return s.classifyRemote(ctx, err, string(output))
	}
	return nil
}

// classifyRemote distinguishes transport failure from remote tmux failure.
// ssh reserves exit 255 for its own errors; everything else is the remote
// command's status and classifies exactly like local output.
func (s *SSH) classifyRemote(ctx context.Context, err error, output string) error {
	if ctx.Err() != nil {
		return fmt.Errorf("%s: %w", s.machine.ID, ctx.Err())
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) && exitErr.ExitCode() == 255 {
		return fmt.Errorf("%w: %s: %s", ErrUnreachable, s.machine.ID, strings.TrimSpace(output))
	}
	return classify(err, output)
}

func (s *SSH) Create(ctx context.Context, session, workDir, command string) error {
	live, err := s.HasSession(ctx, session)
	if err != nil {
		return err
	}
	if live {
		return fmt.Errorf("%w: %s@%s", ErrAlreadyExists, session, s.machine.ID)
	}

	args := []string{"new-session", "-d", "-s", session}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	if _, err := s.run(ctx, s.remoteTmux(args...)); err != nil {
		return fmt.Errorf("create session %s on %s: %w", session, s.machine.ID, err)
	}
	if command != "" {
		if err := s.typeCommand(ctx, paneTarget(session, 0), command); err != nil {
			return fmt.Errorf("start command in %s on %s: %w", session, s.machine.ID, err)
		}
	}
	return nil
}

func (s *SSH) typeCommand(ctx context.Context, target, command string) error {
	typeCmd := s.remoteTmux("send-keys", "-t", target, "-l", "--", command)
	enterCmd := s.remoteTmux("send-keys", "-t", target, "Enter")
	_, err := s.run(ctx, typeCmd+" && "+enterCmd)
	return err
}

func (s *SSH) HasSession(ctx context.Context, session string) (bool, error) {
	_, err := s.run(ctx, s.remoteTmux("has-session", "-t", exactTarget(session)))
	if err == nil {
		return true, nil
	}
	if isNotFound(err) {
		return false, nil
	}
	return false, err
}

func (s *SSH) ListSessions(ctx context.Context) ([]SessionInfo, error) {
	out, err := s.run(ctx, s.remoteTmux("list-sessions", "-F", sessionFormat))
	if err != nil {
		if isNotFound(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("list sessions on %s: %w", s.machine.ID, err)
	}
	return parseSessions(out), nil
}

func (s *SSH) ListPanes(ctx context.Context, session string) ([]Pane, error) {
	out, err := s.run(ctx, s.remoteTmux("list-panes", "-t", exactTarget(session), "-F", paneFormat))
	if err != nil {
		return nil, fmt.Errorf("list panes %s on %s: %w", session, s.machine.ID, err)
	}
	return parsePanes(out), nil
}

func (s *SSH) SendInput(ctx context.Context, session string, pane int, data string) error {
	target := paneTarget(session, pane)
	buffer := fmt.Sprintf("pilotbuf_%d", time.Now().UnixNano())

	load := s.remoteTmux("load-buffer", "-b", buffer, "-")
	if err := s.runStdin(ctx, data, load); err != nil {
		return fmt.Errorf("load buffer for %s on %s: %w", target, s.machine.ID, err)
	}
	paste := s.remoteTmux("paste-buffer", "-t", target, "-b", buffer, "-d")
	if _, err := s.run(ctx, paste); err != nil {
		_, _ = s.run(ctx, s.remoteTmux("delete-buffer", "-b", buffer))
		return fmt.Errorf("paste buffer to %s on %s: %w", target, s.machine.ID, err)
	}
	return nil
}

func (s *SSH) SendKeys(ctx context.Context, session string, pane int, keys ...string) error {
	args := append([]string{"send-keys", "-t", paneTarget(session, pane)}, keys...)
	_, err := s.run(ctx, s.remoteTmux(args...))
	return err
}

func (s *SSH) CaptureSnapshot(ctx context.Context, session string, pane, lines int) (string, error) {
	target := paneTarget(session, pane)
	key := fmt.Sprintf("%s:%d", target, lines)
	out, err, _ := s.capture.Do(key, func() (any, error) {
		return s.run(ctx, s.remoteTmux("capture-pane", "-p", "-e", "-t", target, "-S", fmt.Sprintf("-%d", lines)))
	})
	if err != nil {
		return "", fmt.Errorf("capture %s on %s: %w", target, s.machine.ID, err)
	}
	return out.(string), nil
}

func (s *SSH) AttachStream(ctx context.Context, session string) (*Stream, error) {
	live, err := s.HasSession(ctx, session)
	if err != nil {
		return nil, err
	}
	if !live {
		return nil, fmt.Errorf("%w: %s@%s", ErrNotFound, session, s.machine.ID)
	}
	// -t forces tty allocation so the remote tmux tracks our pty size.
	args := append(s.sshArgs(), "-t", s.machine.Addr(), s.remoteTmux("attach-session", "-t", exactTarget(session)))
	cmd := exec.Command(s.cfg.Bin, args...)
	return startStream(cmd, session)
}

func (s *SSH) Resize(ctx context.Context, session string, cols, rows uint16) error {
	_, err := s.run(ctx, s.remoteTmux("resize-window", "-t", exactTarget(session),
		"-x", strconv.Itoa(int(cols)), "-y", strconv.Itoa(int(rows))))
	if err != nil {
		return fmt.Errorf("resize %s on %s: %w", session, s.machine.ID, err)
	}
	return nil
}

func (s *SSH) SplitPane(ctx context.Context, session, workDir, command string) (int, error) {
	args := []string{"split-window", "-d", "-t", paneTarget(session, 0), "-P", "-F", "#{pane_index}"}
	if workDir != "" {
		args = append(args, "-c", workDir)
	}
	out, err := s.run(ctx, s.remoteTmux(args...))
	if err != nil {
		return 0, fmt.Errorf("split %s on %s: %w", session, s.machine.ID, err)
	}
	index, err := parsePaneIndex(out)
	if err != nil {
		return 0, err
	}
	if command != "" {
		if err := s.typeCommand(ctx, paneTarget(session, index), command); err != nil {
			return 0, err
		}
	}
	return index, nil
}

func (s *SSH) KillPane(ctx context.Context, session string, pane int) error {
	_, err := s.run(ctx, s.remoteTmux("kill-pane", "-t", paneTarget(session, pane)))
	return err
}

func (s *SSH) Kill(ctx context.Context, session string) error {
	_, err := s.run(ctx, s.remoteTmux("kill-session", "-t", exactTarget(session)))
	return err
}

func (s *SSH) Exec(ctx context.Context, dir string, argv ...string) (string, error) {
	if len(argv) == 0 {
		return "", fmt.Errorf("exec: empty command")
	}
	parts := make([]string, 0, len(argv))
	for _, a := range argv {
		parts = append(parts, ShellQuote(a))
	}
	remote := strings.Join(parts, " ")
	if dir != "" {
		remote = "cd " + ShellQuote(dir) + " && " + remote
	}
	out, err := s.run(ctx, remote)
	if err != nil {
		return "", fmt.Errorf("%s on %s: %w", argv[0], s.machine.ID, err)
	}
	return out, nil
}

// ShellQuote wraps a string in single quotes, escaping any single quotes
// inside.
func ShellQuote(v string) string {
	return "'" + strings.ReplaceAll(v, "'", "'\"'\"'") + "'"
}
