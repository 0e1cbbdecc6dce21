// Package lifecycle creates, kills, recreates, and forks sessions. It is
// the only layer allowed to retry a backend call, and the only one that
// touches worktrees, so a failed operation can always be unwound to
// "identifier absent" rather than a half-bound state.
package lifecycle

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path/filepath"
	"strings"
	"time"

	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

// ErrAgentPane reports an operation against pane 0, which belongs to the
// agent process and only goes down with the whole session.
var ErrAgentPane = errors.New("pane 0 is the agent pane")

// BackendFor resolves the backend hosting a machine.
type BackendFor func(machineID string) (backend.Backend, error)

// Detacher closes every live viewer attachment of a session.
type Detacher interface {
	CloseSession(id target.Identifier)
}

// Manager owns session lifecycle transitions.
type Manager struct {
	sessions *config.SessionsConfig
	agent    *config.AgentConfig
	server   *config.ServerConfig
	reg      *registry.Registry
	machines *config.Machines
	dial     BackendFor
	detach   Detacher
}

func New(cfg *config.Config, reg *registry.Registry, machines *config.Machines, dial BackendFor) *Manager {
	return &Manager{
		sessions: &cfg.Sessions,
		agent:    &cfg.Agent,
		server:   &cfg.Server,
		reg:      reg,
		machines: machines,
		dial:     dial,
	}
}

// SetDetacher wires viewer teardown for killed sessions.
func (m *Manager) SetDetacher(d Detacher) { m.detach = d }

// CreateSpec carries everything a new session needs beyond its identifier.
type CreateSpec struct {
	Target     target.Identifier
	Kind       registry.Kind
	WorkDir    string // plain sessions only; worktree-scoped targets derive their own
	Repo       string // repository backing a worktree-scoped target
	BaseBranch string // starting point for a new worktree branch
	Command    string // overrides the configured agent command
}

// Create brings up a session: worktree first when the target is
// branch-scoped, then the multiplexer session, then the registry entry.
// Any failure unwinds what was already made and leaves the identifier
// absent.
func (m *Manager) Create(ctx context.Context, spec CreateSpec) (registry.Session, error) {
	if _, ok := m.reg.Get(spec.Target); ok {
		return registry.Session{}, fmt.Errorf("%w: %s", registry.ErrAlreadyExists, spec.Target)
	}
	b, err := m.dial(spec.Target.MachineID())
	if err != nil {
		return registry.Session{}, err
	}

	sess := registry.Session{
		ID:         spec.Target,
		Kind:       spec.Kind,
		WorkDir:    spec.WorkDir,
		Repo:       spec.Repo,
		BaseBranch: spec.BaseBranch,
		CreatedAt:  time.Now().UTC(),
	}
	if sess.Kind == "" {
		sess.Kind = registry.KindConfirm
	}
	if sess.BaseBranch == "" {
		sess.BaseBranch = "main"
	}

	madeWorktree := false
	if spec.Target.Branch != "" {
		if spec.Repo == "" {
			return registry.Session{}, fmt.Errorf("create %s: worktree-scoped session needs a repository", spec.Target)
		}
		sess.WorkDir = spec.Target.WorktreeDir(m.sessions.WorktreesRoot)
		if err := retryOnce(func() error {
			return ensureWorktree(ctx, b, sess.Repo, sess.WorkDir, spec.Target.Branch, sess.BaseBranch)
		}); err != nil {
			return registry.Session{}, fmt.Errorf("create %s: %w", spec.Target, err)
		}
		madeWorktree = true
	} else if sess.WorkDir == "" {
		sess.WorkDir = m.defaultWorkDir(spec.Target.MachineID())
	}

	command := spec.Command
	if command == "" {
		command = m.agentCommand(sess.Kind, false)
	}
	name := spec.Target.SessionName(m.sessions.Prefix)
	if err := retryOnce(func() error {
		return b.Create(ctx, name, sess.WorkDir, m.wrapCommand(sess, command))
	}); err != nil {
		m.unwind(ctx, b, sess, madeWorktree)
		return registry.Session{}, fmt.Errorf("create %s: %w", spec.Target, err)
	}
	if err := m.reg.Create(sess); err != nil {
		m.unwind(ctx, b, sess, madeWorktree)
		return registry.Session{}, err
	}
	return sess, nil
}

// unwind rolls a failed create back to absent. Its own errors are logged,
// not returned; the caller reports the original failure.
func (m *Manager) unwind(ctx context.Context, b backend.Backend, sess registry.Session, worktree bool) {
	name := sess.ID.SessionName(m.sessions.Prefix)
	if err := b.Kill(ctx, name); err != nil && !errors.Is(err, backend.ErrNotFound) {
		log.Printf("lifecycle: unwind kill %s: %v", sess.ID, err)
	}
	if worktree {
		if err := removeWorktree(ctx, b, sess.Repo, sess.WorkDir); err != nil {
			log.Printf("lifecycle: unwind %s: %v", sess.ID, err)
		}
	}
}

// Kill shuts a session down: interrupt the agent, wait out the grace
// period, force-kill the multiplexer session, then drop the worktree and
// the registry entry. A second kill of the same identifier reports
// registry.ErrNotFound, which callers treat as benign.
func (m *Manager) Kill(ctx context.Context, id target.Identifier) error {
	sess, ok := m.reg.Get(id)
	if !ok {
		return fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	b, err := m.dial(id.MachineID())
	if err != nil {
		return err
	}
	name := id.SessionName(m.sessions.Prefix)

	if err := b.SendKeys(ctx, name, 0, "C-c"); err != nil && !errors.Is(err, backend.ErrNotFound) {
		log.Printf("lifecycle: interrupt %s: %v", id, err)
	}
	grace := time.Duration(m.sessions.KillGraceMs) * time.Millisecond
	deadline := time.Now().Add(grace)
	for time.Now().Before(deadline) && !agentSettled(ctx, b, name) {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(150 * time.Millisecond):
		}
	}

	if err := retryOnce(func() error { return b.Kill(ctx, name) }); err != nil && !errors.Is(err, backend.ErrNotFound) {
		return fmt.Errorf("kill %s: %w", id, err)
	}
	if id.Branch != "" && sess.Repo != "" {
		if err := removeWorktree(ctx, b, sess.Repo, sess.WorkDir); err != nil {
			log.Printf("lifecycle: %v", err)
		}
	}
	if err := m.reg.Remove(id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		log.Printf("lifecycle: unregister %s: %v", id, err)
	}
	if m.detach != nil {
		m.detach.CloseSession(id)
	}
	return nil
}

// agentSettled reports whether every pane is back at a bare shell, meaning
// the interrupt landed and a force kill will not cut work short. Errors
// settle the wait; the force kill deals with whatever is left.
func agentSettled(ctx context.Context, b backend.Backend, name string) bool {
	panes, err := b.ListPanes(ctx, name)
	if err != nil {
		return true
	}
	for _, p := range panes {
		if !isShellCommand(p.CurrentCommand) {
			return false
		}
	}
	return true
}

func isShellCommand(command string) bool {
	base := strings.ToLower(filepath.Base(strings.TrimSpace(command)))
	switch base {
	case "bash", "zsh", "fish", "sh", "dash", "ksh", "csh", "tcsh":
		return true
	default:
		return false
	}
}

// Recreate is kill followed by create at the same identifier. A missing
// session only skips the kill step, so recreate on a dead identifier
// behaves like a fresh create. Fields left zero in spec are carried over
// from the prior registration when one exists.
func (m *Manager) Recreate(ctx context.Context, id target.Identifier, spec CreateSpec) (registry.Session, error) {
	spec.Target = id
	if prior, ok := m.reg.Get(id); ok {
		if spec.Kind == "" {
			spec.Kind = prior.Kind
		}
		if spec.Repo == "" {
			spec.Repo = prior.Repo
		}
		if spec.BaseBranch == "" {
			spec.BaseBranch = prior.BaseBranch
		}
		if spec.WorkDir == "" && id.Branch == "" {
			spec.WorkDir = prior.WorkDir
		}
	}
	if err := m.Kill(ctx, id); err != nil && !errors.Is(err, registry.ErrNotFound) {
		return registry.Session{}, fmt.Errorf("recreate %s: %w", id, err)
	}
	return m.Create(ctx, spec)
}

const maxForkSlots = 32

// Fork starts a sibling session at the first free name-fork-N identifier,
// resuming the source's conversation. Branch-scoped sources fork onto a
// derived branch cut from the source branch; plain sources share the
// source working directory. The source session is never touched.
func (m *Manager) Fork(ctx context.Context, source target.Identifier) (registry.Session, error) {
	src, ok := m.reg.Get(source)
	if !ok {
		return registry.Session{}, fmt.Errorf("%w: %s", registry.ErrNotFound, source)
	}
	for n := 1; n <= maxForkSlots; n++ {
		cand := target.Identifier{
			Name:    fmt.Sprintf("%s-fork-%d", source.Name, n),
			Machine: source.Machine,
		}
		if source.Branch != "" {
			cand.Branch = fmt.Sprintf("%s-fork-%d", source.Branch, n)
		}
		if _, ok := m.reg.Get(cand); ok {
			continue
		}
		sess, err := m.Create(ctx, CreateSpec{
			Target:     cand,
			Kind:       src.Kind,
			Repo:       src.Repo,
			BaseBranch: source.Branch,
			WorkDir:    src.WorkDir,
			Command:    m.agentCommand(src.Kind, true),
		})
		if errors.Is(err, backend.ErrAlreadyExists) {
			// Registry was free but a multiplexer session holds the
			// name. Try the next slot.
			continue
		}
		return sess, err
	}
	return registry.Session{}, fmt.Errorf("fork %s: no free fork slot", source)
}

// ListPanes reads live pane state for a registered session.
func (m *Manager) ListPanes(ctx context.Context, id target.Identifier) ([]backend.Pane, error) {
	b, _, name, err := m.boundBackend(id)
	if err != nil {
		return nil, err
	}
	return b.ListPanes(ctx, name)
}

// SplitPane spawns a worker pane in the session's working directory and
// returns its index.
func (m *Manager) SplitPane(ctx context.Context, id target.Identifier, command string) (int, error) {
	b, sess, name, err := m.boundBackend(id)
	if err != nil {
		return 0, err
	}
	return b.SplitPane(ctx, name, sess.WorkDir, command)
}

// KillPane removes a worker pane. Pane 0 belongs to the agent and can only
// go down with the whole session.
func (m *Manager) KillPane(ctx context.Context, id target.Identifier, pane int) error {
	if pane == 0 {
		return fmt.Errorf("kill pane %s:0: %w", id, ErrAgentPane)
	}
	b, _, name, err := m.boundBackend(id)
	if err != nil {
		return err
	}
	return b.KillPane(ctx, name, pane)
}

// SendInput writes raw text into a pane of a registered session.
func (m *Manager) SendInput(ctx context.Context, id target.Identifier, pane int, data string) error {
	b, _, name, err := m.boundBackend(id)
	if err != nil {
		return err
	}
	return b.SendInput(ctx, name, pane, data)
}

// boundBackend re-checks registration and resolves the backend. Every
// pane-level operation funnels through here so a session killed mid-flight
// surfaces as not-found rather than acting on a stale binding.
func (m *Manager) boundBackend(id target.Identifier) (backend.Backend, registry.Session, string, error) {
	sess, ok := m.reg.Get(id)
	if !ok {
		return nil, registry.Session{}, "", fmt.Errorf("%w: %s", registry.ErrNotFound, id)
	}
	b, err := m.dial(id.MachineID())
	if err != nil {
		return nil, registry.Session{}, "", err
	}
	return b, sess, id.SessionName(m.sessions.Prefix), nil
}

// agentCommand builds the command typed into pane 0 for a kind. Kind none
// sessions run a bare shell, so there is nothing to type.
func (m *Manager) agentCommand(kind registry.Kind, resume bool) string {
	if kind == registry.KindNone {
		return ""
	}
	parts := []string{m.agent.Command}
	parts = append(parts, m.agent.KindArgs[string(kind)]...)
	if resume {
		parts = append(parts, m.agent.ResumeArgs...)
	}
	return strings.Join(parts, " ")
}

// wrapCommand prefixes the typed command with the environment the
// permission guard reads to find its way back to the broker.
func (m *Manager) wrapCommand(sess registry.Session, command string) string {
	if command == "" {
		return ""
	}
	exports := fmt.Sprintf("export PILOT_SESSION=%s PILOT_PERMISSION_URL=%s",
		backend.ShellQuote(sess.ID.String()),
		backend.ShellQuote(m.server.AdvertiseURL+"/v1/permissions"))
	if sess.WorkDir != "" {
		return exports + " && cd " + backend.ShellQuote(sess.WorkDir) + " && " + command
	}
	return exports + " && " + command
}

func (m *Manager) defaultWorkDir(machineID string) string {
	if m.machines == nil || machineID == "local" {
		return ""
	}
	if mc, ok := m.machines.Lookup(machineID); ok {
		return mc.WorkDir
	}
	return ""
}

// retryOnce repeats a call one time when the machine was unreachable.
// Backends never retry internally.
func retryOnce(fn func() error) error {
	err := fn()
	if err == nil || !errors.Is(err, backend.ErrUnreachable) {
		return err
	}
	return fn()
}
