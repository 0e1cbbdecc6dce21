// Package registry owns which sessions exist. Every create and remove
// decision passes through the one Registry instance; other components keep
// identifiers, not copies of the truth, and re-check here before acting on
// a backend.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"

	"github.com/agent-command/pilotd/internal/metrics"
	"github.com/agent-command/pilotd/internal/target"
)

var (
	ErrNotFound      = errors.New("session not registered")
	ErrAlreadyExists = errors.New("session already registered")
)

// Kind selects the permission posture a session was created with.
type Kind string

const (
	KindNone         Kind = "none"
	KindUnrestricted Kind = "unrestricted"
	KindConfirm      Kind = "confirm-every-action"
	KindVoiceOnly    Kind = "voice-only"
)

func ParseKind(s string) (Kind, error) {
	switch Kind(s) {
	case KindNone, KindUnrestricted, KindConfirm, KindVoiceOnly:
		return Kind(s), nil
	case "":
		return KindConfirm, nil
	}
	return "", fmt.Errorf("unknown session kind %q", s)
}

// Session is one registered agent session.
type Session struct {
	ID         target.Identifier `json:"id"`
	Kind       Kind              `json:"kind"`
	WorkDir    string            `json:"working_dir"`
	Repo       string            `json:"repo,omitempty"`
	BaseBranch string            `json:"base_branch,omitempty"`
	CreatedAt  time.Time         `json:"created_at"`
	LastActive time.Time         `json:"last_active,omitempty"`
}

// metadata is the on-disk shape, one file per session under
// {stateDir}/sessions/{machine_id}/{session_name}.json. It holds only what
// a restarted daemon cannot rediscover from the multiplexer.
type metadata struct {
	Name       string    `json:"name"`
	Branch     string    `json:"branch,omitempty"`
	Machine    string    `json:"machine,omitempty"`
	Kind       Kind      `json:"kind"`
	WorkingDir string    `json:"working_dir"`
	Repo       string    `json:"repo,omitempty"`
	BaseBranch string    `json:"base_branch,omitempty"`
	CreatedAt  time.Time `json:"created_at"`
}

// Registry is the single writer for session existence.
type Registry struct {
	mu       sync.RWMutex
	stateDir string
	prefix   string
	sessions map[string]Session
}

func New(stateDir, prefix string) *Registry {
	return &Registry{
		stateDir: stateDir,
		prefix:   prefix,
		sessions: make(map[string]Session),
	}
}

func (r *Registry) metadataPath(id target.Identifier) string {
	return filepath.Join(r.stateDir, "sessions", id.MachineID(), id.SessionName(r.prefix)+".json")
}

// Create registers a session and persists its metadata.
func (r *Registry) Create(sess Session) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := sess.ID.String()
	if _, ok := r.sessions[key]; ok {
		return fmt.Errorf("%w: %s", ErrAlreadyExists, key)
	}
	if err := r.writeMetadata(sess); err != nil {
		return err
	}
	r.sessions[key] = sess
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	return nil
}

func (r *Registry) writeMetadata(sess Session) error {
	path := r.metadataPath(sess.ID)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create metadata dir: %w", err)
	}
	meta := metadata{
		Name:       sess.ID.Name,
		Branch:     sess.ID.Branch,
		Machine:    sess.ID.Machine,
		Kind:       sess.Kind,
		WorkingDir: sess.WorkDir,
		Repo:       sess.Repo,
		BaseBranch: sess.BaseBranch,
		CreatedAt:  sess.CreatedAt,
	}
	data, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write metadata: %w", err)
	}
	return nil
}

// Get returns the registered session for an identifier.
func (r *Registry) Get(id target.Identifier) (Session, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	sess, ok := r.sessions[id.String()]
	return sess, ok
}

// List returns all registered sessions ordered by identifier.
func (r *Registry) List() []Session {
	r.mu.RLock()
	out := make([]Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		out = append(out, sess)
	}
	r.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool {
		return out[i].ID.String() < out[j].ID.String()
	})
	return out
}

// Remove unregisters a session and deletes its metadata file.
func (r *Registry) Remove(id target.Identifier) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := id.String()
	if _, ok := r.sessions[key]; !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	delete(r.sessions, key)
	metrics.SessionsActive.Set(float64(len(r.sessions)))
	if err := os.Remove(r.metadataPath(id)); err != nil && !os.IsNotExist(err) {
		log.Printf("registry: remove metadata for %s: %v", key, err)
	}
	return nil
}

// Touch records output activity for a session.
func (r *Registry) Touch(id target.Identifier, at time.Time) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if sess, ok := r.sessions[id.String()]; ok {
		sess.LastActive = at
		r.sessions[id.String()] = sess
	}
}

// AliveFunc reports whether a multiplexer session is live on a machine.
type AliveFunc func(ctx context.Context, machineID, sessionName string) (bool, error)

// Recover rebuilds the in-memory set from metadata files after a daemon
// restart. Entries whose session is dead are pruned along with their
// files; entries on machines that cannot be reached right now are kept,
// since absence was not proven. Returns the number of restored sessions.
func (r *Registry) Recover(ctx context.Context, alive AliveFunc) (int, error) {
	root := filepath.Join(r.stateDir, "sessions")
	machines, err := os.ReadDir(root)
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}

	restored := 0
	for _, machineDir := range machines {
		if !machineDir.IsDir() {
			continue
		}
		entries, err := os.ReadDir(filepath.Join(root, machineDir.Name()))
		if err != nil {
			log.Printf("registry: read %s: %v", machineDir.Name(), err)
			continue
		}
		for _, entry := range entries {
			if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
				continue
			}
			path := filepath.Join(root, machineDir.Name(), entry.Name())
			sess, ok := r.loadMetadata(path)
			if !ok {
				continue
			}
			live, err := alive(ctx, sess.ID.MachineID(), sess.ID.SessionName(r.prefix))
			if err != nil {
				log.Printf("registry: cannot verify %s: %v (keeping)", sess.ID, err)
				live = true
			} else if !live {
				log.Printf("registry: pruning dead session %s", sess.ID)
				if err := os.Remove(path); err != nil {
					log.Printf("registry: prune %s: %v", path, err)
				}
				continue
			}
			r.mu.Lock()
			r.sessions[sess.ID.String()] = sess
			metrics.SessionsActive.Set(float64(len(r.sessions)))
			r.mu.Unlock()
			restored++
		}
	}
	return restored, nil
}

func (r *Registry) loadMetadata(path string) (Session, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		log.Printf("registry: read %s: %v", path, err)
		return Session{}, false
	}
	var meta metadata
	if err := json.Unmarshal(data, &meta); err != nil {
		log.Printf("registry: parse %s: %v", path, err)
		return Session{}, false
	}
	return Session{
		ID:         target.Identifier{Name: meta.Name, Branch: meta.Branch, Machine: meta.Machine},
		Kind:       meta.Kind,
		WorkDir:    meta.WorkingDir,
		Repo:       meta.Repo,
		BaseBranch: meta.BaseBranch,
		CreatedAt:  meta.CreatedAt,
	}, true
}
