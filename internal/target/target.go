// Package target parses the session identifiers accepted on every wire
// surface: name, name/branch, name@machine, name/branch@machine.
package target

import (
	"errors"
	"fmt"
	"path/filepath"
	"strings"
)

// ErrMalformed reports an identifier that does not fit the grammar.
var ErrMalformed = errors.New("malformed identifier")

// Identifier is a parsed session reference. Machine is empty for local
// sessions; Branch is empty for sessions that run in the repo root.
type Identifier struct {
	Name    string `json:"name"`
	Branch  string `json:"branch,omitempty"`
	Machine string `json:"machine,omitempty"`
}

// Parse splits raw into its identifier parts. Surrounding whitespace is
// ignored. More than one "@" or "/", an empty name, or an empty part after
// a separator yields ErrMalformed. Parse never consults the machine
// registry; unknown machines fail later, at dispatch.
func Parse(raw string) (Identifier, error) {
	s := strings.TrimSpace(raw)
	if s == "" {
		return Identifier{}, fmt.Errorf("%w: empty identifier", ErrMalformed)
	}
	if strings.Count(s, "@") > 1 {
		return Identifier{}, fmt.Errorf("%w: more than one @ in %q", ErrMalformed, raw)
	}
	if strings.Count(s, "/") > 1 {
		return Identifier{}, fmt.Errorf("%w: more than one / in %q", ErrMalformed, raw)
	}

	var id Identifier
	rest := s
	if i := strings.Index(rest, "@"); i >= 0 {
		id.Machine = rest[i+1:]
		rest = rest[:i]
		if id.Machine == "" {
			return Identifier{}, fmt.Errorf("%w: empty machine in %q", ErrMalformed, raw)
		}
		if strings.Contains(id.Machine, "/") {
			return Identifier{}, fmt.Errorf("%w: branch must precede machine in %q", ErrMalformed, raw)
		}
	}
	if i := strings.Index(rest, "/"); i >= 0 {
		id.Branch = rest[i+1:]
		rest = rest[:i]
		if id.Branch == "" {
			return Identifier{}, fmt.Errorf("%w: empty branch in %q", ErrMalformed, raw)
		}
	}
	id.Name = rest
	if id.Name == "" {
		return Identifier{}, fmt.Errorf("%w: empty name in %q", ErrMalformed, raw)
	}
	return id, nil
}

// String renders the identifier back in grammar form. Parse(id.String())
// round-trips.
func (id Identifier) String() string {
	s := id.Name
	if id.Branch != "" {
		s += "/" + id.Branch
	}
	if id.Machine != "" {
		s += "@" + id.Machine
	}
	return s
}

// Local reports whether the identifier targets the daemon's own machine.
func (id Identifier) Local() bool {
	return id.Machine == ""
}

// MachineID returns the machine part, or "local" for local sessions. Used
// as the per-machine directory name in the metadata store.
func (id Identifier) MachineID() string {
	if id.Machine == "" {
		return "local"
	}
	return id.Machine
}

// SessionName returns the multiplexer session name for the identifier.
func (id Identifier) SessionName(prefix string) string {
	name := prefix + sanitize(id.Name)
	if id.Branch != "" {
		name += "-" + sanitize(id.Branch)
	}
	return name
}

// WorktreeDir returns the working directory for a branch-scoped session.
// Purely lexical so every caller derives the same path without touching
// the filesystem.
func (id Identifier) WorktreeDir(root string) string {
	return filepath.Join(root, sanitize(id.Name), sanitize(id.Branch))
}

// sanitize maps characters tmux treats specially in session names to "-".
func sanitize(s string) string {
	return strings.Map(func(r rune) rune {
		switch r {
		case '.', ':', ' ', '\t':
			return '-'
		}
		return r
	}, s)
}
