package config

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"sync"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// Machine describes a remote host reachable over ssh. The zero Machine is
// never stored; "local" is implicit and not listed in the file.
type Machine struct {
	ID      string `yaml:"-" json:"id"`
	Host    string `yaml:"host" json:"host"`
	User    string `yaml:"user" json:"user,omitempty"`
	Port    int    `yaml:"port" json:"port,omitempty"`
	WorkDir string `yaml:"workdir" json:"workdir,omitempty"`
}

// Addr returns the ssh destination, user@host or bare host.
func (m Machine) Addr() string {
	if m.User != "" {
		return m.User + "@" + m.Host
	}
	return m.Host
}

type machinesFile struct {
	Machines map[string]Machine `yaml:"machines"`
}

// Machines is the remote machine registry. Reads are lock-protected so the
// file watcher can swap the set underneath running lookups.
type Machines struct {
	mu   sync.RWMutex
	path string
	byID map[string]Machine
}

// LoadMachines reads the machines file. An empty path yields a registry
// with no remote machines, which is a valid single-host deployment.
func LoadMachines(path string) (*Machines, error) {
	m := &Machines{path: path, byID: map[string]Machine{}}
	if path == "" {
		return m, nil
	}
	if err := m.reload(); err != nil {
		return nil, err
	}
	return m, nil
}

func (m *Machines) reload() error {
	data, err := os.ReadFile(m.path)
	if err != nil {
		return err
	}
	var f machinesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return fmt.Errorf("parse %s: %w", m.path, err)
	}
	byID := make(map[string]Machine, len(f.Machines))
	for id, mc := range f.Machines {
		if mc.Host == "" {
			return fmt.Errorf("machine %q: missing host", id)
		}
		mc.ID = id
		byID[id] = mc
	}
	m.mu.Lock()
	m.byID = byID
	m.mu.Unlock()
	return nil
}

// Lookup returns the machine with the given id.
func (m *Machines) Lookup(id string) (Machine, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	mc, ok := m.byID[id]
	return mc, ok
}

// List returns all registered machines sorted by id.
func (m *Machines) List() []Machine {
	m.mu.RLock()
	out := make([]Machine, 0, len(m.byID))
	for _, mc := range m.byID {
		out = append(out, mc)
	}
	m.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

// Watch re-reads the machines file whenever it changes, until ctx is done.
// The parent directory is watched so editors that replace the file by
// rename still trigger a reload.
func (m *Machines) Watch(ctx context.Context) error {
	if m.path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(m.path)); err != nil {
		watcher.Close()
		return err
	}
	go func() {
		defer watcher.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case ev, ok := <-watcher.Events:
				if !ok {
					return
				}
				if ev.Name != m.path {
					continue
				}
				if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) {
					continue
				}
				if err := m.reload(); err != nil {
					log.Printf("machines: reload failed: %v", err)
					continue
				}
				log.Printf("machines: reloaded %s", m.path)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Printf("machines: watch error: %v", err)
			}
		}
	}()
	return nil
}
