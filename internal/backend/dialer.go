package backend

import (
	"fmt"
	"sync"

	"github.com/agent-command/pilotd/internal/config"
)

// Dialer maps machine ids to backends. The local backend is a singleton;
// ssh backends are cached per machine and rebuilt when the machine entry
// changes under a registry reload.
type Dialer struct {
	tmux     *config.TmuxConfig
	ssh      *config.SSHConfig
	machines *config.Machines

	local *Local
	mu    sync.Mutex
	cache map[string]*SSH
}

func NewDialer(tmuxCfg *config.TmuxConfig, sshCfg *config.SSHConfig, machines *config.Machines) *Dialer {
	return &Dialer{
		tmux:     tmuxCfg,
		ssh:      sshCfg,
		machines: machines,
		local:    NewLocal(tmuxCfg),
		cache:    map[string]*SSH{},
	}
}

// For returns the backend for a machine id. Ids absent from the registry
// fail here, before any process is spawned.
func (d *Dialer) For(machineID string) (Backend, error) {
	if machineID == "" || machineID == "local" {
		return d.local, nil
	}
	mc, ok := d.machines.Lookup(machineID)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownMachine, machineID)
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if b, ok := d.cache[machineID]; ok && b.machine == mc {
		return b, nil
	}
	b := NewSSH(d.ssh, d.tmux, mc)
	d.cache[machineID] = b
	return b, nil
}

// MachineIDs returns "local" plus every registered machine id.
func (d *Dialer) MachineIDs() []string {
	ids := []string{"local"}
	for _, mc := range d.machines.List() {
		ids = append(ids, mc.ID)
	}
	return ids
}
