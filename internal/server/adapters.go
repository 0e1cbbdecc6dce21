package server

import (
	"context"

	"github.com/agent-command/pilotd/internal/backend"
	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/mux"
	"github.com/agent-command/pilotd/internal/target"
)

// PermissionFanout broadcasts broker events over the viewer transport.
type PermissionFanout struct {
	Mux *mux.Mux
}

func (f PermissionFanout) BroadcastPermission(id target.Identifier, ev broker.Event) {
	f.Mux.Broadcast(id, mux.Message{Type: "permission", Payload: ev})
}

// PaneKeys replays broker key sequences into the agent pane of whatever
// backend hosts the session.
type PaneKeys struct {
	Dial   func(machineID string) (backend.Backend, error)
	Prefix string
}

func (k PaneKeys) SendKeys(ctx context.Context, id target.Identifier, keys ...string) error {
	b, err := k.Dial(id.MachineID())
	if err != nil {
		return err
	}
	return b.SendKeys(ctx, id.SessionName(k.Prefix), 0, keys...)
}

func (k PaneKeys) SendInput(ctx context.Context, id target.Identifier, data string) error {
	b, err := k.Dial(id.MachineID())
	if err != nil {
		return err
	}
	return b.SendInput(ctx, id.SessionName(k.Prefix), 0, data)
}
