package broker

import (
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

type fakeBroadcaster struct {
	mu     sync.Mutex
	events []Event
}

func (f *fakeBroadcaster) BroadcastPermission(id target.Identifier, ev Event) {
	f.mu.Lock()
	f.events = append(f.events, ev)
	f.mu.Unlock()
}

func (f *fakeBroadcaster) kinds() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]string, len(f.events))
	for i, ev := range f.events {
		out[i] = ev.Kind
	}
	return out
}

type fakeKeys struct {
	mu    sync.Mutex
	calls []string
}

func (f *fakeKeys) SendKeys(ctx context.Context, id target.Identifier, keys ...string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "keys:"+strings.Join(keys, "+"))
	f.mu.Unlock()
	return nil
}

func (f *fakeKeys) SendInput(ctx context.Context, id target.Identifier, data string) error {
	f.mu.Lock()
	f.calls = append(f.calls, "input:"+data)
	f.mu.Unlock()
	return nil
}

func (f *fakeKeys) recorded() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.calls...)
}

func testConfig(deadlineMs int) *config.BrokerConfig {
	return &config.BrokerConfig{
		DeadlineMs:      deadlineMs,
		VoiceTool:       "speak",
		AllowKeys:       []string{"y", "Enter"},
		AllowAlwaysKeys: []string{"a", "Enter"},
		DenyKeys:        []string{"n", "Enter"},
	}
}

func confirmSession(name string) registry.Session {
	return registry.Session{
		ID:   target.Identifier{Name: name},
		Kind: registry.KindConfirm,
	}
}

// requestAsync starts a guard request and waits until it is visible as
// pending, so the test can decide it.
func requestAsync(t *testing.T, b *Broker, sess registry.Session, op string) (chan Decision, Request) {
	t.Helper()
	out := make(chan Decision, 1)
	go func() {
		dec, err := b.Request(context.Background(), sess, op, nil)
		if err != nil {
			t.Errorf("Request: %v", err)
		}
		out <- dec
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if pending := b.Pending(sess.ID); len(pending) == 1 {
			return out, pending[0]
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatal("request never became pending")
	return nil, Request{}
}

func TestResolveAllow(t *testing.T) {
	bcast := &fakeBroadcaster{}
	keys := &fakeKeys{}
	b := New(testConfig(60000), bcast, keys)

	var audited []Decision
	b.SetAudit(func(req Request, dec Decision, took time.Duration) {
		audited = append(audited, dec)
	})

	sess := confirmSession("auth")
	out, req := requestAsync(t, b, sess, "run_command")

	if err := b.Resolve(req.ID, Decision{Resolution: ResolutionAllow, DecidedBy: "viewer-1"}); err != nil {
		t.Fatalf("Resolve: %v", err)
	}

	dec := <-out
	if dec.Resolution != ResolutionAllow || dec.DecidedBy != "viewer-1" {
		t.Errorf("decision = %+v", dec)
	}
	if got := bcast.kinds(); len(got) != 2 || got[0] != "requested" || got[1] != "resolved" {
		t.Errorf("broadcast kinds = %v", got)
	}
	if got := keys.recorded(); len(got) != 1 || got[0] != "keys:y+Enter" {
		t.Errorf("replayed = %v", got)
	}
	if len(audited) != 1 || audited[0].Resolution != ResolutionAllow {
		t.Errorf("audit = %+v", audited)
	}
	if got := b.Pending(sess.ID); len(got) != 0 {
		t.Errorf("still pending: %+v", got)
	}
}

func TestFirstWriterWins(t *testing.T) {
	b := New(testConfig(60000), &fakeBroadcaster{}, &fakeKeys{})
	out, req := requestAsync(t, b, confirmSession("auth"), "run_command")

	if err := b.Resolve(req.ID, Decision{Resolution: ResolutionDeny}); err != nil {
		t.Fatalf("first Resolve: %v", err)
	}
	if err := b.Resolve(req.ID, Decision{Resolution: ResolutionAllow}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("second Resolve error = %v", err)
	}

	dec := <-out
	if dec.Resolution != ResolutionDeny || dec.Reason != ReasonDeniedByUser {
		t.Errorf("decision = %+v", dec)
	}
}

func TestResolveUnknownRequest(t *testing.T) {
	b := New(testConfig(60000), &fakeBroadcaster{}, &fakeKeys{})
	if err := b.Resolve("no-such-id", Decision{Resolution: ResolutionAllow}); !errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("error = %v", err)
	}
}

func TestResolveInvalidResolution(t *testing.T) {
	b := New(testConfig(60000), &fakeBroadcaster{}, &fakeKeys{})
	if err := b.Resolve("whatever", Decision{Resolution: "maybe"}); err == nil || errors.Is(err, ErrAlreadyResolved) {
		t.Errorf("error = %v", err)
	}
}

func TestDeadlineDeniesWithTimedOut(t *testing.T) {
	keys := &fakeKeys{}
	b := New(testConfig(50), &fakeBroadcaster{}, keys)

	dec, err := b.Request(context.Background(), confirmSession("auth"), "run_command", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Resolution != ResolutionDeny || dec.Reason != ReasonTimedOut {
		t.Errorf("decision = %+v", dec)
	}
	if got := keys.recorded(); len(got) != 1 || got[0] != "keys:n+Enter" {
		t.Errorf("replayed = %v", got)
	}
}

func TestCustomReplaySequence(t *testing.T) {
	keys := &fakeKeys{}
	b := New(testConfig(60000), &fakeBroadcaster{}, keys)
	out, req := requestAsync(t, b, confirmSession("auth"), "run_command")

	dec := Decision{Resolution: ResolutionCustom, Message: "use the staging cluster"}
	if err := b.Resolve(req.ID, dec); err != nil {
		t.Fatalf("Resolve: %v", err)
	}
	<-out

	want := []string{"keys:n+Enter", "input:use the staging cluster", "keys:Enter"}
	got := keys.recorded()
	if len(got) != len(want) {
		t.Fatalf("replayed = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("replay[%d] = %q, want %q", i, got[i], want[i])
		}
	}
}

func TestVoiceOnlyAutoAllow(t *testing.T) {
	bcast := &fakeBroadcaster{}
	keys := &fakeKeys{}
	b := New(testConfig(60000), bcast, keys)

	sess := registry.Session{ID: target.Identifier{Name: "kiosk"}, Kind: registry.KindVoiceOnly}
	dec, err := b.Request(context.Background(), sess, "speak", json.RawMessage(`{"text":"done"}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Resolution != ResolutionAllow {
		t.Errorf("decision = %+v", dec)
	}
	if got := bcast.kinds(); len(got) != 0 {
		t.Errorf("restricted verdicts must not broadcast, got %v", got)
	}
	if got := keys.recorded(); len(got) != 1 || got[0] != "keys:y+Enter" {
		t.Errorf("replayed = %v", got)
	}
}

func TestVoiceOnlyDeniesOtherOperations(t *testing.T) {
	bcast := &fakeBroadcaster{}
	b := New(testConfig(60000), bcast, &fakeKeys{})

	sess := registry.Session{ID: target.Identifier{Name: "kiosk"}, Kind: registry.KindVoiceOnly}
	dec, err := b.Request(context.Background(), sess, "run_command", json.RawMessage(`{"command":"rm -rf /"}`))
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Resolution != ResolutionDeny || dec.Reason != ReasonRestricted {
		t.Errorf("decision = %+v", dec)
	}
	if len(bcast.kinds()) != 0 {
		t.Error("restricted verdicts must not broadcast")
	}
}

func TestClassifierVetoesVoiceTool(t *testing.T) {
	b := New(testConfig(60000), &fakeBroadcaster{}, &fakeKeys{})
	b.SetClassifier(func(op string, payload json.RawMessage) string {
		return VerdictDeny
	})

	sess := registry.Session{ID: target.Identifier{Name: "kiosk"}, Kind: registry.KindVoiceOnly}
	dec, err := b.Request(context.Background(), sess, "speak", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Resolution != ResolutionDeny || dec.Reason != ReasonRestricted {
		t.Errorf("decision = %+v", dec)
	}
}

func TestUnrestrictedAutoAllows(t *testing.T) {
	bcast := &fakeBroadcaster{}
	b := New(testConfig(60000), bcast, &fakeKeys{})

	sess := registry.Session{ID: target.Identifier{Name: "solo"}, Kind: registry.KindUnrestricted}
	dec, err := b.Request(context.Background(), sess, "run_command", nil)
	if err != nil {
		t.Fatalf("Request: %v", err)
	}
	if dec.Resolution != ResolutionAllow {
		t.Errorf("decision = %+v", dec)
	}
	if len(bcast.kinds()) != 0 {
		t.Error("auto allow must not broadcast")
	}
}

func TestGuardDisconnectKeepsNothingPending(t *testing.T) {
	b := New(testConfig(60000), &fakeBroadcaster{}, &fakeKeys{})
	sess := confirmSession("auth")

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() {
		_, err := b.Request(ctx, sess, "run_command", nil)
		done <- err
	}()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(b.Pending(sess.ID)) == 0 {
		time.Sleep(5 * time.Millisecond)
	}
	cancel()

	if err := <-done; !errors.Is(err, context.Canceled) {
		t.Errorf("Request error = %v", err)
	}
	deadline = time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && len(b.Pending(sess.ID)) != 0 {
		time.Sleep(5 * time.Millisecond)
	}
	if got := b.Pending(sess.ID); len(got) != 0 {
		t.Errorf("still pending after disconnect: %+v", got)
	}
}

func TestAnnounceLine(t *testing.T) {
	id := target.Identifier{Name: "auth", Branch: "fix"}
	got := announceLine(id, "run_command", json.RawMessage(`{"command":"git push"}`))
	if got != "auth/fix wants to run `git push`" {
		t.Errorf("announce = %q", got)
	}
	got = announceLine(id, "write_file", nil)
	if got != "auth/fix requests permission for write_file" {
		t.Errorf("announce = %q", got)
	}
}
