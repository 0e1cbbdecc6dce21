// Package broker mediates permission requests between a session's guard
// process, which blocks until it has a verdict, and whoever may decide:
// attached viewers, the restricted-mode policy, or the deadline.
package broker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/agent-command/pilotd/internal/config"
	"github.com/agent-command/pilotd/internal/metrics"
	"github.com/agent-command/pilotd/internal/registry"
	"github.com/agent-command/pilotd/internal/target"
)

// ErrAlreadyResolved reports a decision for a request that already has
// one, or that is no longer pending.
var ErrAlreadyResolved = errors.New("permission request already resolved")

// Resolution is the verdict on a permission request.
type Resolution string

const (
	ResolutionAllow       Resolution = "allow"
	ResolutionAllowAlways Resolution = "allow_always"
	ResolutionDeny        Resolution = "deny"
	ResolutionCustom      Resolution = "custom"
)

// Deny reasons, so the record distinguishes refusal from inaction.
const (
	ReasonDeniedByUser = "denied_by_user"
	ReasonTimedOut     = "timed_out"
	ReasonRestricted   = "restricted_mode"
)

// Classifier verdicts. The rule set itself lives outside the daemon.
const (
	VerdictAllow = "allow"
	VerdictDeny  = "deny"
	VerdictAsk   = "ask"
)

// Request is one permission request from a session's guard.
type Request struct {
	ID        string            `json:"id"`
	Session   target.Identifier `json:"session"`
	Operation string            `json:"operation"`
	Payload   json.RawMessage   `json:"payload,omitempty"`
	Announce  string            `json:"announce"`
	CreatedAt time.Time         `json:"created_at"`
	Deadline  time.Time         `json:"deadline"`
}

// Decision resolves a request.
type Decision struct {
	Resolution Resolution `json:"resolution"`
	Reason     string     `json:"reason,omitempty"`
	Message    string     `json:"message,omitempty"`
	DecidedBy  string     `json:"decided_by,omitempty"`
}

// Event is what viewers receive about permission traffic.
type Event struct {
	Kind     string    `json:"kind"` // "requested" or "resolved"
	Request  Request   `json:"request"`
	Decision *Decision `json:"decision,omitempty"`
}

// Broadcaster fans a permission event to every viewer of a session.
type Broadcaster interface {
	BroadcastPermission(id target.Identifier, ev Event)
}

// Announcer voices a human-readable line about a request. Voice-layer
// collaborator; nil when none is wired.
type Announcer interface {
	Announce(id target.Identifier, line string)
}

// Classifier evaluates an operation against the destructive-command rule
// set and returns one of the Verdict constants.
type Classifier func(operation string, payload json.RawMessage) string

// KeySender replays synthetic input into a session's agent pane.
type KeySender interface {
	SendKeys(ctx context.Context, id target.Identifier, keys ...string) error
	SendInput(ctx context.Context, id target.Identifier, data string) error
}

// AuditFunc records a resolved request. Wired to the audit log; nil drops
// records.
type AuditFunc func(req Request, dec Decision, took time.Duration)

type pending struct {
	req        Request
	decisionCh chan Decision
	resolved   bool
}

// Broker tracks pending permission requests for all sessions.
type Broker struct {
	cfg       *config.BrokerConfig
	bcast     Broadcaster
	announcer Announcer
	classify  Classifier
	keys      KeySender
	audit     AuditFunc

	mu      sync.Mutex
	pending map[string]*pending
}

func New(cfg *config.BrokerConfig, bcast Broadcaster, keys KeySender) *Broker {
	return &Broker{
		cfg:     cfg,
		bcast:   bcast,
		keys:    keys,
		pending: make(map[string]*pending),
	}
}

func (b *Broker) SetAnnouncer(a Announcer)   { b.announcer = a }
func (b *Broker) SetClassifier(c Classifier) { b.classify = c }
func (b *Broker) SetAudit(fn AuditFunc)      { b.audit = fn }

func (b *Broker) deadline() time.Duration {
	return time.Duration(b.cfg.DeadlineMs) * time.Millisecond
}

// Request blocks the calling guard until a decision arrives or the
// deadline passes. Restricted sessions are decided synchronously without
// broadcasting. The returned Decision is final; replay of the matching
// keystrokes into the pane has already happened when this returns.
func (b *Broker) Request(ctx context.Context, sess registry.Session, operation string, payload json.RawMessage) (Decision, error) {
	now := time.Now()
	req := Request{
		ID:        uuid.New().String(),
		Session:   sess.ID,
		Operation: operation,
		Payload:   payload,
		Announce:  announceLine(sess.ID, operation, payload),
		CreatedAt: now,
		Deadline:  now.Add(b.deadline()),
	}

	switch sess.Kind {
	case registry.KindUnrestricted:
		// The agent was started with permissions off; a stray guard call
		// gets an allow so nothing wedges.
		dec := Decision{Resolution: ResolutionAllow, DecidedBy: "policy"}
		b.settleQuiet(ctx, req, dec)
		return dec, nil
	case registry.KindVoiceOnly:
		dec := b.restrictedVerdict(operation, payload)
		b.settleQuiet(ctx, req, dec)
		return dec, nil
	}

	p := &pending{req: req, decisionCh: make(chan Decision, 1)}
	b.mu.Lock()
	b.pending[req.ID] = p
	b.mu.Unlock()

	b.bcast.BroadcastPermission(sess.ID, Event{Kind: "requested", Request: req})
	if b.announcer != nil {
		b.announcer.Announce(sess.ID, req.Announce)
	}

	var dec Decision
	select {
	case dec = <-p.decisionCh:
	case <-time.After(b.deadline()):
		dec = b.expire(p)
	case <-ctx.Done():
		b.abandon(p)
		return Decision{}, ctx.Err()
	}

	b.mu.Lock()
	delete(b.pending, req.ID)
	b.mu.Unlock()

	b.finish(ctx, req, dec)
	return dec, nil
}

// expire synthesizes the deadline deny, unless a human decision won the
// race, in which case that decision is honored.
func (b *Broker) expire(p *pending) Decision {
	b.mu.Lock()
	if p.resolved {
		b.mu.Unlock()
		return <-p.decisionCh
	}
	p.resolved = true
	b.mu.Unlock()
	return Decision{Resolution: ResolutionDeny, Reason: ReasonTimedOut, DecidedBy: "deadline"}
}

// abandon cleans up after a guard that disconnected before any verdict.
// Viewers learn the request is gone; nothing is typed into the pane.
func (b *Broker) abandon(p *pending) {
	b.mu.Lock()
	already := p.resolved
	p.resolved = true
	delete(b.pending, p.req.ID)
	b.mu.Unlock()
	if already {
		// A decision raced the disconnect. Honor it for viewers and the
		// pane even though nobody is waiting on the guard response.
		b.finish(context.Background(), p.req, <-p.decisionCh)
		return
	}
	dec := Decision{Resolution: ResolutionDeny, Reason: ReasonTimedOut, DecidedBy: "guard"}
	b.bcast.BroadcastPermission(p.req.Session, Event{Kind: "resolved", Request: p.req, Decision: &dec})
	b.record(p.req, dec)
}

// finish performs the post-verdict work for a request viewers knew about:
// broadcast, keystroke replay, audit.
func (b *Broker) finish(ctx context.Context, req Request, dec Decision) {
	b.bcast.BroadcastPermission(req.Session, Event{Kind: "resolved", Request: req, Decision: &dec})
	b.replay(ctx, req.Session, dec)
	b.record(req, dec)
}

// settleQuiet finishes an auto-decided request: keystrokes and audit only.
// Nothing is broadcast because nobody was asked.
func (b *Broker) settleQuiet(ctx context.Context, req Request, dec Decision) {
	b.replay(ctx, req.Session, dec)
	b.record(req, dec)
}

func (b *Broker) record(req Request, dec Decision) {
	metrics.PermissionResolutions.WithLabelValues(string(dec.Resolution), dec.Reason).Inc()
	if b.audit != nil {
		b.audit(req, dec, time.Since(req.CreatedAt))
	}
}

// Resolve delivers a decision for a pending request. The first writer
// wins; any later decision, or one for an unknown request id, returns
// ErrAlreadyResolved.
func (b *Broker) Resolve(requestID string, dec Decision) error {
	switch dec.Resolution {
	case ResolutionAllow, ResolutionAllowAlways, ResolutionCustom:
	case ResolutionDeny:
		if dec.Reason == "" {
			dec.Reason = ReasonDeniedByUser
		}
	default:
		return fmt.Errorf("invalid resolution %q", dec.Resolution)
	}

	b.mu.Lock()
	p, ok := b.pending[requestID]
	if !ok || p.resolved {
		b.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrAlreadyResolved, requestID)
	}
	p.resolved = true
	b.mu.Unlock()

	p.decisionCh <- dec
	return nil
}

// Pending returns the unresolved requests for a session, oldest first, so
// a viewer joining mid-wait can still decide.
func (b *Broker) Pending(id target.Identifier) []Request {
	key := id.String()
	b.mu.Lock()
	defer b.mu.Unlock()
	var out []Request
	for _, p := range b.pending {
		if !p.resolved && p.req.Session.String() == key {
			out = append(out, p.req)
		}
	}
	sortRequests(out)
	return out
}

// restrictedVerdict is the embedded allow-list for voice-only sessions:
// exactly the voice response tool passes, and the rule set may still veto
// it. No broadcast, no waiting.
func (b *Broker) restrictedVerdict(operation string, payload json.RawMessage) Decision {
	if operation != b.cfg.VoiceTool {
		return Decision{Resolution: ResolutionDeny, Reason: ReasonRestricted, DecidedBy: "policy"}
	}
	if b.classify != nil && b.classify(operation, payload) == VerdictDeny {
		return Decision{Resolution: ResolutionDeny, Reason: ReasonRestricted, DecidedBy: "policy"}
	}
	return Decision{Resolution: ResolutionAllow, DecidedBy: "policy"}
}

// replay types the keystrokes the agent's own prompt expects for the
// verdict, so the TUI and the guard response agree.
func (b *Broker) replay(ctx context.Context, id target.Identifier, dec Decision) {
	if b.keys == nil {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	var err error
	switch dec.Resolution {
	case ResolutionAllow:
		err = b.keys.SendKeys(ctx, id, b.cfg.AllowKeys...)
	case ResolutionAllowAlways:
		err = b.keys.SendKeys(ctx, id, b.cfg.AllowAlwaysKeys...)
	case ResolutionDeny:
		err = b.keys.SendKeys(ctx, id, b.cfg.DenyKeys...)
	case ResolutionCustom:
		if err = b.keys.SendKeys(ctx, id, b.cfg.DenyKeys...); err == nil && dec.Message != "" {
			if err = b.keys.SendInput(ctx, id, dec.Message); err == nil {
				err = b.keys.SendKeys(ctx, id, "Enter")
			}
		}
	}
	if err != nil {
		log.Printf("broker: replay %s for %s: %v", dec.Resolution, id, err)
	}
}

func announceLine(id target.Identifier, operation string, payload json.RawMessage) string {
	var body struct {
		Command string `json:"command"`
	}
	_ = json.Unmarshal(payload, &body)
	if body.Command != "" {
		return fmt.Sprintf("%s wants to run `%s`", id, body.Command)
	}
	return fmt.Sprintf("%s requests permission for %s", id, operation)
}

func sortRequests(reqs []Request) {
	sort.Slice(reqs, func(i, j int) bool {
		return reqs[i].CreatedAt.Before(reqs[j].CreatedAt)
	})
}
