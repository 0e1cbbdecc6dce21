package audit

import (
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/agent-command/pilotd/internal/broker"
	"github.com/agent-command/pilotd/internal/target"
)

func openTestLog(t *testing.T) *Log {
	t.Helper()
	l, err := Open(filepath.Join(t.TempDir(), "audit.db"))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	t.Cleanup(func() { l.Close() })
	return l
}

func record(l *Log, id, session, operation string, dec broker.Decision, at time.Time) {
	l.Record(broker.Request{
		ID:        id,
		Session:   target.Identifier{Name: session},
		Operation: operation,
		Payload:   json.RawMessage(`{"command":"rm -rf build"}`),
		CreatedAt: at,
	}, dec, 1200*time.Millisecond)
}

func TestRecordAndQuery(t *testing.T) {
	l := openTestLog(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)

	record(l, "r1", "api", "bash", broker.Decision{
		Resolution: broker.ResolutionAllow, DecidedBy: "operator",
	}, base)
	record(l, "r2", "api", "edit", broker.Decision{
		Resolution: broker.ResolutionDeny, Reason: broker.ReasonTimedOut, DecidedBy: "deadline",
	}, base.Add(time.Minute))
	record(l, "r3", "web", "bash", broker.Decision{
		Resolution: broker.ResolutionCustom, Message: "use the staging bucket",
	}, base.Add(2*time.Minute))

	all, err := l.Query("", 10)
	if err != nil {
		t.Fatalf("Query: %v", err)
	}
	if len(all) != 3 {
		t.Fatalf("entries = %d, want 3", len(all))
	}
	if all[0].RequestID != "r3" {
		t.Errorf("newest first: got %s", all[0].RequestID)
	}

	api, err := l.Query("api", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(api) != 2 {
		t.Fatalf("api entries = %d, want 2", len(api))
	}
	if api[0].Reason != broker.ReasonTimedOut || api[0].DecidedBy != "deadline" {
		t.Errorf("deadline deny not recorded: %+v", api[0])
	}
	if api[0].WaitedMs != 1200 {
		t.Errorf("waited_ms = %d", api[0].WaitedMs)
	}
	if !api[1].CreatedAt.Equal(base) {
		t.Errorf("created_at = %v, want %v", api[1].CreatedAt, base)
	}
}

func TestQueryLimit(t *testing.T) {
	l := openTestLog(t)
	base := time.Date(2025, 6, 1, 10, 0, 0, 0, time.UTC)
	for i := 0; i < 5; i++ {
		record(l, string(rune('a'+i)), "api", "bash",
			broker.Decision{Resolution: broker.ResolutionAllow}, base.Add(time.Duration(i)*time.Second))
	}
	got, err := l.Query("", 2)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 2 {
		t.Errorf("entries = %d, want 2", len(got))
	}
}

func TestDuplicateRequestIgnored(t *testing.T) {
	l := openTestLog(t)
	at := time.Now().UTC()
	record(l, "r1", "api", "bash", broker.Decision{Resolution: broker.ResolutionAllow}, at)
	record(l, "r1", "api", "bash", broker.Decision{Resolution: broker.ResolutionDeny}, at)

	got, err := l.Query("", 10)
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 {
		t.Fatalf("entries = %d, want 1", len(got))
	}
	if got[0].Resolution != string(broker.ResolutionAllow) {
		t.Errorf("first write did not win: %s", got[0].Resolution)
	}
}
