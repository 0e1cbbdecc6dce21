package target

import (
	"errors"
	"testing"
)

func TestParse(t *testing.T) {
	cases := []struct {
		in   string
		want Identifier
	}{
		{"fix-auth", Identifier{Name: "fix-auth"}},
		{"fix-auth/retry-loop", Identifier{Name: "fix-auth", Branch: "retry-loop"}},
		{"fix-auth@gpu-box", Identifier{Name: "fix-auth", Machine: "gpu-box"}},
		{"fix-auth/retry-loop@gpu-box", Identifier{Name: "fix-auth", Branch: "retry-loop", Machine: "gpu-box"}},
		{"  padded \n", Identifier{Name: "padded"}},
	}
	for _, c := range cases {
		got, err := Parse(c.in)
		if err != nil {
			t.Fatalf("Parse(%q) returned error: %v", c.in, err)
		}
		if got != c.want {
			t.Errorf("Parse(%q) = %+v, want %+v", c.in, got, c.want)
		}
	}
}

func TestParseMalformed(t *testing.T) {
	cases := []string{
		"",
		"   ",
		"/branch-only",
		"@machine-only",
		"name/",
		"name@",
		"a/b/c",
		"a@b@c",
		"a@box/branch",
		"/",
		"@",
	}
	for _, in := range cases {
		if _, err := Parse(in); !errors.Is(err, ErrMalformed) {
			t.Errorf("Parse(%q) error = %v, want ErrMalformed", in, err)
		}
	}
}

func TestStringRoundTrip(t *testing.T) {
	cases := []string{
		"task",
		"task/branch",
		"task@box",
		"task/branch@box",
	}
	for _, in := range cases {
		id, err := Parse(in)
		if err != nil {
			t.Fatalf("Parse(%q): %v", in, err)
		}
		if got := id.String(); got != in {
			t.Errorf("String() = %q, want %q", got, in)
		}
		back, err := Parse(id.String())
		if err != nil {
			t.Fatalf("re-Parse(%q): %v", id.String(), err)
		}
		if back != id {
			t.Errorf("round trip changed identifier: %+v vs %+v", back, id)
		}
	}
}

func TestSessionName(t *testing.T) {
	cases := []struct {
		id   Identifier
		want string
	}{
		{Identifier{Name: "task"}, "pilot-task"},
		{Identifier{Name: "task", Branch: "fix"}, "pilot-task-fix"},
		{Identifier{Name: "v1.2 work", Branch: "rel:cut"}, "pilot-v1-2-work-rel-cut"},
	}
	for _, c := range cases {
		if got := c.id.SessionName("pilot-"); got != c.want {
			t.Errorf("SessionName(%+v) = %q, want %q", c.id, got, c.want)
		}
	}
}

func TestWorktreeDir(t *testing.T) {
	id := Identifier{Name: "task", Branch: "retry-loop"}
	want := "/work/trees/task/retry-loop"
	if got := id.WorktreeDir("/work/trees"); got != want {
		t.Errorf("WorktreeDir = %q, want %q", got, want)
	}
}

func TestMachineID(t *testing.T) {
	if got := (Identifier{Name: "a"}).MachineID(); got != "local" {
		t.Errorf("local MachineID = %q", got)
	}
	if got := (Identifier{Name: "a", Machine: "box"}).MachineID(); got != "box" {
		t.Errorf("remote MachineID = %q", got)
	}
}
