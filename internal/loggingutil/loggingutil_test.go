package loggingutil

import "testing"

func TestSubsystemSkipsEmptyParts(t *testing.T) {
	cases := map[string][]string{
		"":                    nil,
		"tasks":               {"tasks"},
		"tasks.buffer":        {"tasks", "", ".buffer."},
		"lock.leader.elector": {" lock ", "leader", "elector"},
	}
	for want, parts := range cases {
		if got := Subsystem(parts...); got != want {
			t.Fatalf("Subsystem(%q) = %q, want %q", parts, got, want)
		}
	}
}

func TestEnsureLoggerNeverNil(t *testing.T) {
	if EnsureLogger(nil) == nil {
		t.Fatal("expected noop logger")
	}
	if WithSubsystem(nil, "x") == nil {
		t.Fatal("expected logger with subsystem")
	}
}
