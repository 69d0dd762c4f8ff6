package status

import (
	"testing"

	"github.com/matheus3301/thistory/internal/bus"
)

func TestInitialState(t *testing.T) {
	m := NewMachine(nil)
	if m.Current() != Booting {
		t.Errorf("initial state = %s, want BOOTING", m.Current())
	}
	if m.Serving() {
		t.Error("booting daemon should not be serving")
	}
}

func TestValidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Recovering},
		{Booting, Error},
		{Recovering, Running},
		{Recovering, Error},
		{Running, Stopping},
		{Running, Error},
		{Error, Booting},
		{Error, Stopping},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err != nil {
				t.Errorf("Transition(%s -> %s) error = %v", tt.from, tt.to, err)
			}
			if m.Current() != tt.to {
				t.Errorf("state = %s, want %s", m.Current(), tt.to)
			}
		})
	}
}

func TestInvalidTransitions(t *testing.T) {
	tests := []struct {
		from State
		to   State
	}{
		{Booting, Running},
		{Recovering, Stopping},
		{Running, Recovering},
		{Stopping, Running},
		{Stopping, Booting},
	}
	for _, tt := range tests {
		t.Run(string(tt.from)+"->"+string(tt.to), func(t *testing.T) {
			m := NewMachine(nil)
			walkTo(t, m, tt.from)
			if err := m.Transition(tt.to); err == nil {
				t.Errorf("Transition(%s -> %s) should fail", tt.from, tt.to)
			}
			if m.Current() != tt.from {
				t.Errorf("state = %s, want %s (unchanged)", m.Current(), tt.from)
			}
		})
	}
}

func TestTransitionEmitsEvent(t *testing.T) {
	b := bus.New()
	ch, unsub := b.Subscribe("daemon.", 10)
	defer unsub()

	m := NewMachine(b)
	if err := m.Transition(Recovering); err != nil {
		t.Fatal(err)
	}

	evt := <-ch
	if evt.Kind != bus.DaemonStateChanged {
		t.Errorf("event kind = %q, want %s", evt.Kind, bus.DaemonStateChanged)
	}
	change, ok := evt.Payload.(StatusChange)
	if !ok {
		t.Fatalf("payload type = %T, want StatusChange", evt.Payload)
	}
	if change.From != Booting || change.To != Recovering {
		t.Errorf("change = %v -> %v, want BOOTING -> RECOVERING", change.From, change.To)
	}
}

// TestStartupLifecycle walks a clean start and shutdown:
// BOOTING → RECOVERING → RUNNING → STOPPING
func TestStartupLifecycle(t *testing.T) {
	m := NewMachine(nil)

	for _, s := range []State{Recovering, Running} {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
	if !m.Serving() {
		t.Error("running daemon should be serving")
	}
	if err := m.Transition(Stopping); err != nil {
		t.Fatal(err)
	}
	if m.Serving() {
		t.Error("stopping daemon should not be serving")
	}
}

// TestFailedRecoveryCanRestart verifies that a failed recovery can be retried
// from BOOTING.
func TestFailedRecoveryCanRestart(t *testing.T) {
	m := NewMachine(nil)
	walkTo(t, m, Recovering)

	steps := []State{Error, Booting, Recovering, Running}
	for _, s := range steps {
		if err := m.Transition(s); err != nil {
			t.Fatalf("Transition to %s: %v (current: %s)", s, err, m.Current())
		}
	}
}

// walkTo is a helper that transitions the machine to a target state.
func walkTo(t *testing.T, m *Machine, target State) {
	t.Helper()
	paths := map[State][]State{
		Booting:    {},
		Recovering: {Recovering},
		Running:    {Recovering, Running},
		Stopping:   {Recovering, Running, Stopping},
		Error:      {Error},
	}
	for _, s := range paths[target] {
		if err := m.Transition(s); err != nil {
			t.Fatalf("walkTo(%s): %v", target, err)
		}
	}
}
