package logic

import (
	"errors"
	"testing"
)

func TestValveOnOff(t *testing.T) {
	rec := newRecorder()
	v := NewValve("Valve Switch", rec, rec)

	if v.IsOn() {
		t.Fatal("valve should start OFF")
	}

	if err := v.TurnOn(); err != nil {
		t.Fatalf("TurnOn: %v", err)
	}
	if !v.IsOn() {
		t.Error("expected ON after TurnOn")
	}
	if err := v.TurnOff(); err != nil {
		t.Fatalf("TurnOff: %v", err)
	}
	if v.IsOn() {
		t.Error("expected OFF after TurnOff")
	}

	want := []string{"cmd on", "switch valve_switch=true", "cmd off", "switch valve_switch=false"}
	if len(rec.calls) != len(want) {
		t.Fatalf("calls: got %v, want %v", rec.calls, want)
	}
	for i := range want {
		if rec.calls[i] != want[i] {
			t.Errorf("call %d: got %q, want %q", i, rec.calls[i], want[i])
		}
	}
}

func TestValveRepeatedOnReEmits(t *testing.T) {
	rec := newRecorder()
	v := NewValve("Valve Switch", rec, nil)

	v.TurnOn()
	v.TurnOn()

	cmds := rec.commands()
	if len(cmds) != 2 || cmds[0] != "on" || cmds[1] != "on" {
		t.Errorf("commands: got %v, want [on on]", cmds)
	}
}

func TestValveCommandFailureKeepsState(t *testing.T) {
	rec := newRecorder()
	v := NewValve("Valve Switch", rec, rec)
	v.TurnOn()

	boom := errors.New("broker down")
	rec.fail = boom
	before := len(rec.calls)

	err := v.TurnOff()
	if !errors.Is(err, boom) {
		t.Fatalf("expected wrapped broker error, got %v", err)
	}
	if !v.IsOn() {
		t.Error("state should stay ON when the off command fails")
	}
	if len(rec.calls) != before {
		t.Errorf("unexpected notifications on failure: %v", rec.calls[before:])
	}
}

func TestCommandersFanOut(t *testing.T) {
	var got []string
	first := CommanderFunc(func(cmd Command) error {
		got = append(got, "first "+string(cmd))
		return nil
	})
	second := CommanderFunc(func(cmd Command) error {
		got = append(got, "second "+string(cmd))
		return nil
	})

	if err := (Commanders{first, second}).SendValve(CommandOn); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(got) != 2 || got[0] != "first on" || got[1] != "second on" {
		t.Errorf("got %v", got)
	}
}

func TestCommandersStopAtFirstFailure(t *testing.T) {
	boom := errors.New("boom")
	called := false
	cs := Commanders{
		CommanderFunc(func(Command) error { return boom }),
		CommanderFunc(func(Command) error { called = true; return nil }),
	}

	if err := cs.SendValve(CommandOff); !errors.Is(err, boom) {
		t.Errorf("expected boom, got %v", err)
	}
	if called {
		t.Error("second commander should not run after a failure")
	}
}

func TestCommandersRollBackOnLaterFailure(t *testing.T) {
	boom := errors.New("boom")
	var got []string
	cs := Commanders{
		CommanderFunc(func(cmd Command) error {
			got = append(got, "first "+string(cmd))
			return nil
		}),
		CommanderFunc(func(cmd Command) error {
			got = append(got, "second "+string(cmd))
			return nil
		}),
		CommanderFunc(func(Command) error { return boom }),
	}

	v := NewValve("Valve Switch", cs, nil)
	if err := v.TurnOn(); !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}
	if v.IsOn() {
		t.Error("valve should stay off")
	}

	want := []string{"first on", "second on", "second off", "first off"}
	if len(got) != len(want) {
		t.Fatalf("calls: got %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("call %d: got %q, want %q", i, got[i], want[i])
		}
	}
}

func TestCommandersRollbackFailureReported(t *testing.T) {
	boom := errors.New("boom")
	stuck := errors.New("stuck")
	cs := Commanders{
		CommanderFunc(func(cmd Command) error {
			if cmd == CommandOn {
				return stuck
			}
			return nil
		}),
		CommanderFunc(func(Command) error { return boom }),
	}

	err := cs.SendValve(CommandOff)
	if !errors.Is(err, boom) || !errors.Is(err, stuck) {
		t.Errorf("expected both errors, got %v", err)
	}
}
