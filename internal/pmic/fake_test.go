package pmic

import (
	"errors"
	"testing"
)

func TestFakeRailsFollowPowerState(t *testing.T) {
	f := NewFake(25)
	f.SetRailsDelay(2)

	if up, _ := f.RailsUp(); up {
		t.Fatal("rails up while sleeping")
	}
	if err := f.SetPowerState(Active); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 2; i++ {
		if up, _ := f.RailsUp(); up {
			t.Fatalf("rails up on poll %d", i)
		}
	}
	if up, _ := f.RailsUp(); !up {
		t.Error("rails still down after delay")
	}
	if got := f.States(); len(got) != 1 || got[0] != Active {
		t.Errorf("states = %v", got)
	}
}

func TestFakeTemperature(t *testing.T) {
	f := NewFake(25)
	if c, err := f.ReadTemperature(true); err != nil || c != 25 {
		t.Fatalf("read = %d, %v", c, err)
	}
	f.SetReadError(errors.New("nak"))
	if _, err := f.ReadTemperature(false); err == nil {
		t.Error("read error not returned")
	}
	total, fresh := f.Reads()
	if total != 2 || fresh != 1 {
		t.Errorf("reads = %d/%d", total, fresh)
	}
}

func TestStateString(t *testing.T) {
	tests := map[State]string{Active: "active", Standby: "standby", Sleep: "sleep", State(9): "state(9)"}
	for s, want := range tests {
		if s.String() != want {
			t.Errorf("%d.String() = %q", s, s.String())
		}
	}
}
