package poll

import (
	"errors"
	"testing"
	"time"
)

func TestUntilDone(t *testing.T) {
	calls := 0
	err := Until("ready", time.Second, 0, func() (bool, error) {
		calls++
		return calls == 3, nil
	})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("calls = %d, want 3", calls)
	}
}

func TestUntilTimeout(t *testing.T) {
	err := Until("hrdy", 5*time.Millisecond, time.Millisecond, func() (bool, error) {
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("err = %v, want ErrTimeout", err)
	}
	var te *TimeoutError
	if !errors.As(err, &te) || te.What != "hrdy" {
		t.Errorf("unexpected timeout error %#v", err)
	}
}

func TestUntilZeroTimeoutChecksOnce(t *testing.T) {
	calls := 0
	err := Until("once", 0, 0, func() (bool, error) {
		calls++
		return false, nil
	})
	if !errors.Is(err, ErrTimeout) || calls != 1 {
		t.Errorf("err = %v calls = %d", err, calls)
	}
}

func TestUntilConditionError(t *testing.T) {
	boom := errors.New("boom")
	err := Until("x", time.Second, 0, func() (bool, error) { return false, boom })
	if !errors.Is(err, boom) {
		t.Errorf("err = %v, want boom", err)
	}
}
