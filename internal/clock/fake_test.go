package clock

import (
	"testing"
	"time"
)

var epoch = time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)

func TestFakeTimer_FiresOnAdvance(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	timer := c.NewTimer(5 * time.Second)

	c.Advance(4 * time.Second)
	select {
	case <-timer.C:
		t.Fatalf("fired early")
	default:
	}

	c.Advance(time.Second)
	select {
	case got := <-timer.C:
		if !got.Equal(epoch.Add(5 * time.Second)) {
			t.Fatalf("fired at %v", got)
		}
	default:
		t.Fatalf("did not fire")
	}
}

func TestFakeTimer_StopCancels(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	timer := c.NewTimer(time.Second)
	if !timer.Stop() {
		t.Fatalf("stop of active timer returned false")
	}
	if timer.Stop() {
		t.Fatalf("second stop returned true")
	}
	c.Advance(time.Minute)
	select {
	case <-timer.C:
		t.Fatalf("stopped timer fired")
	default:
	}
	if n := len(c.Pending()); n != 0 {
		t.Fatalf("pending=%d", n)
	}
}

func TestFakeTimer_Reset(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	timer := c.NewTimer(time.Second)
	timer.Reset(10 * time.Second)
	if got := c.Pending(); len(got) != 1 || got[0] != 10*time.Second {
		t.Fatalf("pending=%v", got)
	}
}

func TestFakeClock_WaitForTimers(t *testing.T) {
	t.Parallel()

	c := Fake(epoch)
	done := make(chan struct{})
	go func() {
		defer close(done)
		timer := c.NewTimer(time.Second)
		<-timer.C
	}()

	c.WaitForTimers(1)
	c.Advance(time.Second)
	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("goroutine never woke")
	}
}
