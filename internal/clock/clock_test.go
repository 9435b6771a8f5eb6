package clock

import (
	"context"
	"testing"
	"time"
)

func TestFake_AdvanceFiresInOrder(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	var order []int
	c.AfterFunc(3*time.Second, func() { order = append(order, 3) })
	c.AfterFunc(1*time.Second, func() { order = append(order, 1) })
	c.AfterFunc(2*time.Second, func() { order = append(order, 2) })

	c.Advance(2 * time.Second)
	if len(order) != 2 || order[0] != 1 || order[1] != 2 {
		t.Fatalf("order after 2s = %v, want [1 2]", order)
	}

	c.Advance(time.Second)
	if len(order) != 3 || order[2] != 3 {
		t.Fatalf("order after 3s = %v, want [1 2 3]", order)
	}
}

func TestFake_StopPreventsFire(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	fired := false
	tm := c.AfterFunc(time.Second, func() { fired = true })
	if !tm.Stop() {
		t.Fatal("Stop returned false for pending timer")
	}
	c.Advance(time.Minute)
	if fired {
		t.Error("stopped timer fired")
	}
	if tm.Stop() {
		t.Error("second Stop returned true")
	}
}

func TestFake_ChainedTimersWithinWindow(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	count := 0
	var arm func()
	arm = func() {
		c.AfterFunc(10*time.Second, func() {
			count++
			arm()
		})
	}
	arm()

	c.Advance(35 * time.Second)
	if count != 3 {
		t.Errorf("count = %d, want 3", count)
	}
	if p := c.Pending(); len(p) != 1 || p[0] != 5*time.Second {
		t.Errorf("Pending = %v, want [5s]", p)
	}
}

func TestSleep_Cancelled(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := Sleep(ctx, c, time.Hour); err != context.Canceled {
		t.Errorf("Sleep err = %v, want context.Canceled", err)
	}
	if p := c.Pending(); len(p) != 0 {
		t.Errorf("timer left pending after cancel: %v", p)
	}
}

func TestSleep_Advanced(t *testing.T) {
	c := NewFake(time.Unix(0, 0))
	done := make(chan error, 1)
	go func() { done <- Sleep(context.Background(), c, time.Second) }()

	if err := c.WaitForTimers(context.Background(), 1); err != nil {
		t.Fatal(err)
	}
	c.Advance(time.Second)

	select {
	case err := <-done:
		if err != nil {
			t.Errorf("Sleep err = %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("Sleep did not return after Advance")
	}
}
