package oracle

import (
	"context"
	"testing"
	"time"
)

func TestNextBackoffCapped(t *testing.T) {
	max := 30 * time.Second
	if got := nextBackoff(time.Second, max); got != 2*time.Second {
		t.Fatalf("next = %v, want 2s", got)
	}
	if got := nextBackoff(20*time.Second, max); got != max {
		t.Fatalf("next = %v, want cap %v", got, max)
	}
}

func TestSleepWithJitterTinyBase(t *testing.T) {
	// A base of 1ns halves to zero; the jitter draw must tolerate that.
	if err := sleepWithJitter(context.Background(), time.Nanosecond); err != nil {
		t.Fatalf("sleep: %v", err)
	}
	if err := sleepWithJitter(context.Background(), 0); err != nil {
		t.Fatalf("sleep: %v", err)
	}
}

func TestSleepWithJitterHonorsContext(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := sleepWithJitter(ctx, time.Minute); err == nil {
		t.Fatal("cancelled context should abort the sleep")
	}
}
