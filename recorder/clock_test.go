package recorder

import (
	"testing"
	"time"
)

func TestTickCounter(t *testing.T) {
	c := NewTickCounter(32_768)
	if got := c.Frequency(); got != 32_768 {
		t.Fatalf("Frequency = %d, want 32768", got)
	}
	if got := c.Now(); got != 0 {
		t.Fatalf("initial Now = %d, want 0", got)
	}
	c.Advance(1)
	c.Advance(41)
	if got := c.Now(); got != 42 {
		t.Errorf("Now = %d after advancing 42 ticks", got)
	}
}

func TestCycleCounterStartsNearZero(t *testing.T) {
	c := NewCycleCounter(64_000_000)
	first := c.Now()
	// The counter arms itself on first use, so the first reading must be
	// far below one second's worth of cycles.
	if first > 64_000_000 {
		t.Fatalf("first reading = %d cycles, want < one second", first)
	}
}

func TestCycleCounterAdvances(t *testing.T) {
	c := NewCycleCounter(1_000_000_000) // 1 cycle per nanosecond
	a := c.Now()
	time.Sleep(2 * time.Millisecond)
	b := c.Now()
	if b <= a {
		t.Fatalf("counter did not advance: %d then %d", a, b)
	}
	if b-a < uint64(time.Millisecond) {
		t.Errorf("advanced only %d cycles across a 2ms sleep", b-a)
	}
}

func TestScaleExact(t *testing.T) {
	tests := []struct {
		ns   uint64
		freq uint64
		want uint64
	}{
		{0, 64_000_000, 0},
		{uint64(time.Second), 64_000_000, 64_000_000},
		{uint64(time.Millisecond), 1000, 1},
		{uint64(500 * time.Microsecond), 1000, 0}, // truncates
		{1 << 40, 1_000_000_000, 1 << 40},
		{3 * uint64(time.Second), 32_768, 98_304},
	}
	for _, tt := range tests {
		if got := scale(tt.ns, tt.freq); got != tt.want {
			t.Errorf("scale(%d, %d) = %d, want %d", tt.ns, tt.freq, got, tt.want)
		}
	}
}
