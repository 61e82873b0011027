package clock

import (
	"testing"
	"time"
)

func TestFakeOnlyMovesForward(t *testing.T) {
	start := time.Date(2026, 10, 16, 9, 30, 0, 0, time.UTC)
	f := NewFake(start)

	f.Advance(-time.Hour)
	f.Advance(0)
	if !f.Now().Equal(start) {
		t.Fatalf("Now = %s after non-positive Advance", f.Now())
	}

	f.Sleep(1500 * time.Millisecond)
	f.Advance(time.Minute)
	if want := start.Add(61500 * time.Millisecond); !f.Now().Equal(want) {
		t.Errorf("Now = %s, want %s", f.Now(), want)
	}
}
