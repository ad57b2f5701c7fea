package queue

import (
	"testing"
	"time"
)

func TestWaitMinutes(t *testing.T) {
	cases := []struct {
		ahead int
		rate  int
		want  int
	}{
		{0, 15, 0},
		{1, 15, 15},
		{3, 12, 36},
		{-1, 15, 0},
	}
	for _, tt := range cases {
		if got := WaitMinutes(tt.ahead, tt.rate); got != tt.want {
			t.Fatalf("WaitMinutes(%d, %d)=%d, want %d", tt.ahead, tt.rate, got, tt.want)
		}
	}
}

func TestInitialStartTime(t *testing.T) {
	now := time.Date(2025, 10, 20, 9, 0, 0, 0, time.UTC)
	if got := InitialStartTime(now, 0, 15); !got.Equal(now) {
		t.Fatalf("first booking of the day should start now, got %v", got)
	}
	if got := InitialStartTime(now, 2, 15); !got.Equal(now.Add(30 * time.Minute)) {
		t.Fatalf("expected now+30m, got %v", got)
	}
}
