package main

import (
	"strings"
	"testing"
	"time"
)

func TestParseSince(t *testing.T) {
	t.Run("rfc3339", func(t *testing.T) {
		got, err := parseSince("2026-08-20T07:30:00Z")
		if err != nil {
			t.Fatalf("parseSince failed: %v", err)
		}
		want := time.Date(2026, 8, 20, 7, 30, 0, 0, time.UTC)
		if !got.Equal(want) {
			t.Errorf("got %v, want %v", got, want)
		}
	})

	t.Run("natural language", func(t *testing.T) {
		before := time.Now()
		got, err := parseSince("2 hours ago")
		if err != nil {
			t.Fatalf("parseSince failed: %v", err)
		}
		if got.After(before) {
			t.Errorf("%v is not in the past", got)
		}
		if before.Sub(got) > 3*time.Hour {
			t.Errorf("%v is much more than 2 hours before %v", got, before)
		}
	})

	t.Run("garbage", func(t *testing.T) {
		_, err := parseSince("nonsense")
		if err == nil {
			t.Fatal("parseSince accepted garbage")
		}
		if !strings.Contains(err.Error(), "nonsense") {
			t.Errorf("error %q does not name the input", err)
		}
	})
}

func TestHumanAge(t *testing.T) {
	now := time.Now()
	tests := []struct {
		age  time.Duration
		want string
	}{
		{30 * time.Second, "30s ago"},
		{5 * time.Minute, "5m ago"},
		{3 * time.Hour, "3h ago"},
		{50 * time.Hour, "2d ago"},
	}
	for _, tt := range tests {
		if got := humanAge(now.Add(-tt.age)); got != tt.want {
			t.Errorf("humanAge(-%v) = %q, want %q", tt.age, got, tt.want)
		}
	}
}
