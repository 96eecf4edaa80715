package features

import (
	"errors"
	"fmt"
	"testing"
	"time"

	"fraudguard/pkg/fraud"
)

func makeHistory(n int, start time.Time, gap time.Duration) []fraud.Transaction {
	history := make([]fraud.Transaction, n)
	for i := range history {
		history[i] = fraud.Transaction{
			ID:          fmt.Sprintf("tx-%d", i),
			UserID:      "user-1",
			AmountCents: int64((i + 1) * 10000),
			Timestamp:   start.Add(time.Duration(i) * gap),
		}
	}
	return history
}

func TestBuildWindow_ExactLength(t *testing.T) {
	start := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	history := makeHistory(10, start, time.Hour)

	w, err := BuildWindow(history, 10)
	if err != nil {
		t.Fatalf("BuildWindow() failed: %v", err)
	}
	if w.Insufficient {
		t.Fatal("full history marked insufficient")
	}
	if w.Length() != 10 {
		t.Errorf("window length = %d, want 10", w.Length())
	}
	for i, step := range w.Steps {
		if len(step) != StepWidth {
			t.Errorf("step %d width = %d, want %d", i, len(step), StepWidth)
		}
	}
}

func TestBuildWindow_StepValues(t *testing.T) {
	start := time.Date(2025, 6, 1, 2, 0, 0, 0, time.UTC)
	history := makeHistory(3, start, 2*time.Hour)

	w, err := BuildWindow(history, 3)
	if err != nil {
		t.Fatalf("BuildWindow() failed: %v", err)
	}

	// step 0: amount 100.00, hour 2, night, no gap
	if got := w.Steps[0]; got[0] != 100 || got[1] != 2 || got[2] != 1 || got[3] != 0 {
		t.Errorf("step 0 = %v", got)
	}
	// step 1: amount 200.00, hour 4, night, 2h gap
	if got := w.Steps[1]; got[0] != 200 || got[1] != 4 || got[2] != 1 || got[3] != 2 {
		t.Errorf("step 1 = %v", got)
	}
	// step 2: hour 6 is no longer night
	if got := w.Steps[2]; got[2] != 0 {
		t.Errorf("step 2 night flag = %v, want 0", got[2])
	}
}

func TestBuildWindow_TakesMostRecent(t *testing.T) {
	start := time.Date(2025, 6, 1, 8, 0, 0, 0, time.UTC)
	history := makeHistory(15, start, time.Hour)

	w, err := BuildWindow(history, 10)
	if err != nil {
		t.Fatalf("BuildWindow() failed: %v", err)
	}
	// first window step should be history[5] (amount 600.00)
	if got := w.Steps[0][0]; got != 600 {
		t.Errorf("first step amount = %v, want 600", got)
	}
}

func TestBuildWindow_InsufficientHistory(t *testing.T) {
	tests := []struct {
		name string
		len  int
	}{
		{"empty", 0},
		{"one short", 9},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			history := makeHistory(tt.len, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Hour)
			w, err := BuildWindow(history, 10)
			if err != nil {
				t.Fatalf("BuildWindow() failed: %v", err)
			}
			if !w.Insufficient {
				t.Error("expected insufficient-history marker")
			}
			if w.Steps != nil {
				t.Error("insufficient window must not carry padded steps")
			}
		})
	}
}

func TestBuildWindow_UnorderedSequence(t *testing.T) {
	history := makeHistory(10, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	history[4].Timestamp = history[3].Timestamp.Add(-time.Minute)

	_, err := BuildWindow(history, 10)
	if !errors.Is(err, fraud.ErrUnorderedSequence) {
		t.Errorf("BuildWindow() error = %v, want ErrUnorderedSequence", err)
	}
}

func TestBuildWindow_DefaultLength(t *testing.T) {
	history := makeHistory(DefaultWindowLength, time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC), time.Hour)
	w, err := BuildWindow(history, 0)
	if err != nil {
		t.Fatalf("BuildWindow() failed: %v", err)
	}
	if w.Length() != DefaultWindowLength {
		t.Errorf("window length = %d, want %d", w.Length(), DefaultWindowLength)
	}
}
