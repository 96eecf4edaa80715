package features

import (
	"fmt"

	"fraudguard/pkg/fraud"
)

// StepWidth is the number of per-step features in a sequence window. The
// per-step subset mirrors the training-time reduction: amount, time-of-day,
// night flag, gap to the previous transaction, and the two anonymity signals.
const StepWidth = 6

// DefaultWindowLength is the sequence length N used unless configured
// otherwise.
const DefaultWindowLength = 10

// Window is a fixed-length, fixed-width temporal matrix over the last N
// transactions of one user. When the user has fewer than N transactions,
// Insufficient is set and Steps is nil: partial windows are never padded with
// fabricated data.
type Window struct {
	Steps        [][]float64
	Insufficient bool
}

// Length returns the number of steps, 0 for an insufficient window.
func (w Window) Length() int { return len(w.Steps) }

// BuildWindow reduces an ordered per-user history to a Window of exactly n
// steps (the most recent n transactions). history must be sorted ascending by
// timestamp by the caller; an inversion fails with fraud.ErrUnorderedSequence
// rather than being silently re-sorted, to surface upstream data bugs.
// Fewer than n transactions yields the insufficient-history marker, not an
// error: the sequence signal then falls back to probability 0.
func BuildWindow(history []fraud.Transaction, n int) (Window, error) {
	if n <= 0 {
		n = DefaultWindowLength
	}
	for i := 1; i < len(history); i++ {
		if history[i].Timestamp.Before(history[i-1].Timestamp) {
			return Window{}, fmt.Errorf("%w: index %d (%s) precedes index %d",
				fraud.ErrUnorderedSequence, i, history[i].ID, i-1)
		}
	}
	if len(history) < n {
		return Window{Insufficient: true}, nil
	}

	recent := history[len(history)-n:]
	steps := make([][]float64, n)
	for i, tx := range recent {
		gapHours := 0.0
		if i > 0 {
			gapHours = tx.Timestamp.Sub(recent[i-1].Timestamp).Hours()
		}
		hour := float64(tx.Timestamp.UTC().Hour())
		steps[i] = []float64{
			amountMajor(tx.AmountCents),
			hour,
			boolFeature(isNight(hour)),
			gapHours,
			boolFeature(tx.Signals.VPN),
			boolFeature(tx.Signals.Tor),
		}
	}
	return Window{Steps: steps}, nil
}
