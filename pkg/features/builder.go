// Package features converts raw transactions and per-user history into the
// fixed-shape numeric inputs consumed by the model adapters. Vector field
// order and count are frozen per builder version: every model trained against
// version 1 sees exactly the same layout at inference time.
package features

import (
	"fmt"

	"fraudguard/pkg/fraud"
)

// BuilderVersion identifies the vector layout below. Changing field order,
// adding a field, or changing an imputation default requires a bump.
const BuilderVersion = 1

// Indicator sets for categorical expansion. Unseen values map to the trailing
// "other" bucket so the vector shape never grows with new categories.
var (
	knownIndustries = []string{"retail", "gambling", "crypto", "travel"}
	knownTypes      = []string{"purchase", "withdrawal", "transfer", "deposit"}
)

var fieldNames = buildFieldNames()

func buildFieldNames() []string {
	names := []string{
		"amount",
		"tx_last_hour",
		"tx_last_day",
		"account_age_days",
		"credit_score",
		"is_vpn",
		"is_tor",
		"is_emulator",
		"kyc_verified",
		"hour_of_day",
		"is_night",
	}
	for _, ind := range knownIndustries {
		names = append(names, "industry_"+ind)
	}
	names = append(names, "industry_other")
	for _, t := range knownTypes {
		names = append(names, "type_"+t)
	}
	names = append(names, "type_other")
	return names
}

// FieldNames returns the ordered field names of a Vector. The slice is shared;
// callers must not mutate it.
func FieldNames() []string { return fieldNames }

// VectorWidth is the fixed length of every built Vector.
func VectorWidth() int { return len(fieldNames) }

// Vector is a fixed-order numeric feature vector derived from exactly one
// transaction plus aggregate counters.
type Vector []float64

// Build converts a transaction and optional aggregates into a Vector.
// agg may be nil; documented defaults apply (counts 0, account age 0, credit
// score fraud.DefaultCreditScore). Pure transform, no side effects.
func Build(tx fraud.Transaction, agg *fraud.Aggregates) (Vector, error) {
	if tx.ID == "" {
		return nil, fmt.Errorf("%w: transaction id is empty", fraud.ErrInvalidInput)
	}
	if tx.AmountCents < 0 {
		return nil, fmt.Errorf("%w: negative amount %d", fraud.ErrInvalidInput, tx.AmountCents)
	}

	txLastHour, txLastDay, accountAge := 0, 0, 0
	creditScore := fraud.DefaultCreditScore
	if agg != nil {
		txLastHour = agg.TxLastHour
		txLastDay = agg.TxLastDay
		accountAge = agg.AccountAgeDays
		if agg.CreditScore > 0 {
			creditScore = agg.CreditScore
		}
	}

	hour := float64(tx.Timestamp.UTC().Hour())

	v := make(Vector, 0, len(fieldNames))
	v = append(v,
		amountMajor(tx.AmountCents),
		float64(txLastHour),
		float64(txLastDay),
		float64(accountAge),
		creditScore,
		boolFeature(tx.Signals.VPN),
		boolFeature(tx.Signals.Tor),
		boolFeature(tx.Signals.Emulator),
		boolFeature(tx.Signals.KYCVerified),
		hour,
		boolFeature(isNight(hour)),
	)
	v = append(v, indicators(tx.Industry, knownIndustries)...)
	v = append(v, indicators(tx.Type, knownTypes)...)
	return v, nil
}

// amountMajor converts minor units to major currency units.
func amountMajor(cents int64) float64 { return float64(cents) / 100 }

// isNight flags the 00:00-05:59 UTC window where legitimate volume is lowest.
func isNight(hour float64) bool { return hour < 6 }

func boolFeature(b bool) float64 {
	if b {
		return 1
	}
	return 0
}

// indicators expands value over known categories plus an "other" bucket.
func indicators(value string, known []string) []float64 {
	out := make([]float64, len(known)+1)
	for i, k := range known {
		if value == k {
			out[i] = 1
			return out
		}
	}
	out[len(known)] = 1
	return out
}

func init() {
	// Layout constants must stay in lockstep with Build.
	if len(fieldNames) != 11+len(knownIndustries)+1+len(knownTypes)+1 {
		panic("features: field name table out of sync with builder")
	}
}
