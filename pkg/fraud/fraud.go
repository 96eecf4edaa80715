// Package fraud defines the data model shared by the scoring pipeline:
// transactions, aggregates, per-model score results, and decisions.
package fraud

import "time"

// RiskSignals carries the boolean risk flags attached to a transaction at
// ingestion time.
type RiskSignals struct {
	VPN         bool `json:"vpn"`
	Tor         bool `json:"tor"`
	Emulator    bool `json:"emulator"`
	KYCVerified bool `json:"kyc_verified"`
}

// Transaction is an immutable record created by the upstream ingestion
// boundary. Amount is in minor units (cents). Downstream structures reference
// a transaction by ID only.
type Transaction struct {
	ID          string            `json:"id"`
	UserID      string            `json:"user_id"`
	AmountCents int64             `json:"amount_cents"`
	Type        string            `json:"type"`
	Industry    string            `json:"industry"`
	Timestamp   time.Time         `json:"timestamp"`
	Signals     RiskSignals       `json:"risk_signals"`
	Metadata    map[string]string `json:"metadata,omitempty"`
}

// Aggregates are rolling counters and account facts supplied by the external
// persistence collaborator. A nil *Aggregates means "unknown"; builders apply
// the documented defaults (counts 0, account age 0, credit score 500).
type Aggregates struct {
	TxLastHour     int     `json:"tx_last_hour"`
	TxLastDay      int     `json:"tx_last_day"`
	AccountAgeDays int     `json:"account_age_days"`
	CreditScore    float64 `json:"credit_score"`
}

// DefaultCreditScore is imputed when no credit score is known for a user.
const DefaultCreditScore = 500.0

// ScoreResult is the output of one model adapter call for one transaction.
// Ephemeral: the core never persists it.
type ScoreResult struct {
	ModelName           string  `json:"model_name"`
	Version             int     `json:"version"`
	Probability         float64 `json:"probability"`
	LatencyMs           float64 `json:"latency_ms"`
	InsufficientHistory bool    `json:"insufficient_history,omitempty"`
	Err                 error   `json:"-"`
}

// Available reports whether the result can contribute to the ensemble.
// Failed and insufficient-history results are excluded and their weight is
// redistributed among the remaining models.
func (r ScoreResult) Available() bool {
	return r.Err == nil && !r.InsufficientHistory
}

// Label is the discrete decision attached to a scored transaction.
type Label string

const (
	LabelApprove Label = "approve"
	LabelReview  Label = "review"
	LabelDecline Label = "decline"
)

// Decision is the terminal output of the core for one transaction. It records
// exactly which model versions contributed so any historical decision can be
// reproduced given the same artifacts.
type Decision struct {
	TransactionID       string         `json:"transaction_id"`
	Probability         float64        `json:"probability"`
	Label               Label          `json:"label"`
	ContributingFlags   []string       `json:"contributing_flags,omitempty"`
	ModelVersions       map[string]int `json:"model_versions_used"`
	InsufficientHistory bool           `json:"insufficient_history,omitempty"`
	DecidedAt           time.Time      `json:"decided_at"`
}
