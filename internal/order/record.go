// SPDX-License-Identifier: MIT

package order

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tradewright/copyfleet/internal/metrics"
)

// Phase is the materialized state of one (session, intent) order record.
// Records only ever move forward through the lattice.
type Phase string

const (
	PhasePreValidated Phase = "PRE_VALIDATED"
	PhaseSubmitted    Phase = "SUBMITTED"
	PhaseAcknowledged Phase = "ACKNOWLEDGED"
	PhaseFilled       Phase = "FILLED"
	PhasePartial      Phase = "PARTIAL"
	PhaseRejected     Phase = "REJECTED"
	PhaseCancelled    Phase = "CANCELLED"
	PhaseOrphaned     Phase = "ORPHANED"
)

// IsTerminal reports whether the phase closes the record.
func (p Phase) IsTerminal() bool {
	switch p {
	case PhaseFilled, PhasePartial, PhaseRejected, PhaseCancelled, PhaseOrphaned:
		return true
	}
	return false
}

// phaseRank orders the forward lattice. Terminal phases share the top rank so
// a record cannot move from one terminal to another.
func phaseRank(p Phase) int {
	switch p {
	case PhasePreValidated:
		return 0
	case PhaseSubmitted:
		return 1
	case PhaseAcknowledged:
		return 2
	case PhaseFilled, PhasePartial, PhaseRejected, PhaseCancelled, PhaseOrphaned:
		return 3
	}
	return -1
}

var ErrPhaseRegression = errors.New("order phase cannot move backward")

// Fill is one observed execution.
type Fill struct {
	At       time.Time `json:"at"`
	Price    float64   `json:"price"`
	Quantity int       `json:"quantity"`
}

// Transition is one entry of a record's phase event log.
type Transition struct {
	At     time.Time `json:"at"`
	From   Phase     `json:"from,omitempty"`
	To     Phase     `json:"to"`
	Reason string    `json:"reason,omitempty"`
}

// Record is the per-(session, intent) materialized, phased outcome.
type Record struct {
	mu sync.Mutex

	Fingerprint string `json:"fingerprint"`
	Account     string `json:"account"`
	IntentID    string `json:"intentId"`

	phase Phase

	SubmittedAt time.Time `json:"submittedAt,omitempty"`
	FirstFillAt time.Time `json:"firstFillAt,omitempty"`
	CompletedAt time.Time `json:"completedAt,omitempty"`

	Fills          []Fill  `json:"fills,omitempty"`
	RequestedPrice float64 `json:"requestedPrice,omitempty"`
	AvgFillPrice   float64 `json:"avgFillPrice,omitempty"`
	Slippage       float64 `json:"slippage,omitempty"`

	// Children links bracket child fingerprints to this parent.
	Children []string `json:"children,omitempty"`

	RejectionKind   ErrorKind `json:"rejectionKind,omitempty"`
	RejectionReason string    `json:"rejectionReason,omitempty"`

	Events []Transition `json:"events"`
}

var seq atomic.Uint64

// Fingerprint derives a stable identifier for one (account, intent) record.
// The monotonic sequence makes repeat submissions of an identical intent
// produce distinct fingerprints.
func Fingerprint(account string, in *Intent) string {
	n := seq.Add(1)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%d|%s|%.6f|%d", account, in.Action, in.Symbol, in.Quantity, in.Kind, in.Price, n)
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// NewRecord opens a record at PRE_VALIDATED for the given session and intent.
func NewRecord(account string, in *Intent) *Record {
	r := &Record{
		Fingerprint:    Fingerprint(account, in),
		Account:        account,
		IntentID:       in.ID,
		phase:          PhasePreValidated,
		RequestedPrice: in.Price,
	}
	r.Events = append(r.Events, Transition{At: time.Now(), To: PhasePreValidated})
	return r
}

// Phase returns the current phase.
func (r *Record) Phase() Phase {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.phase
}

// Advance moves the record forward. Backward or terminal-to-terminal moves
// return ErrPhaseRegression and leave the record untouched.
func (r *Record) Advance(to Phase, reason string) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	from := r.phase
	if phaseRank(to) <= phaseRank(from) {
		return fmt.Errorf("%w: %s -> %s", ErrPhaseRegression, from, to)
	}
	now := time.Now()
	r.phase = to
	r.Events = append(r.Events, Transition{At: now, From: from, To: to, Reason: reason})

	switch to {
	case PhaseSubmitted:
		r.SubmittedAt = now
	case PhaseOrphaned:
		metrics.OrdersOrphaned.Inc()
		r.CompletedAt = now
	default:
		if to.IsTerminal() {
			r.CompletedAt = now
		}
	}
	metrics.OrderPhaseTransitions.WithLabelValues(string(to)).Inc()
	return nil
}

// AddFill records one execution and maintains the fill aggregates.
func (r *Record) AddFill(f Fill) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if len(r.Fills) == 0 {
		r.FirstFillAt = f.At
	}
	r.Fills = append(r.Fills, f)

	var qty int
	var notional float64
	for _, fl := range r.Fills {
		qty += fl.Quantity
		notional += fl.Price * float64(fl.Quantity)
	}
	if qty > 0 {
		r.AvgFillPrice = notional / float64(qty)
		if r.RequestedPrice > 0 {
			r.Slippage = r.AvgFillPrice - r.RequestedPrice
		}
	}
}

// Reject closes the record with a classified rejection.
func (r *Record) Reject(kind ErrorKind, reason string) error {
	r.mu.Lock()
	r.RejectionKind = kind
	r.RejectionReason = reason
	r.mu.Unlock()
	return r.Advance(PhaseRejected, reason)
}
