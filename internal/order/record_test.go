// SPDX-License-Identifier: MIT

package order

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFingerprintUniqueness(t *testing.T) {
	in := validIntent()
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		fp := Fingerprint("acct-1", &in)
		assert.Len(t, fp, 16)
		assert.False(t, seen[fp], "identical intents must still produce distinct fingerprints")
		seen[fp] = true
	}
}

func TestRecordPhaseMonotonicity(t *testing.T) {
	in := validIntent()
	rec := NewRecord("acct-1", &in)
	assert.Equal(t, PhasePreValidated, rec.Phase())

	require.NoError(t, rec.Advance(PhaseSubmitted, ""))
	require.NoError(t, rec.Advance(PhaseAcknowledged, ""))
	require.NoError(t, rec.Advance(PhaseFilled, ""))

	// Terminal records never move again, not even to another terminal.
	assert.ErrorIs(t, rec.Advance(PhaseOrphaned, ""), ErrPhaseRegression)
	assert.ErrorIs(t, rec.Advance(PhaseSubmitted, ""), ErrPhaseRegression)
	assert.Equal(t, PhaseFilled, rec.Phase())
}

func TestRecordEventLog(t *testing.T) {
	in := validIntent()
	rec := NewRecord("acct-1", &in)
	require.NoError(t, rec.Advance(PhaseSubmitted, ""))
	require.NoError(t, rec.Advance(PhaseOrphaned, "no acknowledgement"))

	require.Len(t, rec.Events, 3)
	assert.Equal(t, PhasePreValidated, rec.Events[0].To)
	assert.Equal(t, PhaseOrphaned, rec.Events[2].To)
	assert.Equal(t, "no acknowledgement", rec.Events[2].Reason)
	assert.False(t, rec.CompletedAt.IsZero())
}

func TestRecordReject(t *testing.T) {
	in := validIntent()
	rec := NewRecord("acct-1", &in)
	require.NoError(t, rec.Reject(ErrKindInsufficientFunds, "insufficient funds"))

	assert.Equal(t, PhaseRejected, rec.Phase())
	assert.Equal(t, ErrKindInsufficientFunds, rec.RejectionKind)
	assert.Equal(t, "insufficient funds", rec.RejectionReason)
}

func TestRecordFillAggregates(t *testing.T) {
	in := validIntent()
	in.Kind = KindLimit
	in.Price = 100
	rec := NewRecord("acct-1", &in)

	now := time.Now()
	rec.AddFill(Fill{At: now, Price: 100.5, Quantity: 1})
	rec.AddFill(Fill{At: now.Add(time.Second), Price: 101.5, Quantity: 1})

	assert.Equal(t, 101.0, rec.AvgFillPrice)
	assert.Equal(t, 1.0, rec.Slippage)
	assert.Equal(t, now, rec.FirstFillAt)
}

func TestClassifier(t *testing.T) {
	c := NewSubstringClassifier()
	assert.Equal(t, ErrKindInsufficientFunds, c.Classify("Error: Insufficient Funds for this order"))
	assert.Equal(t, ErrKindMarketClosed, c.Classify("the market is closed"))
	assert.Equal(t, ErrKindUnknown, c.Classify("something novel"))

	c.Add("margen insuficiente", ErrKindInsufficientFunds)
	assert.Equal(t, ErrKindInsufficientFunds, c.Classify("MARGEN INSUFICIENTE"))
}
