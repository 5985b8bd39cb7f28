// SPDX-License-Identifier: MIT

package dispatch

import (
	"context"
	"strconv"
	"strings"
	"time"

	"github.com/tradewright/copyfleet/internal/driver"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/metrics"
	"github.com/tradewright/copyfleet/internal/order"
	"github.com/tradewright/copyfleet/internal/session"
)

// scheduleReconcile arranges a post-hoc account scrape for records that are
// not terminal yet: a submission that never produced an acknowledgement may
// still have executed, and treating it as no-execution would be the one
// unforgivable answer.
func (e *Engine) scheduleReconcile(sess *session.Session, records []*order.Record) {
	var pending []*order.Record
	for _, rec := range records {
		switch rec.Phase() {
		case order.PhaseSubmitted, order.PhaseAcknowledged:
			pending = append(pending, rec)
		}
	}
	if len(pending) == 0 {
		return
	}
	e.reconcileWG.Add(1)
	go func() {
		defer e.reconcileWG.Done()
		// Give the platform a moment to post fills before scraping.
		time.Sleep(e.cfg.DispatchGrace)
		e.reconcile(sess, pending)
	}()
}

// WaitReconciliation blocks until every scheduled reconciliation finished.
// Shutdown and tests use it.
func (e *Engine) WaitReconciliation() { e.reconcileWG.Wait() }

func (e *Engine) reconcile(sess *session.Session, records []*order.Record) {
	ctx, cancel := context.WithTimeout(context.Background(), e.cfg.DispatchGrace)
	defer cancel()

	sess.Lock()
	defer sess.Unlock()

	ch := sess.Active()
	if ch == nil {
		e.finishUnmatched(sess, records, "no channel for reconciliation")
		return
	}
	d := driver.New(sess.Account, ch, e.classifier, nil, e.cfg.WriteVerifyRetries)
	rows, err := d.ScrapeAccounts(ctx)
	if err != nil {
		e.finishUnmatched(sess, records, "account scrape failed: "+err.Error())
		return
	}

	fills := 0
	for _, row := range rows {
		if strings.EqualFold(row.Account, sess.Account) ||
			strings.EqualFold(row.Account, sess.Identity) {
			if n, err := strconv.Atoi(strings.TrimSpace(row.Fills)); err == nil {
				fills = n
			}
			break
		}
	}

	for _, rec := range records {
		phase := rec.Phase()
		if phase.IsTerminal() {
			continue
		}
		if fills > 0 {
			if err := rec.Advance(order.PhaseFilled, "reconciled against account table"); err == nil {
				metrics.ReconciliationMatches.WithLabelValues("filled").Inc()
				e.logger.Info().
					Str(log.FieldEvent, "dispatch.reconciled").
					Str(log.FieldAccount, sess.Account).
					Str(log.FieldFingerprint, rec.Fingerprint).
					Msg("post-hoc fill matched")
			}
			continue
		}
		if phase == order.PhaseSubmitted {
			e.orphan(sess, rec, "no fill found at reconciliation")
		}
		// ACKNOWLEDGED with no visible fill yet stays open; the platform
		// confirmed receipt, execution may simply be pending.
	}
}

// finishUnmatched flags every still-submitted record when reconciliation
// itself could not run.
func (e *Engine) finishUnmatched(sess *session.Session, records []*order.Record, why string) {
	for _, rec := range records {
		if rec.Phase() == order.PhaseSubmitted {
			e.orphan(sess, rec, why)
		}
	}
}

func (e *Engine) orphan(sess *session.Session, rec *order.Record, why string) {
	if err := rec.Advance(order.PhaseOrphaned, why); err != nil {
		return
	}
	metrics.ReconciliationMatches.WithLabelValues("orphaned").Inc()
	e.AlertFn(sess.Account, "order "+rec.Fingerprint+" orphaned: "+why)
}
