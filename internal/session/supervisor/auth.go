// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/creds"
	"github.com/tradewright/copyfleet/internal/log"
)

// Page status classifications returned by pageStatusExpr.
const (
	statusLoading       = "loading"
	statusLogin         = "login"
	statusChooser       = "chooser"
	statusAuthenticated = "authenticated"
	statusUnknown       = "unknown"
)

// pageStatusExpr classifies the current page: still loading, showing the
// login form, showing the account chooser, or fully authenticated.
const pageStatusExpr = `(() => {
  if (document.readyState !== 'complete') return 'loading';
  if (document.querySelector('form.login, #login-form, input[name="password"]')) return 'login';
  if (document.querySelector('.account-chooser, .account-select')) return 'chooser';
  if (document.querySelector('.order-ticket, .trading-panel')) return 'authenticated';
  return 'unknown';
})()`

var ErrAuthFailed = errors.New("authentication did not complete")

// pageStatus evaluates the classification expression on the channel.
func pageStatus(ctx context.Context, ev cdp.Evaluator) (string, error) {
	raw, err := ev.Eval(ctx, pageStatusExpr)
	if err != nil {
		return "", err
	}
	var status string
	if err := json.Unmarshal(raw, &status); err != nil {
		return "", fmt.Errorf("parse page status: %w", err)
	}
	return status, nil
}

// replayExpr fills the login form with the native value setter (framework
// change detection ignores plain .value writes) and submits it.
func replayExpr(identity, secret string) string {
	return fmt.Sprintf(`(() => {
  const form = document.querySelector('form.login, #login-form') || document;
  const user = form.querySelector('input[name="username"], input[name="email"], input[type="text"], input[type="email"]');
  const pass = form.querySelector('input[name="password"], input[type="password"]');
  if (!user || !pass) return 'no-form';
  const set = Object.getOwnPropertyDescriptor(window.HTMLInputElement.prototype, 'value').set;
  for (const [el, v] of [[user, %q], [pass, %q]]) {
    set.call(el, v);
    el.dispatchEvent(new Event('input', { bubbles: true }));
    el.dispatchEvent(new Event('change', { bubbles: true }));
  }
  const btn = form.querySelector('button[type="submit"], input[type="submit"], button.login');
  if (btn) { btn.click(); return 'submitted'; }
  if (form.requestSubmit) { form.requestSubmit(); return 'submitted'; }
  return 'no-submit';
})()`, identity, secret)
}

// chooseAccountExpr clicks the chooser entry whose text contains the identity.
func chooseAccountExpr(identity string) string {
	return fmt.Sprintf(`(() => {
  const rows = document.querySelectorAll('.account-chooser .option, .account-select option, .account-chooser li');
  for (const row of rows) {
    if ((row.textContent || '').includes(%q)) { row.click(); return 'chosen'; }
  }
  return 'not-found';
})()`, identity)
}

// authenticate drives the login flow until the page reports authenticated or
// the phase budget runs out. Re-entrant: the login sentinel calls it again
// whenever the form reappears mid-life.
func (s *Supervisor) authenticate(ctx context.Context, ev cdp.Evaluator, cred creds.Credential) error {
	logger := log.WithComponent("supervisor")
	deadline := time.Now().Add(s.cfg.StartupPhaseBudget)
	replayed := false

	for time.Now().Before(deadline) {
		if err := ctx.Err(); err != nil {
			return err
		}
		status, err := pageStatus(ctx, ev)
		if err != nil {
			logger.Debug().Err(err).Str(log.FieldAccount, cred.Label).Msg("page status probe failed")
			sleepCtx(ctx, time.Second)
			continue
		}

		switch status {
		case statusAuthenticated:
			return nil
		case statusLogin:
			// One replay per sighting of the form; a second sighting means
			// the first attempt bounced.
			raw, err := ev.Eval(ctx, replayExpr(cred.Identity, cred.Secret))
			if err != nil {
				return fmt.Errorf("credential replay: %w", err)
			}
			if replayed {
				logger.Warn().Str(log.FieldAccount, cred.Label).Msg("login form reappeared after replay")
			}
			replayed = true
			logger.Info().
				Str(log.FieldEvent, "session.auth.replay").
				Str(log.FieldAccount, cred.Label).
				Str("result", string(raw)).
				Msg("credential replay submitted")
			sleepCtx(ctx, 2*time.Second)
		case statusChooser:
			if _, err := ev.Eval(ctx, chooseAccountExpr(cred.Identity)); err != nil {
				return fmt.Errorf("account chooser: %w", err)
			}
			sleepCtx(ctx, time.Second)
		default: // loading / unknown
			sleepCtx(ctx, time.Second)
		}
	}
	return fmt.Errorf("%w for %s", ErrAuthFailed, cred.Label)
}

func sleepCtx(ctx context.Context, d time.Duration) {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}
