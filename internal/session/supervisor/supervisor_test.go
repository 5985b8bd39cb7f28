// SPDX-License-Identifier: MIT

package supervisor

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewright/copyfleet/internal/cdp/cdptest"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/creds"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
)

func newTestSupervisor(t *testing.T) *Supervisor {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.StartupPhaseBudget = 10 * time.Second

	ports, err := session.NewPortAllocator(9300, 10)
	require.NoError(t, err)
	store, err := recovery.NewStore(t.TempDir())
	require.NoError(t, err)
	return New(cfg, session.NewRegistry(), ports, store)
}

func TestRestartBackoff(t *testing.T) {
	base := 2 * time.Second
	limit := 30 * time.Second

	assert.Equal(t, 2*time.Second, restartBackoff(1, base, limit))
	assert.Equal(t, 4*time.Second, restartBackoff(2, base, limit))
	assert.Equal(t, 8*time.Second, restartBackoff(3, base, limit))
	assert.Equal(t, 16*time.Second, restartBackoff(4, base, limit))
	assert.Equal(t, limit, restartBackoff(5, base, limit))
	assert.Equal(t, limit, restartBackoff(20, base, limit), "doubling stays capped")
}

func TestBrowserArgs(t *testing.T) {
	args := browserArgs("/var/lib/copyfleet/profiles/acct-1", 9301, "https://platform.example.com/trade")

	assert.Contains(t, args, "--remote-debugging-port=9301")
	assert.Contains(t, args, "--user-data-dir=/var/lib/copyfleet/profiles/acct-1")
	assert.Contains(t, args, "--no-first-run")
	assert.Equal(t, "https://platform.example.com/trade", args[len(args)-1], "app URL is the positional argument")

	for _, a := range args {
		assert.NotContains(t, a, "9222", "the bootstrap port is never launched by the supervisor")
	}
}

func TestRequestRestart(t *testing.T) {
	s := newTestSupervisor(t)

	assert.False(t, s.RequestRestart("acct-unknown", "whatever"))

	s.mu.Lock()
	s.restarts["acct-1"] = make(chan string, 1)
	s.mu.Unlock()

	assert.True(t, s.RequestRestart("acct-1", "recovery_exhausted"))
	assert.False(t, s.RequestRestart("acct-1", "again"), "a pending restart is not queued twice")

	s.mu.Lock()
	ch := s.restarts["acct-1"]
	s.mu.Unlock()
	assert.Equal(t, "recovery_exhausted", <-ch)
}

func TestAliveWithoutProcess(t *testing.T) {
	s := newTestSupervisor(t)
	sess := session.NewSession("acct-1", "trader@example.com", 9301, 9401)
	assert.False(t, s.Alive(sess), "a session that never launched has no live pid")
}

func TestTeardownFlushesContext(t *testing.T) {
	s := newTestSupervisor(t)
	sess := session.NewSession("acct-1", "trader@example.com", 9301, 9401)
	sess.SetContext(session.TradingContext{Identity: "trader@example.com", Symbol: "ESH26", Quantity: 2})

	s.teardown(sess)

	tc, err := s.store.Load("acct-1")
	require.NoError(t, err)
	assert.Equal(t, "ESH26", tc.Symbol)
	assert.Equal(t, 2, tc.Quantity)
}

// ticketPage answers every driver call affirmatively and echoes the restored
// symbol on the ticket read-back.
func ticketPage(symbol string) cdptest.EvalFunc {
	return func(expr string) (any, error) {
		if strings.Contains(expr, "changeTicketSymbol") {
			return map[string]any{"ok": true, "value": symbol}, nil
		}
		return map[string]any{"ok": true}, nil
	}
}

func TestRestoreContextFlagsStaleInFlight(t *testing.T) {
	s := newTestSupervisor(t)

	seed := session.TradingContext{
		Identity: "trader@example.com",
		Symbol:   "NQZ5",
		Quantity: 3,
		TickSize: 0.25,
		InFlight: []string{"fp-dead-1", "fp-dead-2"},
	}
	require.NoError(t, s.store.Save("acct-1", seed))

	var alerts []string
	s.AlertFn = func(account, message string) { alerts = append(alerts, account+": "+message) }

	endpoint := cdptest.New(t, ticketPage("NQZ5"))
	sess := session.NewSession("acct-1", "trader@example.com", endpoint.Port(), 0)
	sess.SetChannels(endpoint.Dial(t), nil)

	s.restoreContext(context.Background(), sess, testCred())

	tc := sess.Context()
	assert.Equal(t, "NQZ5", tc.Symbol)
	assert.Empty(t, tc.InFlight, "dead-life fingerprints are cleared at restore")

	onDisk, err := s.store.Load("acct-1")
	require.NoError(t, err)
	assert.Empty(t, onDisk.InFlight)

	require.Len(t, alerts, 1)
	assert.Contains(t, alerts[0], "2 order(s) were in flight")
}

// loginPage scripts the authentication page: a queue of page-status answers
// plus counters for the replay and chooser expressions.
type loginPage struct {
	mu       sync.Mutex
	statuses []string
	replays  int
	chosen   int
}

func (p *loginPage) Eval(_ context.Context, expr string) (json.RawMessage, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch {
	case strings.Contains(expr, "readyState"):
		status := statusAuthenticated
		if len(p.statuses) > 0 {
			status, p.statuses = p.statuses[0], p.statuses[1:]
		}
		return json.Marshal(status)
	case strings.Contains(expr, "HTMLInputElement"):
		p.replays++
		return json.RawMessage(`"submitted"`), nil
	case strings.Contains(expr, "textContent"):
		p.chosen++
		return json.RawMessage(`"chosen"`), nil
	}
	return json.RawMessage(`null`), nil
}

func testCred() creds.Credential {
	return creds.Credential{Label: "acct-1", Identity: "trader@example.com", Secret: "hunter2"}
}

func TestAuthenticate(t *testing.T) {
	t.Run("already authenticated", func(t *testing.T) {
		s := newTestSupervisor(t)
		page := &loginPage{statuses: []string{statusAuthenticated}}

		require.NoError(t, s.authenticate(context.Background(), page, testCred()))
		assert.Zero(t, page.replays, "no replay when the session is already in")
	})

	t.Run("replays credentials once per form sighting", func(t *testing.T) {
		s := newTestSupervisor(t)
		page := &loginPage{statuses: []string{statusLogin, statusAuthenticated}}

		require.NoError(t, s.authenticate(context.Background(), page, testCred()))
		assert.Equal(t, 1, page.replays)
	})

	t.Run("drives the account chooser", func(t *testing.T) {
		s := newTestSupervisor(t)
		page := &loginPage{statuses: []string{statusChooser, statusAuthenticated}}

		require.NoError(t, s.authenticate(context.Background(), page, testCred()))
		assert.Equal(t, 1, page.chosen)
		assert.Zero(t, page.replays)
	})

	t.Run("budget exhaustion", func(t *testing.T) {
		s := newTestSupervisor(t)
		s.cfg.StartupPhaseBudget = 50 * time.Millisecond
		page := &loginPage{statuses: []string{statusLoading, statusLoading, statusLoading}}

		err := s.authenticate(context.Background(), page, testCred())
		assert.ErrorIs(t, err, ErrAuthFailed)
	})

	t.Run("cancellation", func(t *testing.T) {
		s := newTestSupervisor(t)
		ctx, cancel := context.WithCancel(context.Background())
		cancel()
		page := &loginPage{statuses: []string{statusLogin}}

		err := s.authenticate(ctx, page, testCred())
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestPageStatus(t *testing.T) {
	page := &loginPage{statuses: []string{statusLogin}}
	status, err := pageStatus(context.Background(), page)
	require.NoError(t, err)
	assert.Equal(t, statusLogin, status)
}

func TestReplayExprEscapesCredentials(t *testing.T) {
	expr := replayExpr(`trader@example.com`, `pa"ss`)
	assert.Contains(t, expr, `"trader@example.com"`)
	assert.Contains(t, expr, `"pa\"ss"`, "secrets are JS-escaped, never spliced raw")
}
