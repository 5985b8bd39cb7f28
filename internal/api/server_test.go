// SPDX-License-Identifier: MIT

package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewright/copyfleet/internal/catalog"
	"github.com/tradewright/copyfleet/internal/config"
	"github.com/tradewright/copyfleet/internal/dispatch"
	"github.com/tradewright/copyfleet/internal/health"
	"github.com/tradewright/copyfleet/internal/order"
	"github.com/tradewright/copyfleet/internal/session"
	"github.com/tradewright/copyfleet/internal/session/recovery"
)

func newTestServer(t *testing.T, reload Reloader) (*Server, *session.Registry) {
	t.Helper()
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.WebhookPassphrase = "open-sesame"
	cfg.DispatchGrace = 10 * time.Millisecond

	reg := session.NewRegistry()
	store, err := recovery.NewStore(t.TempDir())
	require.NoError(t, err)
	engine := dispatch.New(cfg, reg, store, catalog.Default())

	manager := health.NewManager("test")
	manager.RegisterChecker(&health.FleetChecker{Registry: reg})

	return New(cfg, engine, reg, manager, reload), reg
}

func post(t *testing.T, h http.Handler, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func get(t *testing.T, h http.Handler, path string) *httptest.ResponseRecorder {
	t.Helper()
	req := httptest.NewRequest(http.MethodGet, path, nil)
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}

func TestWebhookAuthentication(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	t.Run("wrong passphrase", func(t *testing.T) {
		rr := post(t, h, "/webhook", `{"passphrase":"guess","action":"buy","symbol":"NQZ5","quantity":1}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("missing passphrase", func(t *testing.T) {
		rr := post(t, h, "/webhook", `{"action":"buy","symbol":"NQZ5","quantity":1}`)
		assert.Equal(t, http.StatusUnauthorized, rr.Code)
	})

	t.Run("malformed body never reaches dispatch", func(t *testing.T) {
		rr := post(t, h, "/webhook", `{"passphrase":`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("valid alert with an empty fleet reports failure in-band", func(t *testing.T) {
		rr := post(t, h, "/webhook", `{"passphrase":"open-sesame","action":"buy","symbol":"NQZ5","quantity":1}`)
		assert.Equal(t, http.StatusOK, rr.Code)

		var body struct {
			Aggregate string `json:"aggregate"`
			Error     string `json:"error"`
		}
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, string(dispatch.AggregateFailure), body.Aggregate)
		assert.Contains(t, body.Error, "no eligible sessions")
	})
}

func TestWebhookDisabledWithoutConfiguredPassphrase(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	srv.cfg.WebhookPassphrase = ""
	h := srv.Handler()

	rr := post(t, h, "/webhook", `{"passphrase":"","action":"buy","symbol":"NQZ5","quantity":1}`)
	assert.Equal(t, http.StatusUnauthorized, rr.Code, "an empty configured passphrase must not mean open access")
}

func TestDispatchEndpointValidation(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	t.Run("malformed JSON", func(t *testing.T) {
		rr := post(t, h, "/api/dispatch", `{`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("unknown action", func(t *testing.T) {
		rr := post(t, h, "/api/dispatch", `{"action":"hold","symbol":"NQZ5","quantity":1}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("scale-in divisibility is structural", func(t *testing.T) {
		rr := post(t, h, "/api/dispatch",
			`{"action":"buy","symbol":"NQZ5","quantity":5,"order_type":"limit","price":20000,"scale_in_enabled":true,"scale_in_levels":3,"scale_in_ticks":4}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Contains(t, body.Error, "scale-in")
	})

	t.Run("quantity below the level count is rejected", func(t *testing.T) {
		rr := post(t, h, "/api/dispatch",
			`{"action":"buy","symbol":"NQZ5","quantity":1,"scale_in_enabled":true,"scale_in_levels":4,"scale_in_ticks":8}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)

		var body errorResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Contains(t, body.Error, "scale-in")
	})

	t.Run("request id echoed", func(t *testing.T) {
		rr := post(t, h, "/api/dispatch", `{`)
		assert.NotEmpty(t, rr.Header().Get(requestIDHeader))
	})
}

func TestDispatchAcceptsDashboardPayload(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	// The dashboard's documented body shape must be accepted verbatim;
	// fleet-level failure surfaces in-band, never as a 4xx.
	body := `{ "symbol":"NQ", "quantity":4, "action":"Buy", "tick_size":0.25,
  "account":"all", "enable_tp":true, "enable_sl":true,
  "tp_ticks":100, "sl_ticks":40,
  "scale_in_enabled":true, "scale_in_levels":4, "scale_in_ticks":20 }`
	rr := post(t, h, "/api/dispatch", body)
	require.Equal(t, http.StatusOK, rr.Code)

	var res struct {
		IntentID   string            `json:"intent_id"`
		Aggregate  string            `json:"aggregate"`
		PerAccount []json.RawMessage `json:"per_account"`
		Error      string            `json:"error"`
	}
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &res))
	assert.NotEmpty(t, res.IntentID)
	assert.Equal(t, string(dispatch.AggregateFailure), res.Aggregate)
	assert.Contains(t, res.Error, "no eligible sessions")
	assert.Empty(t, res.PerAccount)
}

func TestWebhookTradeType(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	t.Run("market alert passes without a price", func(t *testing.T) {
		rr := post(t, h, "/webhook",
			`{"passphrase":"open-sesame","action":"sell","symbol":"ESH26","quantity":2,"tradeType":"market"}`)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("limit alert without a price is structural", func(t *testing.T) {
		rr := post(t, h, "/webhook",
			`{"passphrase":"open-sesame","action":"buy","symbol":"NQZ5","quantity":1,"tradeType":"limit"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})

	t.Run("bracket alert passes with bare tick counts", func(t *testing.T) {
		rr := post(t, h, "/webhook",
			`{"passphrase":"open-sesame","action":"buy","symbol":"NQZ5","quantity":1,"tradeType":"bracket","tp_ticks":100,"sl_ticks":40}`)
		assert.Equal(t, http.StatusOK, rr.Code)
	})

	t.Run("unknown tradeType is rejected", func(t *testing.T) {
		rr := post(t, h, "/webhook",
			`{"passphrase":"open-sesame","action":"buy","symbol":"NQZ5","quantity":1,"tradeType":"trailing"}`)
		assert.Equal(t, http.StatusBadRequest, rr.Code)
	})
}

func TestWebhookNormalize(t *testing.T) {
	alert := func(tradeType string) webhookRequest {
		return webhookRequest{
			intentRequest: intentRequest{Action: "buy", Symbol: "NQZ5", Quantity: 2},
			TradeType:     tradeType,
		}
	}

	t.Run("market forces an unpriced market entry", func(t *testing.T) {
		req := alert("Market")
		req.OrderType = "limit"
		req.Price = 20000
		require.NoError(t, req.normalize())

		in, err := req.toIntent()
		require.NoError(t, err)
		assert.Equal(t, order.KindMarket, in.Kind)
		assert.Zero(t, in.Price)
	})

	t.Run("limit switches the kind and keeps the price", func(t *testing.T) {
		req := alert("limit")
		req.Price = 20000
		require.NoError(t, req.normalize())

		in, err := req.toIntent()
		require.NoError(t, err)
		assert.Equal(t, order.KindLimit, in.Kind)
		assert.Equal(t, 20000.0, in.Price)
	})

	t.Run("bracket enables both legs with the body's ticks", func(t *testing.T) {
		req := alert("bracket")
		req.TPTicks = 100
		req.SLTicks = 40
		require.NoError(t, req.normalize())

		in, err := req.toIntent()
		require.NoError(t, err)
		require.NotNil(t, in.Bracket)
		assert.True(t, in.Bracket.TakeProfit)
		assert.True(t, in.Bracket.StopLoss)
		assert.Equal(t, 100, in.Bracket.TakeProfitTicks)
		assert.Equal(t, 40, in.Bracket.StopLossTicks)
	})

	t.Run("bracket with no ticks defers to the catalog", func(t *testing.T) {
		req := alert("bracket")
		require.NoError(t, req.normalize())

		in, err := req.toIntent()
		require.NoError(t, err)
		require.NotNil(t, in.Bracket)
		assert.Zero(t, in.Bracket.TakeProfitTicks)
		assert.Zero(t, in.Bracket.StopLossTicks)
	})

	t.Run("empty tradeType leaves the request alone", func(t *testing.T) {
		req := alert("")
		req.OrderType = "limit"
		req.Price = 100
		require.NoError(t, req.normalize())

		in, err := req.toIntent()
		require.NoError(t, err)
		assert.Equal(t, order.KindLimit, in.Kind)
		assert.Nil(t, in.Bracket)
	})

	t.Run("unknown tradeType errors", func(t *testing.T) {
		req := alert("trailing")
		assert.Error(t, req.normalize())
	})
}

func TestSessionsEndpoint(t *testing.T) {
	srv, reg := newTestServer(t, nil)
	h := srv.Handler()

	sess := session.NewSession("acct-1", "trader@example.com", 9301, 9401)
	sess.SetContext(session.TradingContext{Symbol: "NQZ5", Quantity: 2})
	require.NoError(t, reg.Register(sess))

	rr := get(t, h, "/api/sessions")
	require.Equal(t, http.StatusOK, rr.Code)

	var views []sessionView
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &views))
	require.Len(t, views, 1)
	assert.Equal(t, "acct-1", views[0].Account)
	assert.Equal(t, "INITIAL", views[0].Phase)
	assert.Equal(t, "NQZ5", views[0].Symbol)
	assert.False(t, views[0].Eligible)
}

func TestInstrumentsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)

	rr := get(t, srv.Handler(), "/api/instruments")
	require.Equal(t, http.StatusOK, rr.Code)

	var table []catalog.Instrument
	require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &table))
	require.Len(t, table, 10)
	assert.Equal(t, "6E", table[0].Root, "rows come back sorted by root")
}

func TestProbeEndpoints(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	h := srv.Handler()

	t.Run("healthz is alive even with a dark fleet", func(t *testing.T) {
		rr := get(t, h, "/healthz")
		assert.Equal(t, http.StatusOK, rr.Code)

		var body health.HealthResponse
		require.NoError(t, json.Unmarshal(rr.Body.Bytes(), &body))
		assert.Equal(t, health.StatusUnhealthy, body.Status)
	})

	t.Run("readyz refuses with no sessions", func(t *testing.T) {
		rr := get(t, h, "/readyz")
		assert.Equal(t, http.StatusServiceUnavailable, rr.Code)
	})
}

func TestReloadEndpoint(t *testing.T) {
	t.Run("not wired", func(t *testing.T) {
		srv, _ := newTestServer(t, nil)
		rr := post(t, srv.Handler(), "/api/reload", "")
		assert.Equal(t, http.StatusNotImplemented, rr.Code)
	})

	t.Run("applies", func(t *testing.T) {
		srv, _ := newTestServer(t, func(context.Context) (int, error) { return 2, nil })
		rr := post(t, srv.Handler(), "/api/reload", "")
		require.Equal(t, http.StatusOK, rr.Code)
		assert.JSONEq(t, `{"added":2}`, rr.Body.String())
	})

	t.Run("failure surfaces", func(t *testing.T) {
		srv, _ := newTestServer(t, func(context.Context) (int, error) {
			return 0, errors.New("credential store unreadable")
		})
		rr := post(t, srv.Handler(), "/api/reload", "")
		assert.Equal(t, http.StatusInternalServerError, rr.Code)
	})
}

func TestMetricsEndpoint(t *testing.T) {
	srv, _ := newTestServer(t, nil)
	rr := get(t, srv.Handler(), "/metrics")
	assert.Equal(t, http.StatusOK, rr.Code)
	assert.Contains(t, rr.Body.String(), "go_goroutines")
}
