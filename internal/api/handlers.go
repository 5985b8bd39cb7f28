// SPDX-License-Identifier: MIT

package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/tradewright/copyfleet/internal/dispatch"
	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/order"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

// intentRequest is the flat dashboard dispatch payload. Bracket legs and the
// scale-in plan ride at the top level behind their enable flags.
type intentRequest struct {
	Symbol    string  `json:"symbol"`
	Quantity  int     `json:"quantity"`
	Action    string  `json:"action"`
	OrderType string  `json:"order_type"`
	Price     float64 `json:"price"`
	TickSize  float64 `json:"tick_size"`
	Account   string  `json:"account"`

	EnableTP bool `json:"enable_tp"`
	EnableSL bool `json:"enable_sl"`
	TPTicks  int  `json:"tp_ticks"`
	SLTicks  int  `json:"sl_ticks"`

	ScaleInEnabled bool    `json:"scale_in_enabled"`
	ScaleInLevels  int     `json:"scale_in_levels"`
	ScaleInTicks   float64 `json:"scale_in_ticks"`
}

// toIntent normalizes the request into a validated-ready intent. Disabled
// bracket legs and scale-in plans are dropped rather than carried as zeros.
func (req *intentRequest) toIntent() (*order.Intent, error) {
	action, err := order.ParseAction(req.Action)
	if err != nil {
		return nil, err
	}
	kind, err := order.ParseKind(req.OrderType)
	if err != nil {
		return nil, err
	}
	in := &order.Intent{
		ID:       uuid.NewString(),
		Action:   action,
		Symbol:   req.Symbol,
		Quantity: req.Quantity,
		Kind:     kind,
		Price:    req.Price,
		TickSize: req.TickSize,
		Account:  req.Account,
	}
	if req.EnableTP || req.EnableSL {
		in.Bracket = &order.Bracket{
			TakeProfit:      req.EnableTP,
			TakeProfitTicks: req.TPTicks,
			StopLoss:        req.EnableSL,
			StopLossTicks:   req.SLTicks,
		}
	}
	if req.ScaleInEnabled {
		in.ScaleIn = &order.ScaleIn{Levels: req.ScaleInLevels, SpacingTicks: req.ScaleInTicks}
	}
	return in, nil
}

// handleDispatch accepts a dashboard intent and fans it out. Structural
// problems are 400s; fleet-level failures come back inside the result.
func (s *Server) handleDispatch(w http.ResponseWriter, r *http.Request) {
	var req intentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON: " + err.Error()})
		return
	}
	in, err := req.toIntent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.runIntent(w, r, in, "dashboard")
}

// webhookRequest is the TradingView-style alert payload.
type webhookRequest struct {
	intentRequest
	Passphrase string `json:"passphrase"`
	TradeType  string `json:"tradeType"`
}

// normalize folds the alert's tradeType onto the flat fields: market forces
// an unpriced market entry, limit a priced one, bracket enables both
// protection legs with whatever tick counts the body carries (zeros are
// backfilled from the catalog downstream).
func (req *webhookRequest) normalize() error {
	switch strings.ToLower(strings.TrimSpace(req.TradeType)) {
	case "":
	case "market":
		req.OrderType = "market"
		req.Price = 0
	case "limit":
		req.OrderType = "limit"
	case "bracket":
		req.EnableTP = true
		req.EnableSL = true
	default:
		return fmt.Errorf("invalid tradeType %q", req.TradeType)
	}
	return nil
}

// handleWebhook authenticates the alert passphrase before treating the body
// as an intent. Missing or wrong passphrase is a 401; a malformed body is a
// 400 and never reaches dispatch.
func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: "malformed JSON: " + err.Error()})
		return
	}
	if s.cfg.WebhookPassphrase == "" ||
		subtle.ConstantTimeCompare([]byte(req.Passphrase), []byte(s.cfg.WebhookPassphrase)) != 1 {
		writeJSON(w, http.StatusUnauthorized, errorResponse{Error: "invalid passphrase"})
		return
	}
	if err := req.normalize(); err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	in, err := req.toIntent()
	if err != nil {
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	s.runIntent(w, r, in, "webhook")
}

func (s *Server) runIntent(w http.ResponseWriter, r *http.Request, in *order.Intent, source string) {
	ctx := log.ContextWithCorrelationID(r.Context(), in.ID)

	res, err := s.engine.Dispatch(ctx, in, source)
	if err != nil {
		if errors.Is(err, dispatch.ErrNoEligibleSessions) || errors.Is(err, dispatch.ErrUnknownAccount) {
			res.Aggregate = dispatch.AggregateFailure
			res.IntentID = in.ID
			writeJSON(w, http.StatusOK, struct {
				dispatch.Result
				Error string `json:"error"`
			}{Result: res, Error: err.Error()})
			return
		}
		// Structural rejection, including scale-in divisibility.
		writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, res)
}

// sessionView is the registry snapshot row.
type sessionView struct {
	Account   string    `json:"account"`
	Identity  string    `json:"identity"`
	Port      int       `json:"port"`
	PID       int       `json:"pid,omitempty"`
	Phase     string    `json:"phase"`
	Health    string    `json:"health"`
	Eligible  bool      `json:"eligible"`
	Restarts  int       `json:"restarts"`
	Symbol    string    `json:"symbol,omitempty"`
	Quantity  int       `json:"quantity,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}

func (s *Server) handleSessions(w http.ResponseWriter, r *http.Request) {
	sessions := s.registry.Snapshot()
	out := make([]sessionView, 0, len(sessions))
	for _, sess := range sessions {
		tc := sess.Context()
		out = append(out, sessionView{
			Account:   sess.Account,
			Identity:  sess.Identity,
			Port:      sess.Port,
			PID:       sess.GetPID(),
			Phase:     string(sess.Phase()),
			Health:    string(sess.Health()),
			Eligible:  sess.Eligible(),
			Restarts:  sess.Restarts(),
			Symbol:    tc.Symbol,
			Quantity:  tc.Quantity,
			CreatedAt: sess.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Server) handleInstruments(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.engine.Instruments())
}

func (s *Server) handleReload(w http.ResponseWriter, r *http.Request) {
	if s.reload == nil {
		writeJSON(w, http.StatusNotImplemented, errorResponse{Error: "reload not wired"})
		return
	}
	added, err := s.reload(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, errorResponse{Error: err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]int{"added": added})
}

func (s *Server) handleHealthz(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.manager.Health(r.Context()))
}

func (s *Server) handleReadyz(w http.ResponseWriter, r *http.Request) {
	resp := s.manager.Ready(r.Context())
	status := http.StatusOK
	if !resp.Ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}
