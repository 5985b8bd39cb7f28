// SPDX-License-Identifier: MIT

// Package order defines the trading intent and order record model shared by
// the dispatcher, the driver, and the HTTP surfaces.
package order

import (
	"errors"
	"fmt"
	"strings"
)

// Action is the trade direction.
type Action string

const (
	ActionBuy  Action = "BUY"
	ActionSell Action = "SELL"
)

// Kind is the order type.
type Kind string

const (
	KindMarket Kind = "MARKET"
	KindLimit  Kind = "LIMIT"
	KindStop   Kind = "STOP"
)

var (
	ErrInvalidAction       = errors.New("invalid action")
	ErrInvalidKind         = errors.New("invalid order kind")
	ErrInvalidQuantity     = errors.New("quantity must be > 0")
	ErrNegativeBracket     = errors.New("bracket ticks must be >= 0")
	ErrMissingSymbol       = errors.New("symbol is required")
	ErrMissingPrice        = errors.New("limit/stop intents require a price")
	ErrScaleInLevels       = errors.New("scale-in levels must be >= 1")
	ErrScaleInDivisibility = errors.New("scale-in levels must divide quantity with at least one contract per level")
)

// ParseAction normalizes dashboard/webhook action spellings ("Buy", "sell").
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "BUY":
		return ActionBuy, nil
	case "SELL":
		return ActionSell, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidAction, s)
	}
}

// ParseKind normalizes order kind spellings.
func ParseKind(s string) (Kind, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "", "MARKET":
		return KindMarket, nil
	case "LIMIT":
		return KindLimit, nil
	case "STOP":
		return KindStop, nil
	default:
		return "", fmt.Errorf("%w: %q", ErrInvalidKind, s)
	}
}

// Bracket is the optional take-profit / stop-loss attachment, in ticks off
// the entry price. Each leg carries its own enable flag; an enabled leg with
// zero ticks means "use the instrument default" and is backfilled from the
// catalog before fan-out.
type Bracket struct {
	TakeProfit      bool `json:"enable_tp"`
	TakeProfitTicks int  `json:"tp_ticks,omitempty"`
	StopLoss        bool `json:"enable_sl"`
	StopLossTicks   int  `json:"sl_ticks,omitempty"`
}

// Enabled reports whether at least one leg is active. Safe on a nil bracket.
func (b *Bracket) Enabled() bool {
	return b != nil && (b.TakeProfit || b.StopLoss)
}

// ScaleIn is an optional plan to ladder the entry across price levels.
type ScaleIn struct {
	Levels       int     `json:"scale_in_levels"`
	SpacingTicks float64 `json:"scale_in_ticks"`
}

// Intent is a declarative trade request prior to per-account materialization.
type Intent struct {
	ID       string   `json:"id"` // correlation id assigned at ingestion
	Action   Action   `json:"action"`
	Symbol   string   `json:"symbol"`
	Quantity int      `json:"quantity"`
	Kind     Kind     `json:"order_type"`
	Price    float64  `json:"price,omitempty"` // limit or stop price
	TickSize float64  `json:"tick_size,omitempty"`
	Bracket  *Bracket `json:"bracket,omitempty"`
	ScaleIn  *ScaleIn `json:"scale_in,omitempty"`

	// Account restricts fan-out to one session label; empty or "all" means
	// every eligible session.
	Account string `json:"account,omitempty"`

	// StateProbe marks diagnostics that may target sessions not yet READY.
	StateProbe bool `json:"state_probe,omitempty"`
}

// Validate performs the structural checks the dispatcher runs before fan-out.
func (in *Intent) Validate() error {
	if strings.TrimSpace(in.Symbol) == "" {
		return ErrMissingSymbol
	}
	switch in.Action {
	case ActionBuy, ActionSell:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidAction, in.Action)
	}
	switch in.Kind {
	case KindMarket, KindLimit, KindStop:
	default:
		return fmt.Errorf("%w: %q", ErrInvalidKind, in.Kind)
	}
	if in.Quantity <= 0 {
		return fmt.Errorf("%w: got %d", ErrInvalidQuantity, in.Quantity)
	}
	if in.Kind != KindMarket && in.Price <= 0 {
		return ErrMissingPrice
	}
	if b := in.Bracket; b.Enabled() {
		if (b.TakeProfit && b.TakeProfitTicks < 0) || (b.StopLoss && b.StopLossTicks < 0) {
			return fmt.Errorf("%w: tp=%d sl=%d", ErrNegativeBracket, b.TakeProfitTicks, b.StopLossTicks)
		}
	}
	if s := in.ScaleIn; s != nil {
		if s.Levels < 1 {
			return fmt.Errorf("%w: got %d", ErrScaleInLevels, s.Levels)
		}
		if s.Levels > 1 && (in.Quantity < s.Levels || in.Quantity%s.Levels != 0) {
			return fmt.Errorf("%w: quantity=%d levels=%d", ErrScaleInDivisibility, in.Quantity, s.Levels)
		}
	}
	return nil
}

// Levels returns the number of scale-in levels, 1 when no plan is set.
func (in *Intent) Levels() int {
	if in.ScaleIn == nil || in.ScaleIn.Levels < 1 {
		return 1
	}
	return in.ScaleIn.Levels
}

// SubIntents decomposes a scale-in parent into per-level child intents of
// quantity/levels contracts each, spaced by the plan's tick spacing.
// Validate must have accepted the intent first.
func (in *Intent) SubIntents() []Intent {
	levels := in.Levels()
	if levels == 1 {
		return []Intent{*in}
	}
	children := make([]Intent, 0, levels)
	qty := in.Quantity / levels
	for i := 0; i < levels; i++ {
		child := *in
		child.Quantity = qty
		child.ScaleIn = nil
		if in.Kind != KindMarket {
			offset := float64(i) * in.ScaleIn.SpacingTicks * in.TickSize
			if in.Action == ActionBuy {
				child.Price = in.Price - offset
			} else {
				child.Price = in.Price + offset
			}
		}
		children = append(children, child)
	}
	return children
}
