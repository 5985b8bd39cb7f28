// SPDX-License-Identifier: MIT

package driver

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tradewright/copyfleet/internal/cdp"
	"github.com/tradewright/copyfleet/internal/order"
)

// opResult mirrors the result object every driver entry point returns.
type opResult struct {
	OK           bool            `json:"ok"`
	Error        string          `json:"error,omitempty"`
	ErrorText    string          `json:"errorText,omitempty"`
	OverheadMS   float64         `json:"overheadMs"`
	Value        string          `json:"value,omitempty"`
	Acknowledged *bool           `json:"acknowledged,omitempty"`
	Rows         json.RawMessage `json:"rows,omitempty"`
}

// overhead converts the driver-measured overhead to a duration.
func (r *opResult) overhead() time.Duration {
	return time.Duration(r.OverheadMS * float64(time.Millisecond))
}

// kind maps the page-reported error label onto the normalized taxonomy,
// consulting the pluggable classifier for free-text rejection banners.
func (r *opResult) kind(classifier order.Classifier) order.ErrorKind {
	switch r.Error {
	case "INSUFFICIENT_FUNDS":
		return order.ErrKindInsufficientFunds
	case "MARKET_CLOSED":
		return order.ErrKindMarketClosed
	case "CONNECTION_TIMEOUT":
		return order.ErrKindConnectionTimeout
	case "DOM_ELEMENT_MISSING":
		return order.ErrKindDOMElementMissing
	case "VALIDATION_TIMEOUT":
		return order.ErrKindValidationTimeout
	case "ORDER_REJECTION":
		if r.ErrorText != "" && classifier != nil {
			if k := classifier.Classify(r.ErrorText); k != order.ErrKindUnknown {
				return k
			}
		}
		return order.ErrKindOrderRejection
	case "":
		return order.ErrKindUnknown
	default:
		return order.ErrKindUnknown
	}
}

// call invokes one driver entry point with JSON-marshaled arguments and a
// wall-clock deadline, returning the parsed result.
func call(ctx context.Context, ev cdp.Evaluator, deadline time.Duration, name string, args ...any) (*opResult, error) {
	parts := make([]string, len(args))
	for i, a := range args {
		b, err := json.Marshal(a)
		if err != nil {
			return nil, fmt.Errorf("marshal argument %d of %s: %w", i, name, err)
		}
		parts[i] = string(b)
	}
	expr := fmt.Sprintf("window.__fleetDriver.%s(%s)", name, strings.Join(parts, ","))

	ctx, cancel := context.WithTimeout(ctx, deadline)
	defer cancel()

	raw, err := ev.Eval(ctx, expr)
	if err != nil {
		return nil, fmt.Errorf("driver %s: %w", name, err)
	}
	var res opResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("driver %s: unparseable result %s: %w", name, raw, err)
	}
	return &res, nil
}
