// SPDX-License-Identifier: MIT

package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"
)

// Evaluator is the script-execution bridge into a live page runtime. The
// driver and the probe kit depend on this interface, not on the websocket
// implementation, so tests can substitute fakes.
type Evaluator interface {
	// Eval runs a JavaScript expression in the page and returns its value
	// serialized as JSON. Page exceptions surface as errors.
	Eval(ctx context.Context, expr string) (json.RawMessage, error)
}

var (
	ErrChannelClosed = errors.New("channel closed")
	ErrEvalException = errors.New("page threw an exception")
)

// Channel is a websocket connection to one tab's debugger endpoint. Calls
// are serialized: sessions only ever run one operation at a time.
type Channel struct {
	mu     sync.Mutex
	conn   *websocket.Conn
	nextID int64
	closed bool

	// Port identifies the listener this channel is attached to.
	Port int
}

type evalRequest struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type evalResponse struct {
	ID     int64 `json:"id"`
	Result struct {
		Result struct {
			Type  string          `json:"type"`
			Value json.RawMessage `json:"value"`
		} `json:"result"`
		ExceptionDetails *struct {
			Text      string `json:"text"`
			Exception struct {
				Description string `json:"description"`
			} `json:"exception"`
		} `json:"exceptionDetails"`
	} `json:"result"`
	Error *struct {
		Code    int    `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// Dial connects to a tab's websocket debugger URL.
func Dial(ctx context.Context, port int, wsURL string) (*Channel, error) {
	conn, _, err := websocket.Dial(ctx, wsURL, nil)
	if err != nil {
		return nil, fmt.Errorf("dial debugger: %w", err)
	}
	// Evaluation results can carry large scraped tables.
	conn.SetReadLimit(4 << 20)
	return &Channel{conn: conn, Port: port}, nil
}

// Eval implements Evaluator over Runtime.evaluate with returnByValue.
func (c *Channel) Eval(ctx context.Context, expr string) (json.RawMessage, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrChannelClosed
	}

	c.nextID++
	id := c.nextID
	req := evalRequest{
		ID:     id,
		Method: "Runtime.evaluate",
		Params: map[string]any{
			"expression":    expr,
			"returnByValue": true,
			"awaitPromise":  true,
		},
	}
	if err := wsjson.Write(ctx, c.conn, req); err != nil {
		return nil, fmt.Errorf("send evaluate: %w", err)
	}

	// The debugger interleaves events with responses; skip until our id.
	for {
		var resp evalResponse
		if err := wsjson.Read(ctx, c.conn, &resp); err != nil {
			return nil, fmt.Errorf("read evaluate response: %w", err)
		}
		if resp.ID != id {
			continue
		}
		if resp.Error != nil {
			return nil, fmt.Errorf("evaluate failed: %s (code %d)", resp.Error.Message, resp.Error.Code)
		}
		if ed := resp.Result.ExceptionDetails; ed != nil {
			detail := ed.Exception.Description
			if detail == "" {
				detail = ed.Text
			}
			return nil, fmt.Errorf("%w: %s", ErrEvalException, detail)
		}
		return resp.Result.Result.Value, nil
	}
}

// EvalWithDeadline wraps Eval with an explicit per-call deadline.
func (c *Channel) EvalWithDeadline(ctx context.Context, expr string, d time.Duration) (json.RawMessage, error) {
	ctx, cancel := context.WithTimeout(ctx, d)
	defer cancel()
	return c.Eval(ctx, expr)
}

// Close shuts the websocket down. Safe to call twice.
func (c *Channel) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	c.closed = true
	return c.conn.Close(websocket.StatusNormalClosure, "channel closed")
}
