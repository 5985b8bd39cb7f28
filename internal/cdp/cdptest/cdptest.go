// SPDX-License-Identifier: MIT

// Package cdptest runs an in-process debugger endpoint so channel consumers
// can be exercised over real websocket frames instead of interface fakes.
package cdptest

import (
	"context"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"nhooyr.io/websocket"
	"nhooyr.io/websocket/wsjson"

	"github.com/tradewright/copyfleet/internal/cdp"
)

// EvalFunc computes the page-side value of one Runtime.evaluate expression.
// A returned error surfaces to the dialer as a page exception.
type EvalFunc func(expr string) (any, error)

// Endpoint is a single-tab debugger stub backed by httptest.
type Endpoint struct {
	srv        *httptest.Server
	eval       EvalFunc
	interleave atomic.Bool
}

type frame struct {
	ID     int64          `json:"id"`
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

type valueResult struct {
	Type  string `json:"type"`
	Value any    `json:"value"`
}

type exceptionDetails struct {
	Text string `json:"text"`
}

type evalBody struct {
	Result           valueResult       `json:"result"`
	ExceptionDetails *exceptionDetails `json:"exceptionDetails,omitempty"`
}

type reply struct {
	ID     int64    `json:"id"`
	Result evalBody `json:"result"`
}

// event is an unsolicited debugger notification, carrying no id.
type event struct {
	Method string         `json:"method"`
	Params map[string]any `json:"params"`
}

// New starts the endpoint and registers its teardown with the test.
func New(t *testing.T, eval EvalFunc) *Endpoint {
	t.Helper()
	e := &Endpoint{eval: eval}
	e.srv = httptest.NewServer(http.HandlerFunc(e.accept))
	t.Cleanup(e.srv.Close)
	return e
}

// InterleaveEvents makes the endpoint emit an unsolicited notification frame
// before every evaluation reply, the way a live debugger does.
func (e *Endpoint) InterleaveEvents() {
	e.interleave.Store(true)
}

func (e *Endpoint) accept(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, nil)
	if err != nil {
		return
	}
	defer conn.Close(websocket.StatusNormalClosure, "endpoint done")
	// Injected driver sources arrive as one large expression frame.
	conn.SetReadLimit(4 << 20)

	ctx := r.Context()
	for {
		var req frame
		if err := wsjson.Read(ctx, conn, &req); err != nil {
			return
		}
		if req.Method != "Runtime.evaluate" {
			continue
		}
		expr, _ := req.Params["expression"].(string)

		if e.interleave.Load() {
			ev := event{Method: "Console.messageAdded", Params: map[string]any{"message": "noise"}}
			if err := wsjson.Write(ctx, conn, ev); err != nil {
				return
			}
		}

		var body evalBody
		value, evalErr := e.eval(expr)
		if evalErr != nil {
			body.ExceptionDetails = &exceptionDetails{Text: evalErr.Error()}
		} else {
			body.Result = valueResult{Type: "object", Value: value}
		}
		if err := wsjson.Write(ctx, conn, reply{ID: req.ID, Result: body}); err != nil {
			return
		}
	}
}

// Port returns the listener port, for probes that address by port.
func (e *Endpoint) Port() int {
	return e.srv.Listener.Addr().(*net.TCPAddr).Port
}

// WSURL is the websocket address of the endpoint's single tab.
func (e *Endpoint) WSURL() string {
	return "ws" + strings.TrimPrefix(e.srv.URL, "http")
}

// Dial opens a channel to the endpoint and closes it with the test.
func (e *Endpoint) Dial(t *testing.T) *cdp.Channel {
	t.Helper()
	ch, err := cdp.Dial(context.Background(), e.Port(), e.WSURL())
	if err != nil {
		t.Fatalf("dial test endpoint: %v", err)
	}
	t.Cleanup(func() { _ = ch.Close() })
	return ch
}
