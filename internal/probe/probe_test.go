// SPDX-License-Identifier: MIT

package probe

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// scriptedEvaluator answers expressions from a table keyed by a distinctive
// substring of each probe expression.
type scriptedEvaluator struct {
	answers map[string]string
	err     error
}

func (e *scriptedEvaluator) Eval(_ context.Context, expr string) (json.RawMessage, error) {
	if e.err != nil {
		return nil, e.err
	}
	for key, ans := range e.answers {
		if strings.Contains(expr, key) {
			return json.RawMessage(ans), nil
		}
	}
	return json.RawMessage(`null`), nil
}

func TestTCP(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	defer ln.Close()
	port := ln.Addr().(*net.TCPAddr).Port

	res := TCP(context.Background(), port)
	assert.True(t, res.OK)
	assert.Equal(t, LayerTCP, res.Layer)

	ln.Close()
	res = TCP(context.Background(), port)
	assert.False(t, res.OK)
	assert.NotEmpty(t, res.Detail)
}

func TestRuntime(t *testing.T) {
	t.Run("round trip", func(t *testing.T) {
		ev := &scriptedEvaluator{answers: map[string]string{"(6*7)": `"42"`}}
		res := Runtime(context.Background(), ev)
		assert.True(t, res.OK)
	})

	t.Run("wrong value", func(t *testing.T) {
		ev := &scriptedEvaluator{answers: map[string]string{"(6*7)": `"41"`}}
		res := Runtime(context.Background(), ev)
		assert.False(t, res.OK)
		assert.Contains(t, res.Detail, "unexpected value")
	})

	t.Run("bridge failure", func(t *testing.T) {
		ev := &scriptedEvaluator{err: errors.New("websocket closed")}
		res := Runtime(context.Background(), ev)
		assert.False(t, res.OK)
	})
}

func TestDOM(t *testing.T) {
	cases := map[string]struct {
		answer string
		ok     bool
	}{
		"ready page":     {`"ready"`, true},
		"still loading":  {`"loading"`, false},
		"hidden app":     {`"app-element-hidden"`, false},
		"missing anchor": {`"no-app-element"`, false},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			ev := &scriptedEvaluator{answers: map[string]string{"readyState": tc.answer}}
			res := DOM(context.Background(), ev)
			assert.Equal(t, tc.ok, res.OK)
		})
	}
}

func TestApplication(t *testing.T) {
	t.Run("flags parsed", func(t *testing.T) {
		ev := &scriptedEvaluator{answers: map[string]string{
			"authenticated": `{"authenticated":true,"tradingInterface":true,"marketData":false,"driverLoaded":true}`,
		}}
		res, flags := Application(context.Background(), ev)
		assert.True(t, res.OK, "the probe succeeds when the page answers; flags are judged upstream")
		assert.True(t, flags.Authenticated)
		assert.True(t, flags.DriverLoaded)
		assert.False(t, flags.MarketData)
	})

	t.Run("bridge failure", func(t *testing.T) {
		ev := &scriptedEvaluator{err: errors.New("websocket closed")}
		res, flags := Application(context.Background(), ev)
		assert.False(t, res.OK)
		assert.Equal(t, AppFlags{}, flags)
	})

	t.Run("unparseable flags", func(t *testing.T) {
		ev := &scriptedEvaluator{answers: map[string]string{"authenticated": `"nope"`}}
		res, _ := Application(context.Background(), ev)
		assert.False(t, res.OK)
		assert.Contains(t, res.Detail, "unparseable")
	})
}
