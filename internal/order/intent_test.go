// SPDX-License-Identifier: MIT

package order

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func validIntent() Intent {
	return Intent{
		ID:       "intent-1",
		Action:   ActionBuy,
		Symbol:   "NQZ5",
		Quantity: 2,
		Kind:     KindMarket,
	}
}

func TestIntentValidate(t *testing.T) {
	t.Run("accepts a plain market intent", func(t *testing.T) {
		in := validIntent()
		require.NoError(t, in.Validate())
	})

	t.Run("rejects missing symbol", func(t *testing.T) {
		in := validIntent()
		in.Symbol = "  "
		assert.ErrorIs(t, in.Validate(), ErrMissingSymbol)
	})

	t.Run("rejects zero quantity", func(t *testing.T) {
		in := validIntent()
		in.Quantity = 0
		assert.ErrorIs(t, in.Validate(), ErrInvalidQuantity)
	})

	t.Run("rejects limit without price", func(t *testing.T) {
		in := validIntent()
		in.Kind = KindLimit
		assert.ErrorIs(t, in.Validate(), ErrMissingPrice)
	})

	t.Run("rejects negative ticks on an enabled leg", func(t *testing.T) {
		in := validIntent()
		in.Bracket = &Bracket{TakeProfit: true, TakeProfitTicks: -1, StopLoss: true, StopLossTicks: 10}
		assert.ErrorIs(t, in.Validate(), ErrNegativeBracket)
	})

	t.Run("ignores ticks on disabled legs", func(t *testing.T) {
		in := validIntent()
		in.Bracket = &Bracket{TakeProfitTicks: -1, StopLossTicks: -1}
		assert.NoError(t, in.Validate())
		assert.False(t, in.Bracket.Enabled())
	})

	t.Run("rejects a scale-in plan with zero levels", func(t *testing.T) {
		in := validIntent()
		in.ScaleIn = &ScaleIn{Levels: 0, SpacingTicks: 4}
		assert.ErrorIs(t, in.Validate(), ErrScaleInLevels)
	})
}

func TestBracketEnabled(t *testing.T) {
	var none *Bracket
	assert.False(t, none.Enabled())
	assert.False(t, (&Bracket{TakeProfitTicks: 100, StopLossTicks: 40}).Enabled())
	assert.True(t, (&Bracket{TakeProfit: true}).Enabled())
	assert.True(t, (&Bracket{StopLoss: true, StopLossTicks: 40}).Enabled())
}

func TestScaleInDivisibility(t *testing.T) {
	cases := []struct {
		name     string
		quantity int
		levels   int
		wantErr  bool
	}{
		{"evenly divisible", 6, 3, false},
		{"single level always fine", 5, 1, false},
		{"quantity below levels", 2, 3, true},
		{"remainder left over", 7, 3, true},
		{"one contract per level", 3, 3, false},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			in := validIntent()
			in.Quantity = tc.quantity
			in.ScaleIn = &ScaleIn{Levels: tc.levels, SpacingTicks: 4}
			err := in.Validate()
			if tc.wantErr {
				assert.ErrorIs(t, err, ErrScaleInDivisibility)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestSubIntents(t *testing.T) {
	t.Run("single level returns the intent itself", func(t *testing.T) {
		in := validIntent()
		subs := in.SubIntents()
		require.Len(t, subs, 1)
		assert.Equal(t, in, subs[0])
	})

	t.Run("limit ladder spaces buy levels downward", func(t *testing.T) {
		in := validIntent()
		in.Kind = KindLimit
		in.Price = 20000
		in.TickSize = 0.25
		in.Quantity = 6
		in.ScaleIn = &ScaleIn{Levels: 3, SpacingTicks: 4}
		require.NoError(t, in.Validate())

		subs := in.SubIntents()
		require.Len(t, subs, 3)
		for _, sub := range subs {
			assert.Equal(t, 2, sub.Quantity)
			assert.Nil(t, sub.ScaleIn)
		}
		assert.Equal(t, 20000.0, subs[0].Price)
		assert.Equal(t, 19999.0, subs[1].Price)
		assert.Equal(t, 19998.0, subs[2].Price)
	})

	t.Run("sell ladder spaces upward", func(t *testing.T) {
		in := validIntent()
		in.Action = ActionSell
		in.Kind = KindLimit
		in.Price = 100
		in.TickSize = 0.5
		in.Quantity = 2
		in.ScaleIn = &ScaleIn{Levels: 2, SpacingTicks: 2}

		subs := in.SubIntents()
		require.Len(t, subs, 2)
		assert.Equal(t, 100.0, subs[0].Price)
		assert.Equal(t, 101.0, subs[1].Price)
	})
}

func TestParseEnums(t *testing.T) {
	a, err := ParseAction(" buy ")
	require.NoError(t, err)
	assert.Equal(t, ActionBuy, a)

	_, err = ParseAction("hold")
	assert.ErrorIs(t, err, ErrInvalidAction)

	k, err := ParseKind("")
	require.NoError(t, err)
	assert.Equal(t, KindMarket, k)

	_, err = ParseKind("trailing")
	assert.ErrorIs(t, err, ErrInvalidKind)
}
