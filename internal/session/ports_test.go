// SPDX-License-Identifier: MIT

package session

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tradewright/copyfleet/internal/config"
)

func TestNewPortAllocatorRejectsBootstrapPort(t *testing.T) {
	_, err := NewPortAllocator(config.BootstrapPort-10, 50)
	assert.ErrorIs(t, err, ErrReservedPort)

	_, err = NewPortAllocator(config.BootstrapPort, 1)
	assert.ErrorIs(t, err, ErrReservedPort)

	_, err = NewPortAllocator(config.BootstrapPort+1, 50)
	assert.NoError(t, err)
}

func TestPortAllocatorAcquireRelease(t *testing.T) {
	a, err := NewPortAllocator(9300, 3)
	require.NoError(t, err)

	p1, err := a.Acquire("acct-1")
	require.NoError(t, err)
	p2, err := a.Acquire("acct-2")
	require.NoError(t, err)
	p3, err := a.Acquire("acct-3")
	require.NoError(t, err)

	assert.Equal(t, 9300, p1)
	assert.Equal(t, 9301, p2)
	assert.Equal(t, 9302, p3)

	_, err = a.Acquire("acct-4")
	assert.ErrorIs(t, err, ErrPortPoolExhausted)

	owner, ok := a.Owner(p2)
	require.True(t, ok)
	assert.Equal(t, "acct-2", owner)

	// A released port goes back to being the lowest free one.
	a.Release(p1)
	p4, err := a.Acquire("acct-4")
	require.NoError(t, err)
	assert.Equal(t, p1, p4)
}

func TestPortAllocatorReleaseUnownedIsNoop(t *testing.T) {
	a, err := NewPortAllocator(9300, 2)
	require.NoError(t, err)
	a.Release(9999)

	p, err := a.Acquire("acct-1")
	require.NoError(t, err)
	assert.Equal(t, 9300, p)
}
