// SPDX-License-Identifier: MIT

package session

import (
	"errors"
	"fmt"
	"sync"

	"github.com/tradewright/copyfleet/internal/config"
)

var (
	ErrPortPoolExhausted = errors.New("debug port pool exhausted")
	ErrReservedPort      = errors.New("port is reserved infrastructure")
)

// PortAllocator hands out debug ports from the per-account pool. Each port
// is owned by at most one session at any moment; the reserved bootstrap port
// is never a member of the pool.
type PortAllocator struct {
	mu    sync.Mutex
	start int
	size  int
	owned map[int]string // port -> account
}

// NewPortAllocator builds a pool of size ports starting at start. The
// constructor refuses pools that would contain the bootstrap port; config
// validation should have caught this earlier.
func NewPortAllocator(start, size int) (*PortAllocator, error) {
	if config.BootstrapPort >= start && config.BootstrapPort < start+size {
		return nil, fmt.Errorf("%w: pool [%d,%d) contains bootstrap port %d",
			ErrReservedPort, start, start+size, config.BootstrapPort)
	}
	return &PortAllocator{start: start, size: size, owned: make(map[int]string)}, nil
}

// Acquire claims the lowest free port for the account.
func (a *PortAllocator) Acquire(account string) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for p := a.start; p < a.start+a.size; p++ {
		if p == config.BootstrapPort {
			continue
		}
		if _, taken := a.owned[p]; !taken {
			a.owned[p] = account
			return p, nil
		}
	}
	return 0, ErrPortPoolExhausted
}

// Release frees a port. Releasing an unowned port is a no-op.
func (a *PortAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.owned, port)
}

// Owner reports which account currently owns the port.
func (a *PortAllocator) Owner(port int) (string, bool) {
	a.mu.Lock()
	defer a.mu.Unlock()
	acct, ok := a.owned[port]
	return acct, ok
}
