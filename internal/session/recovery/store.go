// SPDX-License-Identifier: MIT

// Package recovery persists per-account trading-context snapshots. Writes
// are atomic and durable (write-temp, fsync, rename) so a crash can never
// leave a torn snapshot behind; the on-disk copy is at most one intent
// behind live state.
package recovery

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"

	"github.com/google/renameio/v2"

	"github.com/tradewright/copyfleet/internal/log"
	"github.com/tradewright/copyfleet/internal/session"
)

var ErrNoSnapshot = errors.New("no recovery snapshot")

// Store writes and reads recovery/<account>.json files. Persistence is
// serialized per account.
type Store struct {
	dir string

	mu    sync.Mutex
	locks map[string]*sync.Mutex
}

// NewStore creates the recovery directory if needed.
func NewStore(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create recovery dir: %w", err)
	}
	return &Store{dir: dir, locks: make(map[string]*sync.Mutex)}, nil
}

func (s *Store) lockFor(account string) *sync.Mutex {
	s.mu.Lock()
	defer s.mu.Unlock()
	l, ok := s.locks[account]
	if !ok {
		l = &sync.Mutex{}
		s.locks[account] = l
	}
	return l
}

func (s *Store) path(account string) string {
	// Account labels may contain '#' suffixes for duplicate identities;
	// keep the filename shell-safe.
	safe := ""
	for _, r := range account {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			safe += string(r)
		default:
			safe += "_"
		}
	}
	return filepath.Join(s.dir, safe+".json")
}

// Save atomically persists the context for an account.
func (s *Store) Save(account string, tc session.TradingContext) error {
	l := s.lockFor(account)
	l.Lock()
	defer l.Unlock()

	pending, err := renameio.NewPendingFile(s.path(account))
	if err != nil {
		return fmt.Errorf("create pending snapshot: %w", err)
	}
	defer func() {
		if err := pending.Cleanup(); err != nil {
			logger := log.WithComponent("recovery")
			logger.Debug().Err(err).Msg("cleanup pending snapshot")
		}
	}()

	enc := json.NewEncoder(pending)
	enc.SetIndent("", "  ")
	if err := enc.Encode(tc); err != nil {
		return fmt.Errorf("encode snapshot: %w", err)
	}
	if err := pending.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("atomically replace snapshot: %w", err)
	}
	return nil
}

// Load reads the persisted context for an account.
func (s *Store) Load(account string) (session.TradingContext, error) {
	l := s.lockFor(account)
	l.Lock()
	defer l.Unlock()

	data, err := os.ReadFile(s.path(account))
	if err != nil {
		if os.IsNotExist(err) {
			return session.TradingContext{}, ErrNoSnapshot
		}
		return session.TradingContext{}, fmt.Errorf("read snapshot: %w", err)
	}
	var tc session.TradingContext
	if err := json.Unmarshal(data, &tc); err != nil {
		return session.TradingContext{}, fmt.Errorf("parse snapshot: %w", err)
	}
	return tc, nil
}

// Delete removes the snapshot, used when a session is retired on purpose.
func (s *Store) Delete(account string) error {
	l := s.lockFor(account)
	l.Lock()
	defer l.Unlock()
	err := os.Remove(s.path(account))
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
