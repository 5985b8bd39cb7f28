// SPDX-License-Identifier: MIT

// Package catalog holds the static instrument table: tick sizes and default
// bracket offsets keyed by root symbol. The table is read once and frozen;
// changes go through the operator reload endpoint, never ambient mutation.
package catalog

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"sort"
	"strconv"
	"strings"
	"unicode"
)

// Instrument describes one tradable contract root.
type Instrument struct {
	Root            string  `json:"root"`
	TickSize        float64 `json:"tick_size"`
	TakeProfitTicks int     `json:"take_profit_ticks"` // default when the intent carries no bracket values
	StopLossTicks   int     `json:"stop_loss_ticks"`
}

var (
	ErrUnknownInstrument = errors.New("unknown instrument")
	ErrEmptyCatalog      = errors.New("catalog file defines no instruments")
)

// Catalog is an immutable instrument lookup.
type Catalog struct {
	byRoot map[string]Instrument
}

// defaults mirrors the futures the trading UI exposes.
var defaults = []Instrument{
	{Root: "NQ", TickSize: 0.25, TakeProfitTicks: 100, StopLossTicks: 40},
	{Root: "MNQ", TickSize: 0.25, TakeProfitTicks: 100, StopLossTicks: 40},
	{Root: "ES", TickSize: 0.25, TakeProfitTicks: 60, StopLossTicks: 24},
	{Root: "MES", TickSize: 0.25, TakeProfitTicks: 60, StopLossTicks: 24},
	{Root: "RTY", TickSize: 0.10, TakeProfitTicks: 80, StopLossTicks: 30},
	{Root: "YM", TickSize: 1.00, TakeProfitTicks: 50, StopLossTicks: 20},
	{Root: "CL", TickSize: 0.01, TakeProfitTicks: 50, StopLossTicks: 25},
	{Root: "GC", TickSize: 0.10, TakeProfitTicks: 40, StopLossTicks: 20},
	{Root: "SI", TickSize: 0.005, TakeProfitTicks: 40, StopLossTicks: 20},
	{Root: "6E", TickSize: 0.00005, TakeProfitTicks: 30, StopLossTicks: 15},
}

// Default returns the built-in catalog.
func Default() *Catalog {
	return New(defaults)
}

// New builds a frozen catalog from the given instruments.
func New(instruments []Instrument) *Catalog {
	m := make(map[string]Instrument, len(instruments))
	for _, inst := range instruments {
		m[strings.ToUpper(inst.Root)] = inst
	}
	return &Catalog{byRoot: m}
}

// Root strips a contract-month suffix ("NQZ5", "NQ DEC25") down to the root.
func Root(symbol string) string {
	s := strings.ToUpper(strings.TrimSpace(symbol))
	if i := strings.IndexFunc(s, unicode.IsSpace); i > 0 {
		s = s[:i]
	}
	// Trailing month code + year digits, e.g. NQZ5 or ESH26.
	for len(s) > 2 && unicode.IsDigit(rune(s[len(s)-1])) {
		s = s[:len(s)-1]
	}
	if len(s) > 2 && strings.ContainsRune("FGHJKMNQUVXZ", rune(s[len(s)-1])) {
		s = s[:len(s)-1]
	}
	return s
}

// Lookup resolves the instrument for a symbol.
func (c *Catalog) Lookup(symbol string) (Instrument, error) {
	root := Root(symbol)
	inst, ok := c.byRoot[root]
	if !ok {
		return Instrument{}, fmt.Errorf("%w: %q", ErrUnknownInstrument, symbol)
	}
	return inst, nil
}

// TickSize resolves the tick size for a symbol, falling back to the provided
// value when the intent already carries one.
func (c *Catalog) TickSize(symbol string, explicit float64) float64 {
	if explicit > 0 {
		return explicit
	}
	if inst, err := c.Lookup(symbol); err == nil {
		return inst.TickSize
	}
	return 0.25
}

// BracketTicks resolves the default take-profit and stop-loss offsets for a
// symbol. Unknown instruments get a tight conservative pair rather than an
// error: a protection leg the operator asked for must never be skipped.
func (c *Catalog) BracketTicks(symbol string) (tp, sl int) {
	if inst, err := c.Lookup(symbol); err == nil {
		return inst.TakeProfitTicks, inst.StopLossTicks
	}
	return 20, 10
}

// Instruments returns the table sorted by root, for the API surface.
func (c *Catalog) Instruments() []Instrument {
	out := make([]Instrument, 0, len(c.byRoot))
	for _, inst := range c.byRoot {
		out = append(out, inst)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Root < out[j].Root })
	return out
}

// ParseFile reads an instrument table from disk, one instrument per line in
// the form
//
//	ROOT TICK TP SL
//
// with blank lines and #-comments skipped. The parsed table replaces the
// built-in one wholesale, it is not merged.
func ParseFile(path string) (*Catalog, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open catalog: %w", err)
	}
	defer f.Close()

	var instruments []Instrument
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 4 {
			return nil, fmt.Errorf("catalog line %d: want ROOT TICK TP SL, got %d fields", lineNo, len(fields))
		}
		tick, err := strconv.ParseFloat(fields[1], 64)
		if err != nil || tick <= 0 {
			return nil, fmt.Errorf("catalog line %d: bad tick size %q", lineNo, fields[1])
		}
		tp, err := strconv.Atoi(fields[2])
		if err != nil || tp < 0 {
			return nil, fmt.Errorf("catalog line %d: bad take-profit ticks %q", lineNo, fields[2])
		}
		sl, err := strconv.Atoi(fields[3])
		if err != nil || sl < 0 {
			return nil, fmt.Errorf("catalog line %d: bad stop-loss ticks %q", lineNo, fields[3])
		}
		instruments = append(instruments, Instrument{
			Root:            strings.ToUpper(fields[0]),
			TickSize:        tick,
			TakeProfitTicks: tp,
			StopLossTicks:   sl,
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read catalog: %w", err)
	}
	if len(instruments) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyCatalog, path)
	}
	return New(instruments), nil
}
