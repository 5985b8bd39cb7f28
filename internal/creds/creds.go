// SPDX-License-Identifier: MIT

// Package creds loads the credential store: a textual key=value file mapping
// identity to secret. Duplicate identities are allowed and preserved in
// source order, one session per entry. The store is frozen after load.
package creds

import (
	"bufio"
	"errors"
	"fmt"
	"os"
	"strings"
)

// Credential is one identity/secret pair from the store.
type Credential struct {
	Identity string
	Secret   string
	// Label is the stable account label for this entry. Duplicate identities
	// get a numeric suffix so every session keeps a unique label.
	Label string
}

var ErrEmptyStore = errors.New("credential store contains no entries")

// Load reads the store file. Lines are identity=secret; blank lines and
// #-comments are skipped. Order is preserved.
func Load(path string) ([]Credential, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open credential store: %w", err)
	}
	defer f.Close()

	var out []Credential
	seen := map[string]int{}
	scanner := bufio.NewScanner(f)
	lineNo := 0
	for scanner.Scan() {
		lineNo++
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		idx := strings.Index(line, "=")
		if idx <= 0 {
			return nil, fmt.Errorf("credential store line %d: expected identity=secret", lineNo)
		}
		identity := strings.TrimSpace(line[:idx])
		secret := line[idx+1:]

		label := identity
		seen[identity]++
		if n := seen[identity]; n > 1 {
			label = fmt.Sprintf("%s#%d", identity, n)
		}
		out = append(out, Credential{Identity: identity, Secret: secret, Label: label})
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read credential store: %w", err)
	}
	if len(out) == 0 {
		return nil, ErrEmptyStore
	}
	return out, nil
}
