// SPDX-License-Identifier: MIT

// Package cdp speaks the browser remote-debugging protocol: tab discovery
// over the debug HTTP listing and script evaluation over a websocket bridge.
package cdp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Tab is one entry of the debug endpoint's /json listing.
type Tab struct {
	ID                   string `json:"id"`
	Type                 string `json:"type"`
	Title                string `json:"title"`
	URL                  string `json:"url"`
	WebSocketDebuggerURL string `json:"webSocketDebuggerUrl"`
}

var (
	ErrNoTabs      = errors.New("debug endpoint returned no tabs")
	ErrTabNotFound = errors.New("no tab matches the requested URL")
)

var httpClient = &http.Client{Timeout: 10 * time.Second}

// ListTabs fetches and parses the /json tab listing of a debug port.
func ListTabs(ctx context.Context, port int) ([]Tab, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://127.0.0.1:%d/json", port), nil)
	if err != nil {
		return nil, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("debug listing: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("debug listing: unexpected status %d", resp.StatusCode)
	}
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("debug listing: %w", err)
	}
	var tabs []Tab
	if err := json.Unmarshal(body, &tabs); err != nil {
		return nil, fmt.Errorf("debug listing: parse: %w", err)
	}
	if len(tabs) == 0 {
		return nil, ErrNoTabs
	}
	return tabs, nil
}

// FindTab returns the first page tab whose URL contains the given fragment.
func FindTab(ctx context.Context, port int, urlFragment string) (Tab, error) {
	tabs, err := ListTabs(ctx, port)
	if err != nil {
		return Tab{}, err
	}
	for _, t := range tabs {
		if t.Type != "" && t.Type != "page" {
			continue
		}
		if strings.Contains(t.URL, urlFragment) {
			return t, nil
		}
	}
	return Tab{}, fmt.Errorf("%w: %q", ErrTabNotFound, urlFragment)
}

// NewTab opens a new tab navigated to the given URL.
func NewTab(ctx context.Context, port int, target string) (Tab, error) {
	endpoint := fmt.Sprintf("http://127.0.0.1:%d/json/new?%s", port, url.QueryEscape(target))
	req, err := http.NewRequestWithContext(ctx, http.MethodPut, endpoint, nil)
	if err != nil {
		return Tab{}, err
	}
	resp, err := httpClient.Do(req)
	if err != nil {
		return Tab{}, fmt.Errorf("create tab: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()
	if resp.StatusCode != http.StatusOK {
		return Tab{}, fmt.Errorf("create tab: unexpected status %d", resp.StatusCode)
	}
	var tab Tab
	if err := json.NewDecoder(resp.Body).Decode(&tab); err != nil {
		return Tab{}, fmt.Errorf("create tab: parse: %w", err)
	}
	return tab, nil
}
