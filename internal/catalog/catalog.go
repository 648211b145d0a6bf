// Package catalog resolves character references against the external
// character catalog service. The roster is read-only from this process:
// guides reference characters by id, and a reference is validated once
// at submission time only.
package catalog

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"
)

// ErrCharacterNotFound is returned when a reference matches no catalog entry.
var ErrCharacterNotFound = errors.New("character not found")

// Character is the catalog's display metadata for one character.
type Character struct {
	ID     string `json:"id"`
	Key    string `json:"key"`
	Name   string `json:"name"`
	Title  string `json:"title,omitempty"`
	Vision string `json:"vision,omitempty"`
	Weapon string `json:"weapon,omitempty"`
	Nation string `json:"nation,omitempty"`
	Rarity int    `json:"rarity,omitempty"`
}

// Client fetches the character roster over HTTP.
type Client struct {
	baseURL string
	http    *http.Client
}

func NewClient(baseURL string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

// Roster fetches the full character list from the catalog service.
func (c *Client) Roster(ctx context.Context) ([]Character, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/characters", nil)
	if err != nil {
		return nil, fmt.Errorf("build roster request: %w", err)
	}
	req.Header.Set("Accept", "application/json")

	resp, err := c.http.Do(req)
	if err != nil {
		return nil, fmt.Errorf("fetch roster: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("fetch roster: unexpected status %d", resp.StatusCode)
	}

	var roster []Character
	if err := json.NewDecoder(resp.Body).Decode(&roster); err != nil {
		return nil, fmt.Errorf("decode roster: %w", err)
	}
	return roster, nil
}

// rosterSource lets tests substitute the HTTP client.
type rosterSource interface {
	Roster(ctx context.Context) ([]Character, error)
}

// Resolver caches the roster and resolves references against it. The cache
// has an explicit refresh contract: entries older than ttl are refetched on
// the next Resolve, and Refresh forces a refetch. There is no package-level
// state; the resolver is injected into whatever needs catalog lookups.
type Resolver struct {
	source rosterSource
	ttl    time.Duration

	mu        sync.RWMutex
	byID      map[string]Character
	byName    map[string]Character
	fetchedAt time.Time
}

func NewResolver(source rosterSource, ttl time.Duration) *Resolver {
	return &Resolver{
		source: source,
		ttl:    ttl,
		byID:   make(map[string]Character),
		byName: make(map[string]Character),
	}
}

// Refresh refetches the roster unconditionally.
func (r *Resolver) Refresh(ctx context.Context) error {
	roster, err := r.source.Roster(ctx)
	if err != nil {
		return err
	}

	byID := make(map[string]Character, len(roster))
	byName := make(map[string]Character, len(roster))
	for _, character := range roster {
		byID[character.ID] = character
		if character.Key != "" {
			byName[strings.ToLower(character.Key)] = character
		}
		if character.Name != "" {
			byName[strings.ToLower(character.Name)] = character
		}
	}

	r.mu.Lock()
	r.byID = byID
	r.byName = byName
	r.fetchedAt = time.Now()
	r.mu.Unlock()
	return nil
}

// Resolve looks up a character by id or by name/key (case-insensitive).
// Any failure to obtain a roster is reported to the caller; create-time
// validation treats that the same as a miss.
func (r *Resolver) Resolve(ctx context.Context, ref string) (Character, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return Character{}, ErrCharacterNotFound
	}

	if err := r.ensureFresh(ctx); err != nil {
		return Character{}, fmt.Errorf("catalog unavailable: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	if character, ok := r.byID[ref]; ok {
		return character, nil
	}
	if character, ok := r.byName[strings.ToLower(ref)]; ok {
		return character, nil
	}
	return Character{}, ErrCharacterNotFound
}

// List returns the cached roster, refreshing it if stale.
func (r *Resolver) List(ctx context.Context) ([]Character, error) {
	if err := r.ensureFresh(ctx); err != nil {
		return nil, fmt.Errorf("catalog unavailable: %w", err)
	}

	r.mu.RLock()
	defer r.mu.RUnlock()
	items := make([]Character, 0, len(r.byID))
	for _, character := range r.byID {
		items = append(items, character)
	}
	sort.Slice(items, func(i, j int) bool { return items[i].Name < items[j].Name })
	return items, nil
}

func (r *Resolver) ensureFresh(ctx context.Context) error {
	r.mu.RLock()
	fresh := !r.fetchedAt.IsZero() && time.Since(r.fetchedAt) < r.ttl
	r.mu.RUnlock()
	if fresh {
		return nil
	}
	return r.Refresh(ctx)
}
