package pricing

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"sync/atomic"
	"time"
)

const (
	DefaultCatalogURL = "https://openrouter.ai/api/v1/models"

	// Refresh window for the rate table.
	TTL = time.Hour
)

// Pricing holds per-token rates for a single model. A zero or negative rate
// means the rate is unknown, not that the leg is free.
type Pricing struct {
	Prompt     float64
	Completion float64
	CacheRead  float64
	CacheWrite float64
}

// KnownPrompt reports whether the base prompt rate resolved.
func (p Pricing) KnownPrompt() bool {
	return p.Prompt > 0
}

type catalogResponse struct {
	Data []catalogModel `json:"data"`
}

type catalogModel struct {
	ID      string         `json:"id"`
	Pricing catalogPricing `json:"pricing"`
}

// All catalog rate fields arrive as decimal strings ("0.000003").
type catalogPricing struct {
	Prompt            string `json:"prompt"`
	Completion        string `json:"completion"`
	Request           string `json:"request"`
	Image             string `json:"image"`
	Audio             string `json:"audio"`
	WebSearch         string `json:"web_search"`
	InternalReasoning string `json:"internal_reasoning"`
	InputCacheRead    string `json:"input_cache_read"`
	InputCacheWrite   string `json:"input_cache_write"`
}

// Cache serves per-model pricing from an external catalog. Reads are
// lock-free against an atomically swapped table; a stale or missing table
// triggers a blocking refresh. Concurrent refreshes are redundant network
// calls, last writer wins.
type Cache struct {
	catalogURL string
	client     *http.Client
	logger     *slog.Logger

	table     atomic.Value // map[string]Pricing
	fetchedAt atomic.Int64 // unix nanos of last successful refresh
}

func NewCache(catalogURL string, logger *slog.Logger) *Cache {
	if catalogURL == "" {
		catalogURL = DefaultCatalogURL
	}

	return &Cache{
		catalogURL: catalogURL,
		client:     &http.Client{Timeout: 30 * time.Second},
		logger:     logger,
	}
}

// Get returns the pricing for modelID, refreshing the table first when it is
// missing or older than the TTL. A failed refresh degrades to a miss.
func (c *Cache) Get(ctx context.Context, modelID string, now time.Time) (Pricing, bool) {
	if c.stale(now) {
		if err := c.Refresh(ctx, now); err != nil {
			c.logger.Warn("Pricing catalog refresh failed", "error", err)
		}
	}

	table, _ := c.table.Load().(map[string]Pricing)
	if table == nil {
		return Pricing{}, false
	}

	p, ok := table[modelID]

	return p, ok
}

func (c *Cache) stale(now time.Time) bool {
	fetched := c.fetchedAt.Load()
	if fetched == 0 {
		return true
	}

	return now.Sub(time.Unix(0, fetched)) >= TTL
}

// Refresh fetches the catalog and swaps in a fresh table. Readers never
// observe a partially written table.
func (c *Cache) Refresh(ctx context.Context, now time.Time) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.catalogURL, nil)
	if err != nil {
		return fmt.Errorf("create catalog request: %w", err)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("fetch pricing catalog: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, resp.Body)
		return fmt.Errorf("pricing catalog returned status %d", resp.StatusCode)
	}

	var catalog catalogResponse
	if err := json.NewDecoder(resp.Body).Decode(&catalog); err != nil {
		return fmt.Errorf("decode pricing catalog: %w", err)
	}

	table := make(map[string]Pricing, len(catalog.Data))
	for _, m := range catalog.Data {
		table[m.ID] = Pricing{
			Prompt:     parseRate(m.Pricing.Prompt),
			Completion: parseRate(m.Pricing.Completion),
			CacheRead:  parseRate(m.Pricing.InputCacheRead),
			CacheWrite: parseRate(m.Pricing.InputCacheWrite),
		}
	}

	c.table.Store(table)
	c.fetchedAt.Store(now.UnixNano())

	c.logger.Debug("Pricing catalog refreshed", "models", len(table))

	return nil
}

// parseRate parses a decimal-string rate. Missing or malformed values map to
// 0, which callers treat as unknown.
func parseRate(s string) float64 {
	if s == "" {
		return 0
	}

	rate, err := strconv.ParseFloat(s, 64)
	if err != nil || rate < 0 {
		return 0
	}

	return rate
}
