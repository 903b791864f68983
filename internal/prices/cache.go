// Package prices implements C2, the price cache: a TTL-bounded USD quote
// store with single-flight upstream fetches so provider bursts collapse
// into one outbound call (§4.2).
package prices

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/shopspring/decimal"
	"golang.org/x/sync/singleflight"

	"github.com/aventus-dev/solgate/internal/db"
)

// TTL is the cache freshness window (§4.2: "TTL 60s").
const TTL = 60 * time.Second

// upstream is the subset of the price provider's contract this cache
// depends on (§6: "GET .../simple/price?ids=...&vs_currencies=usd").
type upstream interface {
	FetchUSD(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error)
}

// repository is the subset of internal/db.Repository the cache needs,
// accepted as an interface so tests can substitute a fake store.
type repository interface {
	GetPriceQuote(assetID string) (*db.PriceQuote, error)
	UpsertPriceQuote(q db.PriceQuote) error
}

// Cache is C2's entrypoint.
type Cache struct {
	repo     repository
	upstream upstream
	now      func() time.Time
	group    singleflight.Group
}

func New(repo repository, upstream upstream) *Cache {
	return &Cache{repo: repo, upstream: upstream, now: time.Now}
}

// GetUSDPrices implements §4.2's get_usd_prices. Absent entries in the
// returned map mean "price unknown" — never an error for a single
// missing id, only for a whole-batch upstream failure.
func (c *Cache) GetUSDPrices(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	result := make(map[string]decimal.Decimal, len(assetIDs))
	var missing []string

	for _, id := range assetIDs {
		quote, err := c.repo.GetPriceQuote(id)
		if err != nil {
			return nil, fmt.Errorf("price cache: read %s: %w", id, err)
		}
		if quote != nil && c.now().Sub(quote.FetchedAt) < TTL {
			result[id] = quote.PriceUsd
			continue
		}
		missing = append(missing, id)
	}

	if len(missing) == 0 {
		return result, nil
	}

	fetched, err := c.fetchAndStore(ctx, missing)
	if err != nil {
		return nil, err
	}
	for id, price := range fetched {
		result[id] = price
	}
	return result, nil
}

// fetchAndStore batches all missing ids into one upstream call,
// coalescing concurrent requests for the same missing-id set via
// singleflight (§4.2 "implementations SHOULD coalesce concurrent
// requests for overlapping ids").
func (c *Cache) fetchAndStore(ctx context.Context, missing []string) (map[string]decimal.Decimal, error) {
	key := singleflightKey(missing)

	v, err, _ := c.group.Do(key, func() (interface{}, error) {
		quotes, err := c.upstream.FetchUSD(ctx, missing)
		if err != nil {
			return nil, fmt.Errorf("price cache: upstream fetch: %w", err)
		}

		now := c.now()
		for id, price := range quotes {
			// FetchUSD already omits non-finite/missing quotes (§4.2): an
			// id present here is always a writable quote.
			if err := c.repo.UpsertPriceQuote(db.PriceQuote{
				AssetID:   id,
				PriceUsd:  price,
				FetchedAt: now,
			}); err != nil {
				return nil, fmt.Errorf("price cache: write %s: %w", id, err)
			}
		}
		return quotes, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]decimal.Decimal), nil
}

func singleflightKey(ids []string) string {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	return strings.Join(sorted, ",")
}
