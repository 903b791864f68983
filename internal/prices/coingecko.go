package prices

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/shopspring/decimal"
)

// CoinGeckoClient implements upstream against the CoinGecko v3 simple
// price endpoint (§6, default price upstream per §6's config).
type CoinGeckoClient struct {
	baseURL string
	http    *http.Client
}

func NewCoinGeckoClient(baseURL string) *CoinGeckoClient {
	return &CoinGeckoClient{
		baseURL: strings.TrimRight(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
	}
}

type simplePriceEntry struct {
	USD float64 `json:"usd"`
}

// FetchUSD implements §6's GET .../simple/price?ids=...&vs_currencies=usd.
// A non-finite or missing quote for an id yields no map entry (§4.2).
func (c *CoinGeckoClient) FetchUSD(ctx context.Context, assetIDs []string) (map[string]decimal.Decimal, error) {
	endpoint := fmt.Sprintf("%s/simple/price?ids=%s&vs_currencies=usd",
		c.baseURL, url.QueryEscape(strings.Join(assetIDs, ",")))

	var raw map[string]simplePriceEntry
	op := func() error {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, endpoint, nil)
		if err != nil {
			return backoff.Permanent(err)
		}
		resp, err := c.http.Do(req)
		if err != nil {
			return err
		}
		defer resp.Body.Close()
		if resp.StatusCode >= 500 {
			return fmt.Errorf("coingecko: status %d", resp.StatusCode)
		}
		if resp.StatusCode >= 400 {
			return backoff.Permanent(fmt.Errorf("coingecko: status %d", resp.StatusCode))
		}
		return json.NewDecoder(resp.Body).Decode(&raw)
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 3
	b.RandomizationFactor = 0
	if err := backoff.Retry(op, backoff.WithContext(backoff.WithMaxRetries(b, 3), ctx)); err != nil {
		return nil, fmt.Errorf("coingecko: fetch prices: %w", err)
	}

	out := make(map[string]decimal.Decimal, len(raw))
	for id, entry := range raw {
		if math.IsNaN(entry.USD) || math.IsInf(entry.USD, 0) {
			continue
		}
		out[id] = decimal.NewFromFloat(entry.USD)
	}
	return out, nil
}
