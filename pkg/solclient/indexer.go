package solclient

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"
)

// indexerClient speaks the asset indexer's ("DAS") JSON-RPC
// getAssetsByOwner method (§6: "JSON-RPC getAssetsByOwner with
// {ownerAddress, page, limit}").
type indexerClient struct {
	baseURL string
	http    *http.Client
}

func newIndexerClient(baseURL string) *indexerClient {
	return &indexerClient{
		baseURL: baseURL,
		http:    &http.Client{Timeout: 15 * time.Second},
	}
}

type dasRequest struct {
	JSONRPC string       `json:"jsonrpc"`
	ID      string       `json:"id"`
	Method  string       `json:"method"`
	Params  dasRequestParams `json:"params"`
}

type dasRequestParams struct {
	OwnerAddress string `json:"ownerAddress"`
	Page         int    `json:"page"`
	Limit        int    `json:"limit"`
}

type dasResponse struct {
	Result struct {
		Items []dasAsset `json:"items"`
	} `json:"result"`
	Error *struct {
		Message string `json:"message"`
	} `json:"error"`
}

// dasAsset is the subset of a DAS asset record needed to determine
// verified-collection membership (§4.1): either a grouping entry with
// group_key=="collection" and a truthy verified/collection_verified
// flag, or content.metadata.collection.verified with a non-empty key.
type dasAsset struct {
	Grouping []struct {
		GroupKey          string `json:"group_key"`
		GroupValue        string `json:"group_value"`
		Verified          bool   `json:"verified"`
		CollectionVerified bool  `json:"collection_verified"`
	} `json:"grouping"`
	Content struct {
		Metadata struct {
			Collection struct {
				Key      string `json:"key"`
				Verified bool   `json:"verified"`
			} `json:"collection"`
		} `json:"metadata"`
	} `json:"content"`
}

// verifiedCollection returns the verified collection key for this asset
// and true, or ("", false) if it lacks a verified collection key
// entirely, per §4.1's acceptance rule.
func (a dasAsset) verifiedCollection() (string, bool) {
	for _, g := range a.Grouping {
		if g.GroupKey == "collection" && (g.Verified || g.CollectionVerified) && g.GroupValue != "" {
			return g.GroupValue, true
		}
	}
	if a.Content.Metadata.Collection.Verified && a.Content.Metadata.Collection.Key != "" {
		return a.Content.Metadata.Collection.Key, true
	}
	return "", false
}

// assetsByOwner paginates getAssetsByOwner until a page returns fewer
// than limit assets (§4.1).
func (c *indexerClient) assetsByOwner(ctx context.Context, owner string, limit int) ([]dasAsset, error) {
	var all []dasAsset
	for page := 1; ; page++ {
		items, err := c.fetchPage(ctx, owner, page, limit)
		if err != nil {
			return nil, err
		}
		all = append(all, items...)
		if len(items) < limit {
			break
		}
	}
	return all, nil
}

func (c *indexerClient) fetchPage(ctx context.Context, owner string, page, limit int) ([]dasAsset, error) {
	reqBody := dasRequest{
		JSONRPC: "2.0",
		ID:      "solgate",
		Method:  "getAssetsByOwner",
		Params: dasRequestParams{
			OwnerAddress: owner,
			Page:         page,
			Limit:        limit,
		},
	}
	payload, err := json.Marshal(reqBody)
	if err != nil {
		return nil, fmt.Errorf("solclient: encode getAssetsByOwner request: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("solclient: build getAssetsByOwner request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := c.http.Do(httpReq)
	if err != nil {
		return nil, fmt.Errorf("solclient: getAssetsByOwner request: %w", err)
	}
	defer resp.Body.Close()

	var decoded dasResponse
	if err := json.NewDecoder(resp.Body).Decode(&decoded); err != nil {
		return nil, fmt.Errorf("solclient: decode getAssetsByOwner response: %w", err)
	}
	if decoded.Error != nil {
		return nil, fmt.Errorf("solclient: getAssetsByOwner: %s", decoded.Error.Message)
	}
	return decoded.Result.Items, nil
}

// NftCountsByVerifiedCollection counts NFTs owned by wallet per verified
// collection (§4.1).
func (c *Client) NftCountsByVerifiedCollection(ctx context.Context, owner string) (map[string]int64, error) {
	assets, err := c.indexer.assetsByOwner(ctx, owner, c.pageLimit)
	if err != nil {
		return nil, err
	}

	counts := make(map[string]int64)
	for _, a := range assets {
		collection, ok := a.verifiedCollection()
		if !ok {
			continue
		}
		counts[collection]++
	}
	return counts, nil
}
