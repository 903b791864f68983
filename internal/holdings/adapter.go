// Package holdings implements C1, the chain-holdings adapter:
// snapshot(wallet, opts) -> WalletSnapshot, retried with bounded
// exponential backoff, failing with apierr.UpstreamUnavailable on
// exhaustion (§4.1) so callers (internal/worker) can fail open.
package holdings

import (
	"context"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gagliardetto/solana-go"
	"github.com/shopspring/decimal"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/internal/rules"
	"github.com/aventus-dev/solgate/pkg/solclient"
	"github.com/aventus-dev/solgate/pkg/util"
)

// Options selects which snapshot slices to fetch (§4.1); a rule set with
// no USD/amount rule skips the token-balance RPC entirely, and one with
// no collection rule skips the DAS call.
type Options struct {
	IncludeTokens bool
	IncludeNfts   bool
}

// chainClient is the subset of *solclient.Client the adapter depends on,
// accepted as an interface so tests can substitute a fake without a live
// RPC endpoint.
type chainClient interface {
	TokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]solclient.TokenAccount, error)
	NftCountsByVerifiedCollection(ctx context.Context, owner string) (map[string]int64, error)
}

// Adapter fetches wallet snapshots from the chain RPC + indexer.
type Adapter struct {
	client chainClient
}

func New(client *solclient.Client) *Adapter {
	return &Adapter{client: client}
}

// NewWithClient wires an arbitrary chainClient implementation, used by
// tests to avoid a live Solana endpoint.
func NewWithClient(client chainClient) *Adapter {
	return &Adapter{client: client}
}

// retrySchedule waits 250 ms, 750 ms, then 2.25 s between attempts
// (multiplier 3, no jitter), for at most 4 attempts in total (§4.1).
func retrySchedule() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = 250 * time.Millisecond
	b.Multiplier = 3
	b.RandomizationFactor = 0
	b.MaxElapsedTime = 0 // bounded by WithMaxRetries below, not elapsed time
	return backoff.WithMaxRetries(b, 3)
}

// Snapshot implements §4.1's contract. If both include flags are false
// it returns an empty snapshot without any network call.
func (a *Adapter) Snapshot(ctx context.Context, wallet string, opts Options) (rules.Snapshot, error) {
	snap := rules.Snapshot{
		Wallet:                        wallet,
		TokenBalancesByMint:           map[string]decimal.Decimal{},
		NftCountsByVerifiedCollection: map[string]int64{},
	}

	if !opts.IncludeTokens && !opts.IncludeNfts {
		return snap, nil
	}

	pubkey, err := solana.PublicKeyFromBase58(wallet)
	if err != nil {
		return rules.Snapshot{}, apierr.Validation("invalid wallet pubkey: " + err.Error())
	}

	if opts.IncludeTokens {
		balances, err := a.tokenBalances(ctx, pubkey)
		if err != nil {
			return rules.Snapshot{}, err
		}
		snap.TokenBalancesByMint = balances
	}

	if opts.IncludeNfts {
		counts, err := a.nftCounts(ctx, wallet)
		if err != nil {
			return rules.Snapshot{}, err
		}
		snap.NftCountsByVerifiedCollection = counts
	}

	return snap, nil
}

func (a *Adapter) tokenBalances(ctx context.Context, pubkey solana.PublicKey) (map[string]decimal.Decimal, error) {
	var accounts []solclient.TokenAccount
	op := func() error {
		var err error
		accounts, err = a.client.TokenAccountsByOwner(ctx, pubkey)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(retrySchedule(), ctx)); err != nil {
		return nil, apierr.UpstreamUnavailable("fetch token accounts", err)
	}

	// Duplicate accounts per mint are summed (§4.1).
	balances := make(map[string]decimal.Decimal)
	for _, acc := range accounts {
		amount, err := util.ParseAmount(formatFloat(acc.UiAmount))
		if err != nil {
			continue
		}
		balances[acc.Mint] = util.SumAmount(balances[acc.Mint], amount)
	}
	return balances, nil
}

func (a *Adapter) nftCounts(ctx context.Context, wallet string) (map[string]int64, error) {
	var counts map[string]int64
	op := func() error {
		var err error
		counts, err = a.client.NftCountsByVerifiedCollection(ctx, wallet)
		return err
	}

	if err := backoff.Retry(op, backoff.WithContext(retrySchedule(), ctx)); err != nil {
		return nil, apierr.UpstreamUnavailable("fetch nft counts", err)
	}
	return counts, nil
}

func formatFloat(f float64) string {
	return decimal.NewFromFloat(f).Truncate(util.AmountScale).String()
}
