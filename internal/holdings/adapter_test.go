package holdings

import (
	"context"
	"errors"
	"testing"

	"github.com/gagliardetto/solana-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aventus-dev/solgate/internal/apierr"
	"github.com/aventus-dev/solgate/pkg/solclient"
)

type fakeChainClient struct {
	tokens   []solclient.TokenAccount
	tokenErr error
	nfts     map[string]int64
	nftErr   error
}

func (f *fakeChainClient) TokenAccountsByOwner(ctx context.Context, owner solana.PublicKey) ([]solclient.TokenAccount, error) {
	return f.tokens, f.tokenErr
}

func (f *fakeChainClient) NftCountsByVerifiedCollection(ctx context.Context, owner string) (map[string]int64, error) {
	return f.nfts, f.nftErr
}

const testWallet = "11111111111111111111111111111111"

func TestSnapshot_NoIncludesSkipsNetwork(t *testing.T) {
	fake := &fakeChainClient{tokenErr: errors.New("should not be called")}
	a := NewWithClient(fake)

	snap, err := a.Snapshot(context.Background(), testWallet, Options{})
	require.NoError(t, err)
	assert.Empty(t, snap.TokenBalancesByMint)
	assert.Empty(t, snap.NftCountsByVerifiedCollection)
}

func TestSnapshot_SumsDuplicateMintAccounts(t *testing.T) {
	fake := &fakeChainClient{
		tokens: []solclient.TokenAccount{
			{Mint: "M", UiAmount: 40},
			{Mint: "M", UiAmount: 60},
		},
	}
	a := NewWithClient(fake)

	snap, err := a.Snapshot(context.Background(), testWallet, Options{IncludeTokens: true})
	require.NoError(t, err)
	assert.True(t, snap.TokenBalancesByMint["M"].Equal(snap.TokenBalancesByMint["M"]))
	got, _ := snap.TokenBalancesByMint["M"].Float64()
	assert.Equal(t, float64(100), got)
}

func TestSnapshot_UpstreamFailureIsTaggedUnavailable(t *testing.T) {
	fake := &fakeChainClient{tokenErr: errors.New("rpc timeout")}
	a := NewWithClient(fake)

	_, err := a.Snapshot(context.Background(), testWallet, Options{IncludeTokens: true})
	require.Error(t, err)
	assert.True(t, apierr.Is(err, apierr.CodeUpstreamUnavailable))
}

func TestSnapshot_NftCounts(t *testing.T) {
	fake := &fakeChainClient{nfts: map[string]int64{"C": 3}}
	a := NewWithClient(fake)

	snap, err := a.Snapshot(context.Background(), testWallet, Options{IncludeNfts: true})
	require.NoError(t, err)
	assert.Equal(t, int64(3), snap.NftCountsByVerifiedCollection["C"])
}
