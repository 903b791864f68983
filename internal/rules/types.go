// Package rules implements C3, the rule evaluator: a pure, side-effect
// free function that turns gating rules, a wallet snapshot, and a price
// map into per-role decisions using explicit tri-valued logic (§4.3, §9).
package rules

import "github.com/shopspring/decimal"

// Tri is the explicit tri-valued result spec §9 requires: "not emulated
// with nullable booleans in a way that blurs unknown with absent".
type Tri int

const (
	False Tri = iota
	True
	Indeterminate
)

func (t Tri) String() string {
	switch t {
	case True:
		return "true"
	case False:
		return "false"
	default:
		return "indeterminate"
	}
}

// Kind tags which variant a GatingRule carries (§3, §9 "tagged rule variants").
type Kind int

const (
	TokenAmount Kind = iota
	TokenUsd
	NftCollection
)

// Rule is the sum type carrying only the fields its Kind needs. The
// stored row schema is wide with nullable columns (internal/db); this is
// the in-memory shape spec §9 calls for.
type Rule struct {
	ID      string
	RoleID  string
	Enabled bool
	Kind    Kind

	// TokenAmount / TokenUsd
	Mint string

	// TokenAmount
	ThresholdAmount decimal.Decimal

	// TokenUsd
	ThresholdUSD  decimal.Decimal
	PriceAssetID  string

	// NftCollection
	CollectionAddress string
	ThresholdCount    int64
}

// Snapshot is a point-in-time view of a wallet's relevant on-chain
// holdings (§4.1's WalletSnapshot, GLOSSARY "Snapshot").
type Snapshot struct {
	Wallet                        string
	TokenBalancesByMint           map[string]decimal.Decimal
	NftCountsByVerifiedCollection map[string]int64
}

// Prices maps a price_asset_id to its current USD quote. An absent entry
// means "price unknown" (§4.2).
type Prices map[string]decimal.Decimal

// Evaluation is the per-rule result of Evaluate.
type Evaluation struct {
	RuleID    string
	RoleID    string
	Satisfied Tri
	Reason    string
}

// RoleDecision is the per-role OR-composed result of Decide.
type RoleDecision struct {
	RoleID        string
	ShouldHave    Tri
	MatchedRuleIDs []string
}
