package rules

import (
	"fmt"

	"github.com/aventus-dev/solgate/pkg/util"
	"github.com/shopspring/decimal"
)

// Evaluate returns one Evaluation per rule, per §8 property 1 (evaluator
// totality). It never mutates rules or snapshot; Prices is read-only.
func Evaluate(ruleSet []Rule, snapshot Snapshot, prices Prices) []Evaluation {
	out := make([]Evaluation, 0, len(ruleSet))
	for _, r := range ruleSet {
		out = append(out, evaluateOne(r, snapshot, prices))
	}
	return out
}

func evaluateOne(r Rule, snapshot Snapshot, prices Prices) Evaluation {
	switch r.Kind {
	case TokenAmount:
		return evaluateTokenAmount(r, snapshot)
	case TokenUsd:
		return evaluateTokenUsd(r, snapshot, prices)
	case NftCollection:
		return evaluateNftCollection(r, snapshot)
	default:
		return Evaluation{
			RuleID:    r.ID,
			RoleID:    r.RoleID,
			Satisfied: Indeterminate,
			Reason:    fmt.Sprintf("unknown rule kind %d", r.Kind),
		}
	}
}

func evaluateTokenAmount(r Rule, snapshot Snapshot) Evaluation {
	balance := balanceOf(snapshot, r.Mint)
	satisfied := util.AtLeast(balance, r.ThresholdAmount)
	return Evaluation{
		RuleID:    r.ID,
		RoleID:    r.RoleID,
		Satisfied: triFromBool(satisfied),
		Reason: fmt.Sprintf("token_amount mint=%s balance=%s threshold=%s satisfied=%t",
			r.Mint, balance.String(), r.ThresholdAmount.String(), satisfied),
	}
}

func evaluateTokenUsd(r Rule, snapshot Snapshot, prices Prices) Evaluation {
	price, ok := prices[r.PriceAssetID]
	if !ok {
		return Evaluation{
			RuleID:    r.ID,
			RoleID:    r.RoleID,
			Satisfied: Indeterminate,
			Reason:    fmt.Sprintf("token_usd mint=%s asset=%s price unavailable", r.Mint, r.PriceAssetID),
		}
	}

	balance := balanceOf(snapshot, r.Mint)
	valueUsd := balance.Mul(price)
	satisfied := util.AtLeast(valueUsd, r.ThresholdUSD)
	return Evaluation{
		RuleID:    r.ID,
		RoleID:    r.RoleID,
		Satisfied: triFromBool(satisfied),
		Reason: fmt.Sprintf("token_usd mint=%s balance=%s price=%s value_usd=%s threshold_usd=%s satisfied=%t",
			r.Mint, balance.String(), price.String(), valueUsd.String(), r.ThresholdUSD.String(), satisfied),
	}
}

func evaluateNftCollection(r Rule, snapshot Snapshot) Evaluation {
	count := snapshot.NftCountsByVerifiedCollection[r.CollectionAddress]
	satisfied := count >= r.ThresholdCount
	return Evaluation{
		RuleID:    r.ID,
		RoleID:    r.RoleID,
		Satisfied: triFromBool(satisfied),
		Reason: fmt.Sprintf("nft_collection collection=%s count=%d threshold=%d satisfied=%t",
			r.CollectionAddress, count, r.ThresholdCount, satisfied),
	}
}

func balanceOf(snapshot Snapshot, mint string) decimal.Decimal {
	if snapshot.TokenBalancesByMint == nil {
		return decimal.Zero
	}
	if v, ok := snapshot.TokenBalancesByMint[mint]; ok {
		return v
	}
	return decimal.Zero
}

func triFromBool(b bool) Tri {
	if b {
		return True
	}
	return False
}

// Decide groups evaluations by role_id and applies OR composition (§4.3,
// §8 property 2): any true -> true; else any null -> null; else false.
// One decision per distinct role_id in the input (§8 property 1).
func Decide(evaluations []Evaluation) []RoleDecision {
	order := make([]string, 0)
	byRole := make(map[string][]Evaluation)
	for _, e := range evaluations {
		if _, seen := byRole[e.RoleID]; !seen {
			order = append(order, e.RoleID)
		}
		byRole[e.RoleID] = append(byRole[e.RoleID], e)
	}

	out := make([]RoleDecision, 0, len(order))
	for _, roleID := range order {
		group := byRole[roleID]
		var trueIDs []string
		anyNull := false
		for _, e := range group {
			switch e.Satisfied {
			case True:
				trueIDs = append(trueIDs, e.RuleID)
			case Indeterminate:
				anyNull = true
			}
		}

		decision := RoleDecision{RoleID: roleID}
		switch {
		case len(trueIDs) > 0:
			decision.ShouldHave = True
			decision.MatchedRuleIDs = trueIDs
		case anyNull:
			decision.ShouldHave = Indeterminate
		default:
			decision.ShouldHave = False
		}
		out = append(out, decision)
	}
	return out
}
