package policy

import (
	"fmt"
	"math"
	"strings"
	"time"

	"trustcore.org/internal/fault"
)

// Betting rule identifiers.
const (
	RuleBetDailyCap    = "betting_daily_cap"
	RuleBetPerTradeCap = "betting_per_trade_cap"
	RuleBetCooldown    = "betting_cooldown"
)

// Confirmation modes for the betting policy.
const (
	ConfirmAlways    = "always"
	ConfirmNever     = "never"
	ConfirmThreshold = "threshold"
)

// BettingPolicy caps prediction-market spend per tenant. Zero caps disable
// the corresponding rule.
type BettingPolicy struct {
	MaxDailySpend      float64 `json:"max_daily_spend,omitempty"`
	MaxPerTrade        float64 `json:"max_per_trade,omitempty"`
	CooldownSeconds    int     `json:"cooldown_seconds,omitempty"`
	ConfirmationMode   string  `json:"confirmation_mode,omitempty"`
	ConfirmAboveAmount float64 `json:"confirm_above_amount,omitempty"`
}

// BetRequest is a wager submitted for evaluation.
type BetRequest struct {
	MarketID string  `json:"market_id"`
	Position string  `json:"position"`
	Amount   float64 `json:"amount"`
}

// EvaluateBet validates the wager and applies the betting caps. A malformed
// request returns a client error, distinct from a policy rejection; spend
// and lastBet come from the tenant's executed-bet audit history.
func EvaluateBet(p BettingPolicy, req BetRequest, spentToday float64, lastBet, now time.Time) (Decision, error) {
	if strings.TrimSpace(req.MarketID) == "" {
		return Decision{}, fault.Invalid("market_id is required")
	}
	if strings.TrimSpace(req.Position) == "" {
		return Decision{}, fault.Invalid("position is required")
	}
	if req.Amount <= 0 || math.IsNaN(req.Amount) || math.IsInf(req.Amount, 0) {
		return Decision{}, fault.Invalid("amount must be a positive finite number")
	}

	if p.MaxDailySpend > 0 && spentToday+req.Amount > p.MaxDailySpend {
		return reject(RuleBetDailyCap, fmt.Sprintf("daily spend cap %.2f would be exceeded", p.MaxDailySpend)), nil
	}
	if p.MaxPerTrade > 0 && req.Amount > p.MaxPerTrade {
		return reject(RuleBetPerTradeCap, fmt.Sprintf("per-trade cap %.2f exceeded", p.MaxPerTrade)), nil
	}
	if p.CooldownSeconds > 0 && !lastBet.IsZero() {
		cooldown := time.Duration(p.CooldownSeconds) * time.Second
		if now.Sub(lastBet) < cooldown {
			return reject(RuleBetCooldown, fmt.Sprintf("cooldown of %ds since the last bet has not elapsed", p.CooldownSeconds)), nil
		}
	}

	return Decision{Allowed: true, RequiresConfirmation: betNeedsConfirmation(p, req.Amount)}, nil
}

// betNeedsConfirmation applies the configured mode; an unknown mode falls
// back to always confirming.
func betNeedsConfirmation(p BettingPolicy, amount float64) bool {
	switch p.ConfirmationMode {
	case ConfirmNever:
		return false
	case ConfirmThreshold:
		return amount > p.ConfirmAboveAmount
	default:
		return true
	}
}
