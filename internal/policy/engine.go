// Package policy decides whether an outbound agent action is permitted and
// whether it needs human confirmation. Evaluation is read-only; a request
// counts against replay and rate state only once the caller reports it as
// actually executed via Record.
package policy

import (
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

// Rule identifiers, in evaluation order. The first failing rule is final.
const (
	RuleReplay            = "replay"
	RuleChainAllowlist    = "chain_allowlist"
	RuleContractDenylist  = "contract_denylist"
	RuleContractAllowlist = "contract_allowlist"
	RuleValueCap          = "value_cap"
	RuleValueParse        = "value_parse_error"
	RuleMethodAllowlist   = "method_allowlist"
	RuleRateHourly        = "rate_limit_hourly"
	RuleRateDaily         = "rate_limit_daily"
)

// SigningPolicy is the immutable per-tenant configuration for outbound
// transaction-shaped actions. Empty allowlists permit everything; the
// denylist always wins over the allowlist.
type SigningPolicy struct {
	AllowedChainIDs        []int64  `json:"allowed_chain_ids,omitempty"`
	AllowedContracts       []string `json:"allowed_contracts,omitempty"`
	DeniedContracts        []string `json:"denied_contracts,omitempty"`
	MaxTransactionValueWei string   `json:"max_transaction_value_wei,omitempty"`
	AllowedMethodSelectors []string `json:"allowed_method_selectors,omitempty"`
	MaxTxPerHour           int      `json:"max_tx_per_hour,omitempty"`
	MaxTxPerDay            int      `json:"max_tx_per_day,omitempty"`
	RequireConfirmation    bool     `json:"require_confirmation,omitempty"`
	ConfirmAboveValueWei   string   `json:"confirm_above_value_wei,omitempty"`
}

// TxRequest is a transaction-shaped action submitted for evaluation.
type TxRequest struct {
	RequestID string `json:"request_id"`
	ChainID   int64  `json:"chain_id"`
	To        string `json:"to"`
	ValueWei  string `json:"value_wei"`
	Data      string `json:"data,omitempty"`
}

// Decision is the outcome of a policy evaluation.
type Decision struct {
	Allowed              bool   `json:"allowed"`
	MatchedRule          string `json:"matched_rule,omitempty"`
	Reason               string `json:"reason,omitempty"`
	RequiresConfirmation bool   `json:"requires_confirmation,omitempty"`
}

func reject(rule, reason string) Decision {
	return Decision{MatchedRule: rule, Reason: reason}
}

// maxProcessedEntries bounds the per-tenant replay cache; on overflow the
// oldest half is evicted.
const maxProcessedEntries = 4096

type tenantState struct {
	processed map[string]struct{}
	order     []string
	recorded  []time.Time
}

// Engine evaluates signing policies and tracks recorded executions per
// tenant for replay detection and rolling rate windows.
type Engine struct {
	mu      sync.Mutex
	tenants map[string]*tenantState
	now     func() time.Time
}

// NewEngine creates an engine with empty per-tenant state.
func NewEngine() *Engine {
	return &Engine{
		tenants: make(map[string]*tenantState),
		now:     time.Now,
	}
}

// SetClock overrides the time source. Only intended for tests.
func (e *Engine) SetClock(fn func() time.Time) {
	if fn != nil {
		e.now = fn
	}
}

func (e *Engine) state(tenantID string) *tenantState {
	st, ok := e.tenants[tenantID]
	if !ok {
		st = &tenantState{processed: make(map[string]struct{})}
		e.tenants[tenantID] = st
	}
	return st
}

// Evaluate runs the rules in fixed priority order and short-circuits on the
// first failure. It never mutates replay or rate state beyond pruning the
// rolling window to the trailing 24 hours.
func (e *Engine) Evaluate(tenantID string, p SigningPolicy, req TxRequest) Decision {
	now := e.now()

	e.mu.Lock()
	st := e.state(tenantID)
	st.prune(now)
	_, replayed := st.processed[req.RequestID]
	hourCount, dayCount := st.windowCounts(now)
	e.mu.Unlock()

	// 1. Replay.
	if req.RequestID != "" && replayed {
		return reject(RuleReplay, fmt.Sprintf("request %s was already processed", req.RequestID))
	}

	// 2. Chain allowlist. Empty means all chains permitted.
	if len(p.AllowedChainIDs) > 0 && !containsInt64(p.AllowedChainIDs, req.ChainID) {
		return reject(RuleChainAllowlist, fmt.Sprintf("chain %d is not allowlisted", req.ChainID))
	}

	// 3. Contract denylist, checked before the allowlist.
	to := normalizeAddress(req.To)
	for _, denied := range p.DeniedContracts {
		if normalizeAddress(denied) == to && to != "" {
			return reject(RuleContractDenylist, fmt.Sprintf("destination %s is denylisted", req.To))
		}
	}

	// 4. Contract allowlist. Empty means all contracts permitted.
	if len(p.AllowedContracts) > 0 && !containsAddress(p.AllowedContracts, to) {
		return reject(RuleContractAllowlist, fmt.Sprintf("destination %s is not allowlisted", req.To))
	}

	// 5. Value cap. An unparseable value is a hard rejection, never fail-open.
	var value *big.Int
	if p.MaxTransactionValueWei != "" {
		limit, limitOK := parseWei(p.MaxTransactionValueWei)
		value, _ = parseWei(req.ValueWei)
		if value == nil {
			return reject(RuleValueParse, fmt.Sprintf("value %q is not an integer", req.ValueWei))
		}
		if limitOK && value.Cmp(limit) > 0 {
			return reject(RuleValueCap, fmt.Sprintf("value %s exceeds cap %s", req.ValueWei, p.MaxTransactionValueWei))
		}
	}

	// 6. Method-selector allowlist, only when call data carries a selector.
	if len(p.AllowedMethodSelectors) > 0 {
		if selector, ok := methodSelector(req.Data); ok && !containsSelector(p.AllowedMethodSelectors, selector) {
			return reject(RuleMethodAllowlist, fmt.Sprintf("method %s is not allowlisted", selector))
		}
	}

	// 7. Rolling rate windows over previously recorded executions.
	if p.MaxTxPerHour > 0 && hourCount >= p.MaxTxPerHour {
		return reject(RuleRateHourly, fmt.Sprintf("hourly transaction limit %d reached", p.MaxTxPerHour))
	}
	if p.MaxTxPerDay > 0 && dayCount >= p.MaxTxPerDay {
		return reject(RuleRateDaily, fmt.Sprintf("daily transaction limit %d reached", p.MaxTxPerDay))
	}

	// 8. Human confirmation. Never a rejection.
	confirm := p.RequireConfirmation
	if !confirm && p.ConfirmAboveValueWei != "" {
		threshold, thresholdOK := parseWei(p.ConfirmAboveValueWei)
		if value == nil {
			value, _ = parseWei(req.ValueWei)
		}
		switch {
		case value == nil:
			// Cannot establish the value is below the threshold.
			confirm = true
		case thresholdOK && value.Cmp(threshold) > 0:
			confirm = true
		}
	}

	return Decision{Allowed: true, RequiresConfirmation: confirm}
}

// Record marks a request as executed. It consumes rate budget and arms
// replay detection; callers invoke it only after the action actually ran.
func (e *Engine) Record(tenantID, requestID string) {
	now := e.now()

	e.mu.Lock()
	defer e.mu.Unlock()
	st := e.state(tenantID)
	st.recorded = append(st.recorded, now)
	st.prune(now)

	if requestID == "" {
		return
	}
	if _, ok := st.processed[requestID]; !ok {
		st.processed[requestID] = struct{}{}
		st.order = append(st.order, requestID)
	}
	if len(st.order) > maxProcessedEntries {
		half := len(st.order) / 2
		for _, id := range st.order[:half] {
			delete(st.processed, id)
		}
		st.order = append([]string(nil), st.order[half:]...)
	}
}

func (st *tenantState) prune(now time.Time) {
	cutoff := now.Add(-24 * time.Hour)
	kept := st.recorded[:0]
	for _, ts := range st.recorded {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	st.recorded = kept
}

func (st *tenantState) windowCounts(now time.Time) (hour, day int) {
	hourCutoff := now.Add(-time.Hour)
	for _, ts := range st.recorded {
		day++
		if ts.After(hourCutoff) {
			hour++
		}
	}
	return hour, day
}

func parseWei(raw string) (*big.Int, bool) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, false
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok || v.Sign() < 0 {
		return nil, false
	}
	return v, true
}

// normalizeAddress lowercases an address for case-insensitive comparison,
// going through the checksummed form when the input is a valid hex address.
func normalizeAddress(raw string) string {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return ""
	}
	if common.IsHexAddress(raw) {
		return strings.ToLower(common.HexToAddress(raw).Hex())
	}
	return strings.ToLower(raw)
}

// methodSelector extracts the 4-byte selector from call data. Data shorter
// than a selector, or absent entirely, yields no selector to check.
func methodSelector(data string) (string, bool) {
	data = strings.TrimSpace(data)
	if data == "" {
		return "", false
	}
	raw, err := hexutil.Decode(data)
	if err != nil || len(raw) < 4 {
		return "", false
	}
	return strings.ToLower(hexutil.Encode(raw[:4])), true
}

func containsInt64(list []int64, v int64) bool {
	for _, item := range list {
		if item == v {
			return true
		}
	}
	return false
}

func containsAddress(list []string, normalized string) bool {
	for _, item := range list {
		if normalizeAddress(item) == normalized {
			return true
		}
	}
	return false
}

func containsSelector(list []string, selector string) bool {
	for _, item := range list {
		item = strings.ToLower(strings.TrimSpace(item))
		if !strings.HasPrefix(item, "0x") {
			item = "0x" + item
		}
		if item == selector {
			return true
		}
	}
	return false
}
