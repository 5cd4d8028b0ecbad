package choreo

import (
	"strconv"
	"sync"

	"github.com/roach88/aura/internal/errs"
	"github.com/roach88/aura/internal/ids"
)

// DefaultFlowLimit is the per (context, peer) budget when none is given.
const DefaultFlowLimit = 1024

type budgetKey struct {
	context ids.ContextID
	peer    ids.AuthorityID
}

// FlowBudget meters the flow cost charged against each (context, peer)
// pair and refuses charges that would exceed the limit.
//
// A refused charge leaves the spent amount unchanged, so the caller can
// abort the send without partial accounting.
type FlowBudget struct {
	mu    sync.Mutex
	limit uint64
	spent map[budgetKey]uint64
}

// NewFlowBudget creates a budget with the given per-pair limit.
func NewFlowBudget(limit uint64) *FlowBudget {
	return &FlowBudget{limit: limit, spent: make(map[budgetKey]uint64)}
}

// Charge adds amount to the pair's spend. It returns PROTOCOL_BUDGET_EXHAUSTED
// when the new total would pass the limit.
func (b *FlowBudget) Charge(context ids.ContextID, peer ids.AuthorityID, amount uint64) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	k := budgetKey{context, peer}
	next := b.spent[k] + amount
	if next > b.limit {
		return errs.Newf(errs.KindProtocol, errs.CodeBudgetExhausted,
			"flow budget exhausted: %d + %d > %d", b.spent[k], amount, b.limit).
			With("context", context.String()).
			With("peer", peer.String()).
			With("amount", strconv.FormatUint(amount, 10))
	}
	b.spent[k] = next
	return nil
}

// Spent returns the pair's current spend.
func (b *FlowBudget) Spent(context ids.ContextID, peer ids.AuthorityID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.spent[budgetKey{context, peer}]
}

// Remaining returns what the pair may still spend.
func (b *FlowBudget) Remaining(context ids.ContextID, peer ids.AuthorityID) uint64 {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.limit - b.spent[budgetKey{context, peer}]
}

// Reset clears the pair's spend.
func (b *FlowBudget) Reset(context ids.ContextID, peer ids.AuthorityID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.spent, budgetKey{context, peer})
}

// Limit returns the per-pair limit.
func (b *FlowBudget) Limit() uint64 { return b.limit }

// IsBudgetExhausted reports whether err is a refused charge.
func IsBudgetExhausted(err error) bool {
	return errs.IsCode(err, errs.CodeBudgetExhausted)
}
