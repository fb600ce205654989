package tail

import (
	"sort"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/daviddao/paymenthistory_viewer/internal/model"
)

// Usage counts successful outgoing payments per token and per target.
type Usage struct {
	mu      sync.RWMutex
	tokens  map[common.Address]int
	targets map[common.Address]int
}

func NewUsage() *Usage {
	return &Usage{
		tokens:  make(map[common.Address]int),
		targets: make(map[common.Address]int),
	}
}

// Record counts one sent payment.
func (u *Usage) Record(t model.Transfer) {
	u.mu.Lock()
	defer u.mu.Unlock()
	u.tokens[t.Token]++
	u.targets[t.Counterparty]++
}

func (u *Usage) TokenUsage(token common.Address) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.tokens[token]
}

func (u *Usage) TargetUsage(target common.Address) int {
	u.mu.RLock()
	defer u.mu.RUnlock()
	return u.targets[target]
}

// TokensByUsage orders tokens most used first; ties keep address order.
func (u *Usage) TokensByUsage(tokens []common.Address) []common.Address {
	out := append([]common.Address(nil), tokens...)
	u.mu.RLock()
	defer u.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		ui, uj := u.tokens[out[i]], u.tokens[out[j]]
		if ui != uj {
			return ui > uj
		}
		return out[i].Cmp(out[j]) < 0
	})
	return out
}

// Clear forgets all counts.
func (u *Usage) Clear() {
	u.mu.Lock()
	defer u.mu.Unlock()
	clear(u.tokens)
	clear(u.targets)
}
