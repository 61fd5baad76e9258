package fees

import (
	"sync"

	"github.com/ethereum/go-ethereum/common"
)

const (
	historyMaxEntries = 10
	historyRaiseNum   = 110
	historyRaiseDen   = 100
)

// gasHistory tracks actual gas consumed per recipient so repeated
// underestimation for the same call shape gets smoothed out. Shared across
// concurrent orchestrations; bounded to historyMaxEntries per recipient.
type gasHistory struct {
	mu      sync.Mutex
	entries map[common.Address][]uint64
}

func newGasHistory() *gasHistory {
	return &gasHistory{entries: make(map[common.Address][]uint64)}
}

func (h *gasHistory) observe(to common.Address, gasUsed uint64) {
	if gasUsed == 0 {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	list := append(h.entries[to], gasUsed)
	if len(list) > historyMaxEntries {
		list = list[len(list)-historyMaxEntries:]
	}
	h.entries[to] = list
}

// adjust raises estimate to 110% of the historical average when the
// average exceeds it. Returns the (possibly raised) limit and whether it
// was raised.
func (h *gasHistory) adjust(to common.Address, estimate uint64) (uint64, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	list := h.entries[to]
	if len(list) == 0 {
		return estimate, false
	}
	var sum uint64
	for _, v := range list {
		sum += v
	}
	avg := sum / uint64(len(list))
	if avg <= estimate {
		return estimate, false
	}
	return avg * historyRaiseNum / historyRaiseDen, true
}
