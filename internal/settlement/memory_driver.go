package settlement

import (
	"context"
	"fmt"
	"sync"
)

// MemoryDriver is an in-process SettlementDriver used for local
// development and tests. It "settles" the requested amount, capped at the
// peer's remaining configured balance, and deducts it from that balance.
type MemoryDriver struct {
	mu        sync.Mutex
	balances  map[string]int64
	settled   map[string]int64
	nextTxSeq int
}

// NewMemoryDriver constructs a driver whose per-peer balances start at
// the given defaults; peers not present default to zero available balance.
func NewMemoryDriver(initialBalances map[string]int64) *MemoryDriver {
	balances := make(map[string]int64, len(initialBalances))
	for k, v := range initialBalances {
		balances[k] = v
	}
	return &MemoryDriver{balances: balances, settled: make(map[string]int64)}
}

func (d *MemoryDriver) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	d.mu.Lock()
	defer d.mu.Unlock()

	available := d.balances[req.PeerID]
	amount := req.AmountOwed
	if amount > available {
		amount = available
	}
	d.balances[req.PeerID] = available - amount
	d.settled[req.PeerID] += amount
	d.nextTxSeq++

	return SettleResult{
		TxRef:         fmt.Sprintf("mem-tx-%d", d.nextTxSeq),
		SettledAmount: amount,
	}, nil
}

func (d *MemoryDriver) Balance(ctx context.Context, peerID string) (int64, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balances[peerID], nil
}

func (d *MemoryDriver) Close() error { return nil }

// TotalSettled reports the cumulative amount settled against peerID, for
// test assertions.
func (d *MemoryDriver) TotalSettled(peerID string) int64 {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.settled[peerID]
}
