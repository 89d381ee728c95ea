// Package settlement defines the connector's abstract boundary to
// on-chain settlement (EVM and XRP payment channels, or any other ledger).
// The core never speaks a chain protocol directly; it calls SettlementDriver,
// one interface with a small, enumerated method set, per the teacher's
// pattern of breaking cyclic/heavy dependencies at an interface (see
// internal/federation's HandshakeServiceClient).
package settlement

import (
	"context"
	"errors"
)

// ErrDriverUnavailable is returned when a driver cannot reach its backing
// chain or channel counterparty; callers treat this as Infrastructure-kind
// per the error taxonomy, never fatal to the data plane.
var ErrDriverUnavailable = errors.New("settlement: driver unavailable")

// SettleRequest describes one settlement attempt against a peer's
// accrued balance.
type SettleRequest struct {
	PeerID      string
	AmountOwed  int64
	Currency    string
	ChannelHint string // opaque driver-specific channel identifier, optional
}

// SettleResult is the outcome of a successful settlement call.
type SettleResult struct {
	TxRef         string
	SettledAmount int64
}

// SettlementDriver is the abstract collaborator the core calls when a
// peer's accrued balance crosses its configured threshold. Concrete
// implementations (gRPC adapter, in-memory test double) live outside the
// core's import graph of concerns.
type SettlementDriver interface {
	// Settle attempts to settle AmountOwed with peerID, returning the
	// amount actually settled (which may be less than requested, e.g.
	// channel capacity limits) and an opaque transaction reference.
	Settle(ctx context.Context, req SettleRequest) (SettleResult, error)

	// Balance returns the driver's view of the on-chain/channel balance
	// available to settle against peerID.
	Balance(ctx context.Context, peerID string) (int64, error)

	// Close releases any driver-held resources (connections, channels).
	Close() error
}
