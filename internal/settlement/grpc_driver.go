package settlement

import (
	"context"
	"fmt"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

// settleRequestWire and settleResultWire are the wire-shaped request and
// response. A real deployment compiles these from a .proto definition; the
// shapes here are the manually authored equivalent the teacher's own
// federation package uses for its handshake client, ahead of protoc
// generation.
type settleRequestWire struct {
	PeerId      string
	AmountOwed  int64
	Currency    string
	ChannelHint string
}

type settleResultWire struct {
	TxRef         string
	SettledAmount int64
}

type balanceRequestWire struct {
	PeerId string
}

type balanceResultWire struct {
	Balance int64
}

// settlementServiceClient is the gRPC client surface for the settlement
// driver service. Method names are the RPC names a generated client would
// expose.
type settlementServiceClient interface {
	Settle(ctx context.Context, in *settleRequestWire, opts ...grpc.CallOption) (*settleResultWire, error)
	Balance(ctx context.Context, in *balanceRequestWire, opts ...grpc.CallOption) (*balanceResultWire, error)
}

type settlementServiceClientImpl struct {
	conn *grpc.ClientConn
}

func newSettlementServiceClient(conn *grpc.ClientConn) settlementServiceClient {
	return &settlementServiceClientImpl{conn: conn}
}

func (c *settlementServiceClientImpl) Settle(ctx context.Context, in *settleRequestWire, opts ...grpc.CallOption) (*settleResultWire, error) {
	out := new(settleResultWire)
	if err := c.conn.Invoke(ctx, "/connector.settlement.v1.SettlementService/Settle", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *settlementServiceClientImpl) Balance(ctx context.Context, in *balanceRequestWire, opts ...grpc.CallOption) (*balanceResultWire, error) {
	out := new(balanceResultWire)
	if err := c.conn.Invoke(ctx, "/connector.settlement.v1.SettlementService/Balance", in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCDriver is the concrete SettlementDriver backed by a gRPC connection
// to an external settlement service (itself responsible for talking to
// EVM or XRP payment channels).
type GRPCDriver struct {
	conn   *grpc.ClientConn
	client settlementServiceClient
}

// DialGRPCDriver connects to a settlement service at addr. Use
// grpc.WithTransportCredentials(insecure.NewCredentials()) only for local
// development; production deployments should supply TLS credentials via
// dialOpts.
func DialGRPCDriver(addr string, dialOpts ...grpc.DialOption) (*GRPCDriver, error) {
	if len(dialOpts) == 0 {
		dialOpts = []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	}
	conn, err := grpc.NewClient(addr, dialOpts...)
	if err != nil {
		return nil, fmt.Errorf("settlement: dial %s: %w", addr, err)
	}
	return &GRPCDriver{conn: conn, client: newSettlementServiceClient(conn)}, nil
}

func (d *GRPCDriver) Settle(ctx context.Context, req SettleRequest) (SettleResult, error) {
	resp, err := d.client.Settle(ctx, &settleRequestWire{
		PeerId:      req.PeerID,
		AmountOwed:  req.AmountOwed,
		Currency:    req.Currency,
		ChannelHint: req.ChannelHint,
	})
	if err != nil {
		return SettleResult{}, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}
	return SettleResult{TxRef: resp.TxRef, SettledAmount: resp.SettledAmount}, nil
}

func (d *GRPCDriver) Balance(ctx context.Context, peerID string) (int64, error) {
	resp, err := d.client.Balance(ctx, &balanceRequestWire{PeerId: peerID})
	if err != nil {
		return 0, fmt.Errorf("%w: %v", ErrDriverUnavailable, err)
	}
	return resp.Balance, nil
}

func (d *GRPCDriver) Close() error {
	return d.conn.Close()
}
