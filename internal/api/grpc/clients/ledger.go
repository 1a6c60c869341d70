// Package clients provides gRPC client wrappers.
package clients

import (
	"context"
	"fmt"
	"time"

	"github.com/avast/retry-go/v4"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iggydv12/coopsync/internal/api/grpc/ledgerrpc"
	"github.com/iggydv12/coopsync/internal/protocol"
)

const ledgerDeadline = 2 * time.Second

// LedgerClient calls a host's Ledger service. Transfers are retried with the same
// nonce, so a retry after a lost response cannot apply twice.
type LedgerClient struct {
	conn     *grpc.ClientConn
	client   ledgerrpc.LedgerClient
	attempts uint
	delay    time.Duration
	logger   *zap.Logger
}

// NewLedgerClient creates a client for target. Extra dial options are appended.
func NewLedgerClient(target string, logger *zap.Logger, opts ...grpc.DialOption) (*LedgerClient, error) {
	dialOpts := append([]grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithKeepaliveParams(keepalive.ClientParameters{Time: 300 * time.Second}),
	}, opts...)
	conn, err := grpc.NewClient(target, dialOpts...)
	if err != nil {
		return nil, err
	}
	return &LedgerClient{
		conn:     conn,
		client:   ledgerrpc.NewLedgerClient(conn),
		attempts: 3,
		delay:    100 * time.Millisecond,
		logger:   logger,
	}, nil
}

// Close shuts down the client connection.
func (c *LedgerClient) Close() error {
	return c.conn.Close()
}

// Transfer applies delta to peer under nonce.
func (c *LedgerClient) Transfer(ctx context.Context, peer protocol.PeerID, delta int64, nonce uint64) (bool, uint64, error) {
	body, err := ledgerrpc.Pack(ledgerrpc.TransferRequest{Peer: uint32(peer), Delta: delta, Nonce: nonce})
	if err != nil {
		return false, 0, err
	}

	var resp ledgerrpc.TransferResponse
	err = retry.Do(func() error {
		callCtx, cancel := context.WithTimeout(ctx, ledgerDeadline)
		defer cancel()
		out, err := c.client.Transfer(callCtx, body)
		if err != nil {
			return err
		}
		return ledgerrpc.Unpack(out, &resp)
	},
		retry.Context(ctx),
		retry.Attempts(c.attempts),
		retry.Delay(c.delay),
		retry.RetryIf(retryable),
		retry.LastErrorOnly(true),
		retry.OnRetry(func(n uint, err error) {
			c.logger.Warn("Transfer retry", zap.Uint("attempt", n), zap.Uint64("nonce", nonce), zap.Error(err))
		}),
	)
	if err != nil {
		return false, 0, fmt.Errorf("ledger transfer: %w", err)
	}
	return resp.Accepted, resp.Balance, nil
}

// Balance returns peer's balance on the host.
func (c *LedgerClient) Balance(ctx context.Context, peer protocol.PeerID) (uint64, error) {
	ctx, cancel := context.WithTimeout(ctx, ledgerDeadline)
	defer cancel()
	out, err := c.client.Balance(ctx, wrapperspb.UInt32(uint32(peer)))
	if err != nil {
		return 0, err
	}
	return out.GetValue(), nil
}

// Ping checks the host is reachable.
func (c *LedgerClient) Ping(ctx context.Context) error {
	ctx, cancel := context.WithTimeout(ctx, ledgerDeadline)
	defer cancel()
	_, err := c.client.Ping(ctx, &emptypb.Empty{})
	return err
}

func retryable(err error) bool {
	switch status.Code(err) {
	case codes.Unavailable, codes.DeadlineExceeded, codes.ResourceExhausted, codes.Aborted:
		return true
	}
	return false
}
