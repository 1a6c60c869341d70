package servers_test

import (
	"context"
	"net"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/grpc/test/bufconn"

	"github.com/iggydv12/coopsync/internal/api/grpc/clients"
	"github.com/iggydv12/coopsync/internal/api/grpc/servers"
	"github.com/iggydv12/coopsync/internal/ledger"
)

func dialBuf(t *testing.T, srv *grpc.Server, opts ...grpc.DialOption) *clients.LedgerClient {
	t.Helper()
	lis := bufconn.Listen(1 << 20)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	dialer := grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) {
		return lis.DialContext(ctx)
	})
	c, err := clients.NewLedgerClient("passthrough:///bufnet", zap.NewNop(), append(opts, dialer)...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = c.Close() })
	return c
}

func TestLedgerTransferOverGRPC(t *testing.T) {
	l := ledger.New(1000, nil, nil, zap.NewNop())
	svc := servers.NewLedgerServiceServer(l, zap.NewNop())
	c := dialBuf(t, svc.NewServer())
	ctx := context.Background()

	require.NoError(t, c.Ping(ctx))

	ok, bal, err := c.Transfer(ctx, 7, -200, 1)
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, uint64(800), bal)

	ok, bal, err = c.Transfer(ctx, 7, -200, 1)
	require.NoError(t, err)
	assert.False(t, ok)
	assert.Equal(t, uint64(800), bal)

	got, err := c.Balance(ctx, 7)
	require.NoError(t, err)
	assert.Equal(t, uint64(800), got)
}

func TestLedgerRejectsMissingPeer(t *testing.T) {
	l := ledger.New(1000, nil, nil, zap.NewNop())
	c := dialBuf(t, servers.NewLedgerServiceServer(l, zap.NewNop()).NewServer())

	_, _, err := c.Transfer(context.Background(), 0, 10, 1)
	require.Error(t, err)
	assert.Equal(t, codes.InvalidArgument, status.Code(err))
}

// A response lost after the host applied the transfer is retried with the same
// nonce and must not debit twice.
func TestRetryAfterLostResponseAppliesOnce(t *testing.T) {
	l := ledger.New(1000, nil, nil, zap.NewNop())
	svc := servers.NewLedgerServiceServer(l, zap.NewNop())

	var calls atomic.Int32
	dropFirst := func(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
		resp, err := handler(ctx, req)
		if info.FullMethod == "/coopsync.ledger.v1.Ledger/Transfer" && calls.Add(1) == 1 {
			return nil, status.Error(codes.Unavailable, "connection reset")
		}
		return resp, err
	}
	srv := grpc.NewServer(grpc.UnaryInterceptor(dropFirst))
	svc.Register(srv)
	c := dialBuf(t, srv)

	ok, bal, err := c.Transfer(context.Background(), 3, -150, 42)
	require.NoError(t, err)
	assert.Equal(t, int32(2), calls.Load())
	// The retry is a duplicate; the balance still reflects exactly one debit.
	assert.False(t, ok)
	assert.Equal(t, uint64(850), bal)
	assert.True(t, l.Processed(3, 42))
}
