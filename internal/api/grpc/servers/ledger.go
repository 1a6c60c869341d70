// Package servers provides the gRPC service implementations exposed by a host.
package servers

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/keepalive"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/wrapperspb"

	"github.com/iggydv12/coopsync/internal/api/grpc/ledgerrpc"
	"github.com/iggydv12/coopsync/internal/protocol"
)

// LedgerHandler is the subset of the ledger the service exposes.
type LedgerHandler interface {
	Transfer(peer protocol.PeerID, delta int64, nonce uint64) (bool, uint64)
	Balance(peer protocol.PeerID) uint64
}

// LedgerServiceServer serves ledger transfers to out-of-band callers such as
// companion apps and admin tools.
type LedgerServiceServer struct {
	ledgerrpc.UnimplementedLedgerServer
	handler LedgerHandler
	logger  *zap.Logger
}

func NewLedgerServiceServer(handler LedgerHandler, logger *zap.Logger) *LedgerServiceServer {
	return &LedgerServiceServer{handler: handler, logger: logger}
}

// Serve starts the gRPC listener.
func (s *LedgerServiceServer) Serve(addr string) (*grpc.Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, err
	}
	srv := s.NewServer()
	go func() {
		if err := srv.Serve(lis); err != nil {
			s.logger.Error("Ledger gRPC server stopped", zap.Error(err))
		}
	}()
	s.logger.Info("Ledger gRPC listening", zap.String("addr", addr))
	return srv, nil
}

// NewServer returns a grpc.Server with the Ledger service registered.
func (s *LedgerServiceServer) NewServer() *grpc.Server {
	srv := grpc.NewServer(
		grpc.KeepaliveParams(keepalive.ServerParameters{Time: 300 * time.Second}),
	)
	s.Register(srv)
	return srv
}

// Register adds the Ledger service to an existing server.
func (s *LedgerServiceServer) Register(srv grpc.ServiceRegistrar) {
	ledgerrpc.RegisterLedgerServer(srv, s)
}

func (s *LedgerServiceServer) Transfer(ctx context.Context, in *wrapperspb.BytesValue) (*wrapperspb.BytesValue, error) {
	var req ledgerrpc.TransferRequest
	if err := ledgerrpc.Unpack(in, &req); err != nil {
		return nil, status.Errorf(codes.InvalidArgument, "transfer body: %v", err)
	}
	if req.Peer == 0 {
		return nil, status.Error(codes.InvalidArgument, "peer is required")
	}
	accepted, balance := s.handler.Transfer(protocol.PeerID(req.Peer), req.Delta, req.Nonce)
	s.logger.Debug("gRPC transfer",
		zap.Uint32("peer", req.Peer),
		zap.Int64("delta", req.Delta),
		zap.Uint64("nonce", req.Nonce),
		zap.Bool("accepted", accepted))
	return ledgerrpc.Pack(ledgerrpc.TransferResponse{Accepted: accepted, Balance: balance})
}

func (s *LedgerServiceServer) Balance(ctx context.Context, in *wrapperspb.UInt32Value) (*wrapperspb.UInt64Value, error) {
	return wrapperspb.UInt64(s.handler.Balance(protocol.PeerID(in.GetValue()))), nil
}

func (s *LedgerServiceServer) Ping(ctx context.Context, _ *emptypb.Empty) (*emptypb.Empty, error) {
	return &emptypb.Empty{}, nil
}
