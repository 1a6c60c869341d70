package main

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/api/grpc/clients"
	"github.com/iggydv12/coopsync/internal/protocol"
)

var (
	ledgerAddr string
	ledgerPeer uint32
)

// ledgerCmd talks to a running host's Ledger gRPC service.
func ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Query or adjust balances on a running host",
	}
	cmd.PersistentFlags().StringVar(&ledgerAddr, "addr", "localhost:7778", "Host gRPC address")
	cmd.PersistentFlags().Uint32Var(&ledgerPeer, "peer", 0, "Peer id")

	balanceCmd := &cobra.Command{
		Use:   "balance",
		Short: "Print a peer's balance",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withLedger(func(ctx context.Context, c *clients.LedgerClient) error {
				bal, err := c.Balance(ctx, protocol.PeerID(ledgerPeer))
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "peer %d balance %d\n", ledgerPeer, bal)
				return nil
			})
		},
	}

	var delta int64
	var nonce uint64
	transferCmd := &cobra.Command{
		Use:   "transfer",
		Short: "Apply a delta to a peer's balance; retries reuse the nonce",
		RunE: func(cmd *cobra.Command, args []string) error {
			if nonce == 0 {
				nonce = uint64(time.Now().UnixNano())
			}
			return withLedger(func(ctx context.Context, c *clients.LedgerClient) error {
				ok, bal, err := c.Transfer(ctx, protocol.PeerID(ledgerPeer), delta, nonce)
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "nonce %d accepted %t balance %d\n", nonce, ok, bal)
				return nil
			})
		},
	}
	transferCmd.Flags().Int64Var(&delta, "delta", 0, "Signed amount to apply")
	transferCmd.Flags().Uint64Var(&nonce, "nonce", 0, "Idempotency nonce (default: current time in ns)")

	cmd.AddCommand(balanceCmd, transferCmd)
	return cmd
}

func withLedger(fn func(context.Context, *clients.LedgerClient) error) error {
	if ledgerPeer == 0 {
		return fmt.Errorf("--peer is required")
	}
	logger, err := zap.NewDevelopment()
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	c, err := clients.NewLedgerClient(ledgerAddr, logger)
	if err != nil {
		return fmt.Errorf("ledger client: %w", err)
	}
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return fn(ctx, c)
}
