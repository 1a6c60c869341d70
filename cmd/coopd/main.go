package main

import (
	"context"
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/iggydv12/coopsync/internal/config"
	"github.com/iggydv12/coopsync/internal/node"
)

var version = "dev"

var (
	cfgFile  string
	role     string
	hostURL  string
	peerID   uint32
	devMode  bool
	discover bool
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "coopd",
		Short: "coopd - co-op session host and client",
	}

	startCmd := &cobra.Command{
		Use:   "start",
		Short: "Start a co-op node",
		RunE:  runStart,
	}
	startCmd.Flags().StringVarP(&cfgFile, "config", "c", "", "Path to config file (default: configs/config.yaml)")
	startCmd.Flags().StringVarP(&role, "role", "r", "", "Node role: 'host' | 'client' (overrides node.role)")
	startCmd.Flags().StringVar(&hostURL, "connect", "", "Host websocket URL for clients, e.g. ws://10.0.0.5:7777/coop/ws")
	startCmd.Flags().Uint32Var(&peerID, "peer", 0, "Peer id (overrides node.peerID; 0 keeps the configured value)")
	startCmd.Flags().BoolVar(&discover, "discover", false, "Enable LAN discovery")
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Human-readable debug logging")

	versionCmd := &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintln(cmd.OutOrStdout(), version)
		},
	}

	rootCmd.AddCommand(startCmd, versionCmd, ledgerCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func runStart(cmd *cobra.Command, args []string) error {
	// Set up logger
	var (
		logger *zap.Logger
		err    error
	)
	if devMode {
		logger, err = zap.NewDevelopment()
	} else {
		logger, err = zap.NewProduction()
	}
	if err != nil {
		return fmt.Errorf("logger init: %w", err)
	}
	defer logger.Sync()

	// Load config
	cfg, err := config.Load(cfgFile)
	if err != nil {
		return fmt.Errorf("config load: %w", err)
	}
	if role != "" {
		cfg.Node.Role = role
	}
	if hostURL != "" {
		cfg.Node.HostURL = hostURL
	}
	if peerID != 0 {
		cfg.Node.PeerID = peerID
	}
	if discover {
		cfg.Discovery.Enabled = true
	}

	r, err := node.ParseRole(cfg.Node.Role)
	if err != nil {
		return err
	}

	logger.Info("Starting coopd", zap.String("version", version), zap.String("role", r.String()))

	ctrl := node.NewController(cfg, r, logger)
	return ctrl.Run(context.Background())
}
