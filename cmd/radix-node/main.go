// Copyright (C) 2019-2024, Lux Industries Inc. All rights reserved.
// See the file LICENSE for licensing terms.

// Command radix-node is a thin entrypoint over internal/node: a local
// multi-validator devnet for exercising the full consensus/ledger stack
// without a real wire transport, and a key-generation utility. Production
// packaging (service supervision, real peer transport, RPC framing) is out
// of scope; callers that need those wrap internal/node.QueryService and
// internal/node.Node themselves.
package main

import (
	"context"
	"encoding/hex"
	"fmt"
	"math/big"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/luxfi/log"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/MRumpold/radixdlt/internal/bftcrypto"
	"github.com/MRumpold/radixdlt/internal/config"
	"github.com/MRumpold/radixdlt/internal/node"
	"github.com/MRumpold/radixdlt/internal/types"
)

var rootCmd = &cobra.Command{
	Use:   "radix-node",
	Short: "Radix-style BFT ledger node",
	Long: `radix-node runs the chained-HotStuff consensus core, UTXO-style
constraint machine, and ledger sync service assembled by internal/node.

This binary is a thin wrapper: it wires local validator identities and a
preset configuration, then hands control to internal/node.Node. It does not
implement peer discovery, a wire transport, or an RPC surface.`,
}

func main() {
	rootCmd.AddCommand(devnetCmd(), keygenCmd())
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func resolvePreset(name string) (config.Config, error) {
	switch name {
	case "mainnet":
		return config.MainnetConfig, nil
	case "testnet":
		return config.TestnetConfig, nil
	case "local", "":
		return config.LocalConfig, nil
	default:
		return config.Config{}, fmt.Errorf("unknown network preset %q (want mainnet, testnet, or local)", name)
	}
}

func devnetCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "devnet",
		Short: "Run a local multi-validator devnet in one process",
		Long: `devnet builds N validators, each a fully assembled internal/node.Node,
and wires them together with an in-process loopback transport (the real wire
transport is out of scope for this repository). It runs until interrupted
or --duration elapses, periodically reporting the committed ledger state.`,
		RunE: runDevnet,
	}
	cmd.Flags().Int("validators", 4, "number of local validators to run")
	cmd.Flags().String("network", "local", "configuration preset: mainnet, testnet, or local")
	cmd.Flags().String("store-dir", "", "base directory for per-validator stores (defaults to a temp dir)")
	cmd.Flags().Duration("duration", 0, "stop after this long (0 runs until interrupted)")
	return cmd
}

func runDevnet(cmd *cobra.Command, _ []string) error {
	numValidators, err := cmd.Flags().GetInt("validators")
	if err != nil || numValidators <= 0 {
		return fmt.Errorf("radix-node: --validators must be a positive integer")
	}
	networkName, err := cmd.Flags().GetString("network")
	if err != nil {
		return err
	}
	tunables, err := resolvePreset(networkName)
	if err != nil {
		return err
	}
	storeDir, err := cmd.Flags().GetString("store-dir")
	if err != nil {
		return err
	}
	if storeDir == "" {
		storeDir, err = os.MkdirTemp("", "radix-node-devnet-")
		if err != nil {
			return fmt.Errorf("radix-node: create store dir: %w", err)
		}
	}
	duration, err := cmd.Flags().GetDuration("duration")
	if err != nil {
		return err
	}

	logger := log.NewLogger("radix-node")

	kps := make([]*bftcrypto.KeyPair, numValidators)
	vals := make([]types.Validator, numValidators)
	for i := range kps {
		kp, err := bftcrypto.GenerateKeyPair()
		if err != nil {
			return fmt.Errorf("radix-node: generate validator key %d: %w", i, err)
		}
		kps[i] = kp
		vals[i] = types.Validator{Node: kp.Node, Power: big.NewInt(100)}
	}
	validators, err := types.NewValidatorSet(vals)
	if err != nil {
		return fmt.Errorf("radix-node: build validator set: %w", err)
	}

	reg := prometheus.NewRegistry()
	net := node.NewLoopbackNetwork()
	nodes := make([]*node.Node, 0, numValidators)
	for i, kp := range kps {
		n, err := node.New(node.Config{
			Tunables:          tunables,
			Self:              kp,
			GenesisEpoch:      types.Epoch(0),
			GenesisValidators: validators,
			StoreDir:          filepath.Join(storeDir, fmt.Sprintf("validator-%d", i)),
			Transport:         net.For(kp.Node),
			Registerer:        reg,
			Logger:            logger,
		})
		if err != nil {
			return fmt.Errorf("radix-node: build validator %d: %w", i, err)
		}
		net.Register(n)
		nodes = append(nodes, n)
	}
	defer func() {
		for _, n := range nodes {
			_ = n.Close()
		}
	}()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-sigCh
		logger.Info("shutdown requested")
		cancel()
	}()
	if duration > 0 {
		go func() {
			select {
			case <-time.After(duration):
				logger.Info("devnet duration elapsed")
				cancel()
			case <-ctx.Done():
			}
		}()
	}

	for _, n := range nodes {
		n := n
		go func() {
			if err := n.Run(ctx); err != nil && ctx.Err() == nil {
				logger.Warn("validator stopped", log.Error(err))
			}
		}()
	}

	logger.Info("devnet running", log.Int("validators", numValidators), log.String("network", networkName))
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			proof, ok := nodes[0].GetLedgerProof(nil)
			if !ok {
				continue
			}
			logger.Info("ledger progress",
				log.Uint64("stateVersion", proof.Header.StateVersion),
				log.Uint64("epoch", uint64(proof.Header.Epoch)))
		}
	}
}

func keygenCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "keygen",
		Short: "Generate a validator key pair",
		Long:  `keygen prints a freshly generated validator's node identity and public key, hex-encoded. The private key is not persisted or printed; wire a real key-management path before running anything but a local devnet.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			kp, err := bftcrypto.GenerateKeyPair()
			if err != nil {
				return fmt.Errorf("radix-node: generate key pair: %w", err)
			}
			fmt.Printf("node:        %s\n", kp.Node)
			fmt.Printf("public key:  %s\n", hex.EncodeToString(kp.PublicKeyBytes()))
			return nil
		},
	}
}
