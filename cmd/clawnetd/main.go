package main

// clawnetd is the ClawNet node daemon (spec §6 CLI surface), built with
// cobra the way the teacher's cmd/synnergy/main.go builds its root command.

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/joho/godotenv"
	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/clawnet/clawnet-core/core"
	clawconfig "github.com/clawnet/clawnet-core/pkg/config"
)

func main() {
	_ = godotenv.Load(".env")

	root := &cobra.Command{Use: "clawnetd"}
	root.AddCommand(daemonCmd())
	root.AddCommand(configCmd())
	if err := root.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "[clawtoken] Internal: %v\n", err)
		os.Exit(1)
	}
}

func daemonCmd() *cobra.Command {
	var (
		dataDir             string
		listen              []string
		bootstrap           []string
		rangeIntervalMs     int64
		snapshotIntervalMs  int64
		noRangeOnStart      bool
		noSnapshotOnStart   bool
		sybilPolicy         string
		allowlistCSV        string
		powTTLMs            int64
		stakeTTLMs          int64
		minPowDifficulty    int
		minSnapshotSigs     int
	)

	cmd := &cobra.Command{
		Use:   "daemon",
		Short: "run the ClawNet node daemon",
		RunE: func(cmd *cobra.Command, args []string) error {
			policyKind := core.SybilPolicyKind(sybilPolicy)
			switch policyKind {
			case core.SybilNone, core.SybilAllowlist, core.SybilPow, core.SybilStake:
			default:
				fmt.Fprintf(os.Stderr, "[clawtoken] TicketInvalid: unknown sybil policy %q\n", sybilPolicy)
				os.Exit(2)
			}
			policy := core.NewSybilPolicy(policyKind)
			if allowlistCSV != "" {
				for _, id := range strings.Split(allowlistCSV, ",") {
					if id = strings.TrimSpace(id); id != "" {
						policy.Allowlist[id] = true
					}
				}
			}
			if powTTLMs > 0 {
				policy.PowTicketTTLMs = powTTLMs
			}
			if stakeTTLMs > 0 {
				policy.StakeProofTTLMs = stakeTTLMs
			}
			if minPowDifficulty > 0 {
				policy.MinPowDifficulty = minPowDifficulty
			}

			cfg := core.NodeConfig{
				DataDir: dataDir,
				Transport: core.TransportConfig{
					ListenAddrs:  listen,
					Bootstrap:    bootstrap,
					DiscoveryTag: "clawnet",
					EnableMDNS:   true,
					EnableNAT:    true,
				},
				RangeIntervalMs:    rangeIntervalMs,
				SnapshotIntervalMs: snapshotIntervalMs,
				SkipInitialRange:   noRangeOnStart,
				SkipInitialSnap:    noSnapshotOnStart,
				MinSnapshotSigs:    minSnapshotSigs,
				SybilPolicy:        policy,
			}

			transport, err := core.NewLibp2pTransport(cfg.Transport)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[clawtoken] StoreIO: %v\n", err)
				os.Exit(1)
			}

			node, err := core.NewNode(cfg, transport, nil)
			if err != nil {
				fmt.Fprintf(os.Stderr, "[clawtoken] %s: %v\n", core.CodeOf(err), err)
				os.Exit(1)
			}

			ctx, cancel := context.WithCancel(context.Background())
			defer cancel()
			if err := node.Start(ctx); err != nil {
				fmt.Fprintf(os.Stderr, "[clawtoken] %s: %v\n", core.CodeOf(err), err)
				os.Exit(1)
			}
			logrus.Infof("clawnetd started, data-dir=%s", dataDir)

			sig := make(chan os.Signal, 1)
			signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)
			<-sig

			if err := node.Stop(); err != nil {
				fmt.Fprintf(os.Stderr, "[clawtoken] %s: %v\n", core.CodeOf(err), err)
				os.Exit(1)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&dataDir, "data-dir", "./data", "node data directory")
	cmd.Flags().StringArrayVar(&listen, "listen", []string{"/ip4/0.0.0.0/tcp/9527"}, "listen multiaddr (repeatable)")
	cmd.Flags().StringArrayVar(&bootstrap, "bootstrap", nil, "bootstrap peer multiaddr (repeatable)")
	cmd.Flags().Int64Var(&rangeIntervalMs, "range-interval-ms", 30_000, "periodic range sync interval")
	cmd.Flags().Int64Var(&snapshotIntervalMs, "snapshot-interval-ms", 300_000, "periodic snapshot interval")
	cmd.Flags().BoolVar(&noRangeOnStart, "no-range-on-start", false, "skip periodic range sync")
	cmd.Flags().BoolVar(&noSnapshotOnStart, "no-snapshot-on-start", false, "skip periodic snapshotting")
	cmd.Flags().StringVar(&sybilPolicy, "sybil-policy", "none", "none|allowlist|pow|stake")
	cmd.Flags().StringVar(&allowlistCSV, "allowlist", "", "comma-separated peer ids for the allowlist policy")
	cmd.Flags().Int64Var(&powTTLMs, "pow-ttl-ms", 0, "override pow ticket ttl")
	cmd.Flags().Int64Var(&stakeTTLMs, "stake-ttl-ms", 0, "override stake proof ttl")
	cmd.Flags().IntVar(&minPowDifficulty, "min-pow-difficulty", 0, "override minimum pow difficulty")
	cmd.Flags().IntVar(&minSnapshotSigs, "min-snapshot-signatures", 2, "minimum distinct co-signatures to trust a snapshot")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{Use: "config"}
	initCmd := &cobra.Command{
		Use:   "init [path]",
		Short: "write a default config.yaml",
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "config.yaml"
			if len(args) > 0 {
				path = args[0]
			}
			var cfg clawconfig.Config
			cfg.Network.ID = "clawnet-mainnet"
			cfg.Network.ListenAddrs = []string{"/ip4/0.0.0.0/tcp/9527"}
			cfg.Network.DiscoveryTag = "clawnet"
			cfg.Network.EnableMDNS = true
			cfg.Network.EnableNAT = true
			cfg.Sync.RangeIntervalMs = 30_000
			cfg.Sync.SnapshotIntervalMs = 300_000
			cfg.Sync.ChunkSize = 256
			cfg.Sync.MinSnapshotSigs = 2
			cfg.Sybil.Policy = "none"
			cfg.Storage.DataDir = "./data"
			cfg.Logging.Level = "info"

			out, err := yaml.Marshal(&cfg)
			if err != nil {
				return err
			}
			if err := os.WriteFile(path, out, 0o600); err != nil {
				return err
			}
			fmt.Printf("wrote %s\n", path)
			return nil
		},
	}
	cmd.AddCommand(initCmd)
	return cmd
}
