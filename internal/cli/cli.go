// ============================================================================
// Faucet Claim CLI - Command Line Interface
// ============================================================================
//
// Package: internal/cli
// File: cli.go
// Purpose: Command line surface of the claim engine, based on Cobra
//
// Command Structure:
//   faucet-claim                   # Root command
//   ├── claim                      # Mine a nonce and claim tokens
//   │   └── --address, -a         # Wallet address
//   ├── auth                       # Claim with an identity-provider session
//   │   ├── --address, -a
//   │   └── --token, -t           # Identity-provider session id
//   ├── miner                      # Serve the mining unit over gRPC
//   │   └── --port
//   ├── status                     # Show config and faucet info
//   │   └── --salt                # Look up the address bound to a salt
//   ├── logout                     # Drop the faucet auth session
//   ├── --config, -c              # Config file (default: configs/default.yaml)
//   └── --log-level               # debug | info | warn | error
//
// Configuration Management:
//   YAML config file, missing file falls back to defaults:
//   - faucet: base URL and request timeout
//   - miner: local or remote mining unit
//   - metrics: Prometheus endpoint (also serves the /events feed)
//   - log: log level
//
// claim Command:
//   1. Load config, build the app context
//   2. Start metrics + event feed server (if enabled)
//   3. Negotiate → mine → dispense, printing lifecycle events
//   4. Ctrl+C stops mining and exits
//
//   Examples:
//     ./faucet-claim claim -a fuel1...
//     ./faucet-claim claim -a fuel1... -c remote.yaml
//
// miner Command:
//   Runs a standalone mining unit. Coordinators started with
//   miner.mode=remote connect to it; each connection gets its own miner.
//
//   Examples:
//     ./faucet-claim miner --port 50051
//
// Signal Handling:
//   SIGINT / SIGTERM cancel the running command:
//   - claim: stops an in-flight mining run
//   - miner: gracefully stops the gRPC server
//
// ============================================================================

package cli

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/app"
	"github.com/ChuLiYu/faucet-claim/internal/eventbus"
	"github.com/ChuLiYu/faucet-claim/internal/faucet"
	"github.com/ChuLiYu/faucet-claim/internal/metrics"
	"github.com/ChuLiYu/faucet-claim/internal/miner"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"gopkg.in/yaml.v3"
)

// Config represents the complete configuration structure
// Maps config file fields through YAML tags
type Config struct {
	Faucet struct {
		BaseURL        string        `yaml:"base_url"`
		RequestTimeout time.Duration `yaml:"request_timeout"`
	} `yaml:"faucet"`

	Miner struct {
		Mode       string `yaml:"mode"`    // local | remote
		Address    string `yaml:"address"` // remote mining unit address
		Port       int    `yaml:"port"`    // listen port of the miner command
		BufferSize int    `yaml:"buffer_size"`
	} `yaml:"miner"`

	Metrics struct {
		Enabled bool `yaml:"enabled"`
		Port    int  `yaml:"port"`
	} `yaml:"metrics"`

	Log struct {
		Level string `yaml:"level"`
	} `yaml:"log"`
}

var (
	configFile string
	logLevel   string
)

func BuildCLI() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:   "faucet-claim",
		Short: "faucet-claim: proof-of-work token faucet client",
		Long: `faucet-claim claims test-network tokens from a faucet by:
- negotiating a mining challenge
- brute-forcing a SHA-256 nonce in an isolated mining unit
- submitting the nonce for dispensation`,
		Version:       "1.0.0",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVarP(&configFile, "config", "c", "configs/default.yaml", "config file path")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "", "log level: debug, info, warn, error (overrides config)")

	rootCmd.AddCommand(buildClaimCommand())
	rootCmd.AddCommand(buildAuthCommand())
	rootCmd.AddCommand(buildMinerCommand())
	rootCmd.AddCommand(buildStatusCommand())
	rootCmd.AddCommand(buildLogoutCommand())

	return rootCmd
}

// ============================================================================
// claim
// ============================================================================

func buildClaimCommand() *cobra.Command {
	var address string

	cmd := &cobra.Command{
		Use:   "claim",
		Short: "Mine a proof of work and claim tokens",
		Long:  "Negotiate a challenge, mine a nonce and submit it to the faucet",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runClaim(cmd.Context(), address)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "wallet address to fund")
	cmd.MarkFlagRequired("address")

	return cmd
}

func runClaim(ctx context.Context, address string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	unsubscribe := printEvents(a.Bus)
	defer unsubscribe()

	start := time.Now()
	outcome, err := a.ClaimPoW(ctx, address)
	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, app.ErrStopped) {
			log.Println("Claim stopped")
			return nil
		}
		return fmt.Errorf("claim failed: %w", err)
	}

	log.Printf("Claimed %d tokens for %s in %s (status %s)\n", outcome.Tokens, address, time.Since(start).Round(time.Millisecond), outcome.Status)
	if outcome.ExplorerLink != "" {
		log.Printf("Explorer: %s\n", outcome.ExplorerLink)
	}
	return nil
}

// ============================================================================
// auth
// ============================================================================

func buildAuthCommand() *cobra.Command {
	var address, token string

	cmd := &cobra.Command{
		Use:   "auth",
		Short: "Claim tokens with an identity-provider session",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runAuth(cmd.Context(), address, token)
		},
	}

	cmd.Flags().StringVarP(&address, "address", "a", "", "wallet address to fund")
	cmd.Flags().StringVarP(&token, "token", "t", "", "identity-provider session id")
	cmd.MarkFlagRequired("address")
	cmd.MarkFlagRequired("token")

	return cmd
}

func runAuth(ctx context.Context, address, token string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	ctx, stop := signalContext(ctx)
	defer stop()

	a, err := newApp(ctx, cfg)
	if err != nil {
		return err
	}
	defer a.Close()

	if _, err := a.Faucet.ValidateSession(ctx, token); err != nil {
		if faucet.IsNetworkError(err) {
			return fmt.Errorf("faucet unreachable: %w", err)
		}
		return fmt.Errorf("session validation failed: %w", err)
	}

	outcome, err := a.Auth.Claim(ctx, address)
	if err != nil {
		return fmt.Errorf("claim failed: %w", err)
	}

	log.Printf("Claimed %d tokens for %s (status %s)\n", outcome.Tokens, address, outcome.Status)
	return nil
}

// ============================================================================
// miner
// ============================================================================

func buildMinerCommand() *cobra.Command {
	var port int

	cmd := &cobra.Command{
		Use:   "miner",
		Short: "Serve a mining unit over gRPC",
		Long:  "Run a standalone mining unit for coordinators configured with miner.mode=remote",
		RunE: func(cmd *cobra.Command, args []string) error {
			return runMiner(cmd.Context(), port)
		},
	}

	cmd.Flags().IntVar(&port, "port", 0, "port to listen on (default from config)")

	return cmd
}

func runMiner(ctx context.Context, port int) error {
	cfg, err := setup()
	if err != nil {
		return err
	}
	if port == 0 {
		port = cfg.Miner.Port
	}

	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return fmt.Errorf("failed to listen on port %d: %w", port, err)
	}

	grpcServer := grpc.NewServer()
	ms := miner.NewServer(cfg.Miner.BufferSize)
	miner.RegisterMinerServer(grpcServer, ms)

	ctx, stop := signalContext(ctx)
	defer stop()

	go func() {
		<-ctx.Done()
		log.Printf("Received shutdown signal, stopping gracefully (%d active streams)...\n", ms.ActiveStreams())
		grpcServer.GracefulStop()
	}()

	log.Printf("Mining unit listening on %s\n", lis.Addr())
	if err := grpcServer.Serve(lis); err != nil {
		return fmt.Errorf("gRPC server failed: %w", err)
	}
	log.Println("Mining unit stopped. Goodbye!")
	return nil
}

// ============================================================================
// status / logout
// ============================================================================

func buildStatusCommand() *cobra.Command {
	var salt string

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show configuration and faucet status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return showStatus(cmd.Context(), salt)
		},
	}

	cmd.Flags().StringVar(&salt, "salt", "", "look up the address bound to a session salt")

	return cmd
}

func showStatus(ctx context.Context, salt string) error {
	cfg, err := setup()
	if err != nil {
		return err
	}

	fmt.Println("\n╔═══════════════════════════════════════════════════════════╗")
	fmt.Println("║           faucet-claim Status                             ║")
	fmt.Println("╚═══════════════════════════════════════════════════════════╝")
	fmt.Println()

	fmt.Println("📋 Configuration:")
	fmt.Printf("  ├─ Config File:     %s\n", configFile)
	fmt.Printf("  ├─ Faucet:          %s\n", cfg.Faucet.BaseURL)
	fmt.Printf("  └─ Request Timeout: %s\n", cfg.Faucet.RequestTimeout)
	fmt.Println()

	fmt.Println("⛏  Mining Unit:")
	if cfg.Miner.Mode == app.MinerRemote {
		fmt.Printf("  └─ Remote: %s\n", cfg.Miner.Address)
	} else {
		fmt.Println("  └─ Local")
	}
	fmt.Println()

	client := faucet.NewClient(cfg.Faucet.BaseURL, cfg.Faucet.RequestTimeout)

	fmt.Println("🚰 Faucet:")
	info, err := client.Info(ctx)
	if err != nil {
		fmt.Printf("  └─ ❌ %s: %v\n", faucetFailure(err), err)
	} else {
		fmt.Printf("  ├─ Amount:   %d\n", info.Amount)
		fmt.Printf("  └─ Asset ID: %s\n", info.AssetID)
	}
	fmt.Println()

	if salt != "" {
		fmt.Println("🔑 Session:")
		address, err := client.GetSession(ctx, salt)
		if err != nil {
			fmt.Printf("  └─ ❌ %v\n", err)
		} else {
			fmt.Printf("  └─ Address: %s\n", address)
		}
		fmt.Println()
	}

	fmt.Println("📡 Metrics:")
	if cfg.Metrics.Enabled {
		fmt.Printf("  ├─ Status: ✅ Enabled on http://localhost:%d/metrics\n", cfg.Metrics.Port)
		fmt.Printf("  └─ Events: ws://localhost:%d/events\n", cfg.Metrics.Port)
	} else {
		fmt.Println("  └─ Status: ⚠️  Disabled")
	}
	fmt.Println()

	fmt.Println("═══════════════════════════════════════════════════════════")
	return nil
}

// faucetFailure 將 faucet 錯誤分類為狀態頁面的標籤
func faucetFailure(err error) string {
	switch {
	case faucet.IsNetworkError(err):
		return "Unreachable"
	case faucet.IsApplicationError(err):
		return "Rejected"
	default:
		return "Error"
	}
}

func buildLogoutCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove the faucet auth session",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := setup()
			if err != nil {
				return err
			}
			client := faucet.NewClient(cfg.Faucet.BaseURL, cfg.Faucet.RequestTimeout)
			status, err := client.RemoveSession(cmd.Context())
			if err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			log.Printf("Session removed (%s)\n", status)
			return nil
		},
	}
}

// ============================================================================
// helpers
// ============================================================================

// setup loads the config and applies the log level
func setup() (*Config, error) {
	cfg, err := loadConfig(configFile)
	if err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}

	level := cfg.Log.Level
	if logLevel != "" {
		level = logLevel
	}
	lvl, err := parseLevel(level)
	if err != nil {
		return nil, err
	}
	slog.SetLogLoggerLevel(lvl)

	return cfg, nil
}

func newApp(ctx context.Context, cfg *Config) (*app.App, error) {
	var reg *prometheus.Registry
	if cfg.Metrics.Enabled {
		reg = prometheus.NewRegistry()
	}

	a, err := app.New(ctx, app.Options{
		FaucetURL:      cfg.Faucet.BaseURL,
		RequestTimeout: cfg.Faucet.RequestTimeout,
		MinerMode:      cfg.Miner.Mode,
		MinerAddress:   cfg.Miner.Address,
		BufferSize:     cfg.Miner.BufferSize,
		Registry:       reg,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize: %w", err)
	}

	if cfg.Metrics.Enabled {
		go func() {
			log.Printf("Starting metrics server on :%d\n", cfg.Metrics.Port)
			extra := map[string]http.Handler{"/events": a.Feed}
			if err := metrics.StartServer(cfg.Metrics.Port, reg, extra); err != nil {
				log.Printf("Metrics server error: %v\n", err)
			}
		}()
	}
	return a, nil
}

func printEvents(bus *eventbus.Bus) (unsubscribe func()) {
	unsubs := []func(){
		bus.Subscribe(eventbus.TopicStart, func(eventbus.Event) { log.Println("⛏  Mining started") }),
		bus.Subscribe(eventbus.TopicStop, func(eventbus.Event) { log.Println("⏹  Mining stopped") }),
		bus.Subscribe(eventbus.TopicError, func(ev eventbus.Event) { log.Printf("❌ %s\n", ev.Message) }),
		bus.Subscribe(eventbus.TopicDone, func(eventbus.Event) { log.Println("✅ Tokens dispensed") }),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

func signalContext(parent context.Context) (context.Context, context.CancelFunc) {
	if parent == nil {
		parent = context.Background()
	}
	return signal.NotifyContext(parent, syscall.SIGINT, syscall.SIGTERM)
}

func parseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(s) {
	case "", "info":
		return slog.LevelInfo, nil
	case "debug":
		return slog.LevelDebug, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return 0, fmt.Errorf("unknown log level %q", s)
	}
}

func defaultConfig() *Config {
	var cfg Config
	cfg.Faucet.BaseURL = "http://localhost:3000"
	cfg.Faucet.RequestTimeout = 30 * time.Second
	cfg.Miner.Mode = app.MinerLocal
	cfg.Miner.Address = "localhost:50051"
	cfg.Miner.Port = 50051
	cfg.Miner.BufferSize = 16
	cfg.Metrics.Port = 9090
	cfg.Log.Level = "info"
	return &cfg
}

// loadConfig reads path over the defaults; a missing file yields the defaults
func loadConfig(path string) (*Config, error) {
	cfg := defaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return cfg, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config YAML: %w", err)
	}

	return cfg, nil
}
