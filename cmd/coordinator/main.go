package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	_ "net/http/pprof" // Register pprof handlers
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gagliardetto/solana-go"
	solanarpc "github.com/gagliardetto/solana-go/rpc"
	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	flag "github.com/spf13/pflag"
	"golang.org/x/sync/errgroup"

	"github.com/Al3Xoni/OpenClawEffect/pkg/game"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ingest"
	"github.com/Al3Xoni/OpenClawEffect/pkg/ledger"
	"github.com/Al3Xoni/OpenClawEffect/pkg/logger"
	"github.com/Al3Xoni/OpenClawEffect/pkg/metrics"
	"github.com/Al3Xoni/OpenClawEffect/pkg/payout"
	"github.com/Al3Xoni/OpenClawEffect/pkg/pg"
	"github.com/Al3Xoni/OpenClawEffect/pkg/scheduler"
	"github.com/Al3Xoni/OpenClawEffect/pkg/server"
)

var (
	// Set by LDFLAGS
	version = "dev"
	commit  = "none"
	date    = "unknown"
)

const defaultRPCURL = "https://api.mainnet-beta.solana.com"

func main() {
	if err := run(); err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func run() error {
	verboseFlag := flag.Bool("verbose", false, "enable verbose (debug) logging")
	enablePprofFlag := flag.Bool("enable-pprof", false, "enable pprof server")
	listenAddrFlag := flag.String("listen-addr", ":8080", "address to listen on for the HTTP API")
	metricsAddrFlag := flag.String("metrics-addr", "0.0.0.0:0", "address to listen on for prometheus metrics")
	tickIntervalFlag := flag.Duration("tick-interval", 5*time.Second, "scheduler expiry check interval")
	roundDurationFlag := flag.Duration("round-duration", 30*time.Minute, "timer duration for a fresh round")
	timerIncrementFlag := flag.Duration("timer-increment", 30*time.Minute, "timer reset applied on each accepted push")
	feeBufferFlag := flag.Int64("fee-buffer", payout.DefaultFeeBuffer, "lamports reserved for transaction fees at settlement")
	verifyAttemptsFlag := flag.Int("verify-attempts", 6, "on-chain verification retry budget")
	verifyIntervalFlag := flag.Duration("verify-interval", 2*time.Second, "delay between verification attempts")
	shutdownTimeoutFlag := flag.Duration("shutdown-timeout", 30*time.Second, "maximum time to wait for graceful shutdown")
	flag.Parse()

	// Best-effort: local development keeps secrets in .env.
	_ = godotenv.Load()

	log := logger.New(*verboseFlag)

	if *enablePprofFlag {
		go func() {
			log.Info("starting pprof server", "address", "localhost:6060")
			if err := http.ListenAndServe("localhost:6060", nil); err != nil {
				log.Error("failed to start pprof server", "error", err)
			}
		}()
	}

	if *metricsAddrFlag != "" {
		metrics.BuildInfo.WithLabelValues(version, commit, date).Set(1)
		go func() {
			listener, err := net.Listen("tcp", *metricsAddrFlag)
			if err != nil {
				log.Error("failed to start prometheus metrics server listener", "error", err)
				return
			}
			log.Info("prometheus metrics server listening", "address", listener.Addr().String())
			mux := http.NewServeMux()
			mux.Handle("/metrics", promhttp.Handler())
			if err := http.Serve(listener, mux); err != nil {
				log.Error("failed to start prometheus metrics server", "error", err)
			}
		}()
	}

	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	treasuryAddr, err := requireEnvPubkey("TREASURY_ADDRESS")
	if err != nil {
		return err
	}
	mint, err := requireEnvPubkey("PUSH_MINT")
	if err != nil {
		return err
	}
	residualAddr := os.Getenv("RESIDUAL_ADDRESS")
	if residualAddr == "" {
		return fmt.Errorf("RESIDUAL_ADDRESS is required")
	}
	operatorWallet := os.Getenv("OPERATOR_WALLET")
	if operatorWallet == "" {
		return fmt.Errorf("OPERATOR_WALLET is required")
	}
	treasuryKey, err := solana.PrivateKeyFromBase58(os.Getenv("TREASURY_PRIVATE_KEY"))
	if err != nil {
		return fmt.Errorf("invalid TREASURY_PRIVATE_KEY: %w", err)
	}
	if !treasuryKey.PublicKey().Equals(treasuryAddr) {
		return fmt.Errorf("TREASURY_PRIVATE_KEY does not match TREASURY_ADDRESS")
	}

	rpcURL := os.Getenv("SOLANA_RPC_URL")
	if rpcURL == "" {
		rpcURL = defaultRPCURL
	}
	rpcClient := solanarpc.New(rpcURL)

	pgCfg, err := pg.LoadConfigFromEnv()
	if err != nil {
		return err
	}
	pool, err := pg.NewPool(ctx, log, pgCfg)
	if err != nil {
		return err
	}
	defer pool.Close()

	store, err := game.NewStore(game.StoreConfig{Logger: log, Pool: pool})
	if err != nil {
		return fmt.Errorf("failed to create store: %w", err)
	}
	if err := store.Bootstrap(ctx, time.Now().Add(*roundDurationFlag)); err != nil {
		return fmt.Errorf("failed to bootstrap game state: %w", err)
	}

	verifier, err := ledger.NewVerifier(ledger.VerifierConfig{
		Logger:        log,
		RPC:           rpcClient,
		Treasury:      treasuryAddr,
		Mint:          mint,
		RetryAttempts: *verifyAttemptsFlag,
		RetryInterval: *verifyIntervalFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create verifier: %w", err)
	}

	treasury, err := ledger.NewTreasury(ledger.TreasuryConfig{
		Logger: log,
		RPC:    rpcClient,
		Key:    treasuryKey,
	})
	if err != nil {
		return fmt.Errorf("failed to create treasury: %w", err)
	}

	gateway, err := ingest.NewGateway(ingest.GatewayConfig{
		Logger:         log,
		Store:          store,
		Verifier:       verifier,
		TimerIncrement: *timerIncrementFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create gateway: %w", err)
	}

	engine, err := payout.NewEngine(payout.EngineConfig{
		Logger:          log,
		Store:           store,
		Treasury:        treasury,
		ResidualAddress: residualAddr,
		FeeBuffer:       *feeBufferFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create payout engine: %w", err)
	}

	sched, err := scheduler.New(scheduler.Config{
		Logger:        log,
		Store:         store,
		Engine:        engine,
		TickInterval:  *tickIntervalFlag,
		RoundDuration: *roundDurationFlag,
	})
	if err != nil {
		return fmt.Errorf("failed to create scheduler: %w", err)
	}

	var allowedOrigins []string
	if origins := os.Getenv("ALLOWED_ORIGINS"); origins != "" {
		allowedOrigins = strings.Split(origins, ",")
	}

	srv, err := server.New(server.Config{
		Logger:          log,
		ListenAddr:      *listenAddrFlag,
		Gateway:         gateway,
		Store:           store,
		Resetter:        sched,
		WebhookSecret:   os.Getenv("WEBHOOK_SECRET"),
		OperatorWallet:  operatorWallet,
		Treasury:        treasuryAddr.String(),
		Mint:            mint.String(),
		AllowedOrigins:  allowedOrigins,
		ShutdownTimeout: *shutdownTimeoutFlag,
		VersionInfo:     server.VersionInfo{Version: version, Commit: commit, Date: date},
	})
	if err != nil {
		return fmt.Errorf("failed to create server: %w", err)
	}

	sched.Start(ctx)

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		return srv.Run(gctx)
	})
	return g.Wait()
}

func requireEnvPubkey(name string) (solana.PublicKey, error) {
	raw := os.Getenv(name)
	if raw == "" {
		return solana.PublicKey{}, fmt.Errorf("%s is required", name)
	}
	pk, err := solana.PublicKeyFromBase58(raw)
	if err != nil {
		return solana.PublicKey{}, fmt.Errorf("invalid %s: %w", name, err)
	}
	return pk, nil
}
