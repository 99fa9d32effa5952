package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/ethereum/go-ethereum/ethclient"
	"go.uber.org/zap"

	"github.com/uhyunpark/limitwatch/params"
	"github.com/uhyunpark/limitwatch/pkg/api"
	"github.com/uhyunpark/limitwatch/pkg/chain"
	"github.com/uhyunpark/limitwatch/pkg/crypto"
	"github.com/uhyunpark/limitwatch/pkg/events"
	"github.com/uhyunpark/limitwatch/pkg/storage"
	"github.com/uhyunpark/limitwatch/pkg/util"
	"github.com/uhyunpark/limitwatch/pkg/watcher"
)

func main() {
	// Load config from .env file and environment variables
	cfg := params.LoadFromEnv("")

	var (
		logger *zap.Logger
		err    error
	)
	if cfg.Server.LogFile != "" {
		logger, err = util.NewLoggerWithFile(cfg.Server.LogFile, cfg.Watcher.Verbose)
	} else {
		logger, err = util.NewLogger(cfg.Watcher.Verbose)
	}
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer logger.Sync()
	sugar := logger.Sugar()
	sugar.Infow("logger_initialized", "log_file", cfg.Server.LogFile, "verbose", cfg.Watcher.Verbose)

	if err := cfg.Validate(); err != nil {
		sugar.Fatalw("config_invalid", "err", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	// ---- Signer ----
	signer, err := crypto.FromPrivateKeyHex(cfg.Chain.PrivateKey)
	if err != nil {
		sugar.Fatalw("signer_init_failed", "err", err)
	}

	// ---- Chain ----
	dialCtx, cancelDial := context.WithTimeout(ctx, 15*time.Second)
	rpc, err := ethclient.DialContext(dialCtx, cfg.Chain.RPCURL)
	if err != nil {
		cancelDial()
		sugar.Fatalw("rpc_dial_failed", "url", cfg.Chain.RPCURL, "err", err)
	}
	defer rpc.Close()

	amm, err := chain.NewAMMClient(dialCtx, rpc, signer, chain.Config{
		AMM:         cfg.Chain.AMM,
		TokenA:      cfg.Chain.TokenA,
		TokenB:      cfg.Chain.TokenB,
		Decimals:    cfg.Chain.Decimals,
		ReceiptPoll: chain.DefaultReceiptPoll(),
	})
	if err != nil {
		cancelDial()
		sugar.Fatalw("amm_client_init_failed", "err", err)
	}
	if err := amm.VerifyTokens(dialCtx); err != nil {
		cancelDial()
		sugar.Fatalw("pool_tokens_mismatch", "err", err)
	}
	cancelDial()
	sugar.Infow("chain_connected",
		"rpc", cfg.Chain.RPCURL,
		"amm", cfg.Chain.AMM.Hex(),
		"token_a", cfg.Chain.TokenA.Hex(),
		"token_b", cfg.Chain.TokenB.Hex(),
		"signer", signer.Address().Hex())

	// ---- Storage ----
	// "none" runs without persistence: orders cannot be placed and the
	// watcher sees an empty collection.
	var backend storage.Backend
	switch cfg.Storage.Backend {
	case "pebble":
		pb, err := storage.NewPebbleBackend(cfg.Storage.Path)
		if err != nil {
			sugar.Fatalw("store_open_failed", "path", cfg.Storage.Path, "err", err)
		}
		defer pb.Close()
		backend = pb
	case "memory":
		backend = storage.NewMemoryBackend()
	}
	store := storage.NewOrderStore(backend, sugar)
	sugar.Infow("store_ready", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path, "available", store.Available())

	var journal storage.Journal = storage.NewNopJournal()
	if cfg.Storage.JournalFile != "" {
		fj, err := storage.NewFileJournal(cfg.Storage.JournalFile)
		if err != nil {
			sugar.Fatalw("journal_open_failed", "path", cfg.Storage.JournalFile, "err", err)
		}
		defer fj.Close()
		journal = fj
	}

	// ---- Watcher ----
	bus := events.NewBus()
	defer bus.Close()

	exec := watcher.NewExecutor(watcher.Config{
		PollInterval:   cfg.Watcher.PollInterval,
		ConfirmTimeout: cfg.Watcher.ConfirmTimeout,
		Decimals:       cfg.Chain.Decimals,
		MinOutBps:      cfg.Watcher.MinOutBps,
		Verbose:        cfg.Watcher.Verbose,
	}, amm, store,
		watcher.WithJournal(journal),
		watcher.WithBus(bus),
		watcher.WithLogger(sugar),
	)

	// ---- API Server ----
	apiServer := api.NewServer(api.Config{
		Decimals:    cfg.Chain.Decimals,
		CORSOrigins: cfg.Server.CORSOrigins,
	}, exec, store, amm, bus, sugar)

	go func() {
		if err := apiServer.Start(ctx, cfg.Server.Addr); err != nil {
			sugar.Errorw("api_server_failed", "err", err)
			stop()
		}
	}()

	if err := exec.Start(ctx); err != nil {
		sugar.Fatalw("watcher_start_failed", "err", err)
	}

	<-ctx.Done()
	sugar.Infow("shutdown_requested")
	exec.Stop()
}
