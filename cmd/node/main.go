package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/uhyunpark/hypersettle/params"
	"github.com/uhyunpark/hypersettle/pkg/api"
	"github.com/uhyunpark/hypersettle/pkg/app/asset"
	"github.com/uhyunpark/hypersettle/pkg/app/settlement"
	"github.com/uhyunpark/hypersettle/pkg/app/transaction"
	"github.com/uhyunpark/hypersettle/pkg/crypto"
	"github.com/uhyunpark/hypersettle/pkg/events"
	"github.com/uhyunpark/hypersettle/pkg/metrics"
	"github.com/uhyunpark/hypersettle/pkg/p2p"
	"github.com/uhyunpark/hypersettle/pkg/storage"
	"github.com/uhyunpark/hypersettle/pkg/util"
)

func main() {
	// .env in the working directory, overridden by the environment
	cfg, err := params.LoadFromEnv("")
	if err != nil {
		log.Fatalf("config: %v", err)
	}

	sugar, err := util.SetupLogger(cfg.Node.LogFile)
	if err != nil {
		log.Fatalf("logger: %v", err)
	}
	defer sugar.Sync()
	sugar.Infow("logger_initialized", "log_file", cfg.Node.LogFile)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, sugar); err != nil {
		sugar.Fatalw("node_failed", "err", err)
	}
	sugar.Info("node_stopped")
}

func run(ctx context.Context, cfg params.Config, sugar *zap.SugaredLogger) error {
	// ---- Storage ----
	store, err := storage.Open(ctx, cfg.Storage.Backend, cfg.Storage.Path, cfg.Storage.PostgresDSN)
	if err != nil {
		return err
	}
	defer store.Close()
	sugar.Infow("storage_opened", "backend", cfg.Storage.Backend, "path", cfg.Storage.Path)

	// ---- Assets ----
	base := asset.NewToken(cfg.Base.ID, cfg.Base.Symbol, cfg.Base.Decimals)
	quote := asset.NewToken(cfg.Quote.ID, cfg.Quote.Symbol, cfg.Quote.Decimals)

	domain := crypto.EIP712Domain{
		Name:              cfg.Domain.Name,
		Version:           cfg.Domain.Version,
		ChainID:           cfg.Domain.ChainID,
		VerifyingContract: cfg.Domain.VerifyingContract,
	}
	es := crypto.NewEIP712Signer(domain)

	if cfg.Node.GenesisFile != "" {
		g, err := params.LoadGenesis(cfg.Node.GenesisFile)
		if err != nil {
			return err
		}
		applied, err := asset.ApplyGenesis(ctx, store, []*asset.Token{base, quote}, domain.VerifyingContract, g)
		if err != nil {
			return err
		}
		sugar.Infow("genesis", "file", cfg.Node.GenesisFile, "applied", applied,
			"balances", len(g.Balances), "allowances", len(g.Allowances))
	}

	// ---- Settlement ----
	rec := metrics.New()
	engine, err := settlement.NewEngine(settlement.Config{
		Store:   store,
		Signer:  es,
		Base:    base,
		Quote:   quote,
		Clock:   util.RealClock{},
		Sink:    settlement.LogSink{Log: sugar},
		Logger:  sugar,
		Metrics: rec,
	})
	if err != nil {
		return err
	}
	sep, err := engine.DomainSeparator()
	if err != nil {
		return err
	}
	sugar.Infow("settlement_ready",
		"domain", domain.Name,
		"chain_id", domain.ChainID.String(),
		"verifying_contract", domain.VerifyingContract.Hex(),
		"separator", sep.Hex(),
		"base", base.Symbol(),
		"quote", quote.Symbol())

	// ---- API Server ----
	apiServer, err := api.NewServer(api.Config{
		Engine:      engine,
		Verifier:    transaction.NewVerifier(es, util.RealClock{}, cfg.Node.ExecutionTTL),
		Metrics:     rec,
		Logger:      sugar,
		CORSOrigins: cfg.Node.CORSOrigins,
	})
	if err != nil {
		return err
	}
	engine.AddSink(apiServer)

	// ---- Audit journal (optional) ----
	if cfg.Node.JournalFile != "" {
		wal, err := storage.NewFileWAL(cfg.Node.JournalFile)
		if err != nil {
			return err
		}
		defer wal.Close()
		engine.AddSink(events.NewJournalSink(wal, sugar))
		sugar.Infow("journal_enabled", "file", cfg.Node.JournalFile)
	}

	// ---- Event gossip (optional) ----
	if cfg.Node.P2PListen != "" {
		gossip, err := p2p.NewEventGossip(ctx, p2p.Libp2pConfig{
			ListenAddr: cfg.Node.P2PListen,
			Bootstrap:  cfg.Node.P2PBootstrap,
			Logger:     sugar,
		})
		if err != nil {
			return err
		}
		defer gossip.Close()
		// settlements committed elsewhere reach local websocket clients, tagged with their author
		gossip.SetHandler(apiServer.PublishFromPeer)
		engine.AddSink(gossip)
		sugar.Infow("gossip_enabled", "addrs", gossip.Addrs())
	}

	// ---- Redis fan-out (optional) ----
	if cfg.Node.RedisAddr != "" {
		pub := events.NewRedisPublisher(cfg.Node.RedisAddr, cfg.Node.RedisChannel, sugar)
		defer pub.Close()
		pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
		if err := pub.Ping(pingCtx); err != nil {
			sugar.Warnw("redis_unreachable", "addr", cfg.Node.RedisAddr, "err", err)
		}
		cancel()
		engine.AddSink(pub)
		sugar.Infow("redis_enabled", "addr", cfg.Node.RedisAddr, "channel", cfg.Node.RedisChannel)
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- apiServer.Start(cfg.Node.APIAddr)
	}()

	select {
	case <-ctx.Done():
	case err := <-errCh:
		if err != nil {
			return err
		}
	}

	sugar.Info("node_shutting_down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return apiServer.Shutdown(shutdownCtx)
}
