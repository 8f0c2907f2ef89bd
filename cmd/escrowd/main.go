// escrowd is the escrow settlement daemon: it provisions quorum vaults,
// watches deposits, detects timeouts and abandonment, and drives payout and
// refund proposals through to execution.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/decred/slog"
	"github.com/redis/go-redis/v9"

	"github.com/guess5/escrow/audit"
	"github.com/guess5/escrow/gamestate"
	"github.com/guess5/escrow/ledger"
	"github.com/guess5/escrow/matchdb"
	"github.com/guess5/escrow/scanner"
	"github.com/guess5/escrow/settle"
	"github.com/guess5/escrow/sigtracker"
	"github.com/guess5/escrow/squads"
)

func main() {
	if err := realMain(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func realMain() error {
	cfg, err := LoadConfig()
	if err != nil {
		return err
	}

	backend := slog.NewBackend(os.Stdout)
	log := backend.Logger("ESCR")
	if level, ok := slog.LevelFromString(cfg.LogLevel); ok {
		log.SetLevel(level)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	operator, err := ledger.NewSignerFromBase58(cfg.OperatorKey)
	if err != nil {
		return fmt.Errorf("load operator key: %w", err)
	}
	log.Infof("operator address %s", operator.Address())

	if err := os.MkdirAll(cfg.DataDir, 0700); err != nil {
		return fmt.Errorf("create data dir: %w", err)
	}
	db, err := matchdb.NewBoltDB(filepath.Join(cfg.DataDir, "matches.db"))
	if err != nil {
		return err
	}
	defer db.Close()
	sink, err := audit.NewBoltSink(filepath.Join(cfg.DataDir, "audit.db"))
	if err != nil {
		return err
	}
	defer sink.Close()

	rdb := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
		DB:       cfg.RedisDB,
	})
	defer rdb.Close()
	if err := rdb.Ping(ctx).Err(); err != nil {
		// The trackers degrade gracefully without Redis; warn and continue.
		log.Warnf("redis unreachable at %s: %v", cfg.RedisAddr, err)
	}
	games := gamestate.NewRedisStore(rdb, 0)
	sigs := sigtracker.NewRedisTracker(rdb, 0, backend.Logger("SIGS"))

	chain := ledger.NewClient(cfg.RPCEndpoint, cfg.RPCTimeout, backend.Logger("RPC "))
	quorum := squads.NewProgram()

	engineCfg := settle.DefaultConfig()
	engineCfg.AllowLaggingApprovals = cfg.AllowLaggingApprovals
	engine := settle.New(backend.Logger("STLE"), chain, quorum, db, sink, operator, cfg.FeeRecipient, engineCfg)

	deposits := scanner.NewDepositWatcher(backend.Logger("DEPO"), db, chain, games, sigs, cfg.DepositInterval)
	timeouts := scanner.NewTimeoutScanner(backend.Logger("TIME"), db, games, engine, cfg.ScanInterval)

	log.Infof("escrowd starting: rpc=%s data=%s", cfg.RPCEndpoint, cfg.DataDir)

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		if err := deposits.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("deposit watcher stopped: %v", err)
			stop()
		}
	}()
	go func() {
		defer wg.Done()
		if err := timeouts.Run(ctx); err != nil && ctx.Err() == nil {
			log.Errorf("timeout scanner stopped: %v", err)
			stop()
		}
	}()

	<-ctx.Done()
	log.Infof("shutting down")
	wg.Wait()
	return nil
}
