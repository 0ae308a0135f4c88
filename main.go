package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spooky-finn/go-idex-depthcache/config"
	"github.com/spooky-finn/go-idex-depthcache/domain"
	"github.com/spooky-finn/go-idex-depthcache/infrastructure/logger"
	promclient "github.com/spooky-finn/go-idex-depthcache/infrastructure/prometheus"
	"github.com/spooky-finn/go-idex-depthcache/provider"
	"github.com/spooky-finn/go-idex-depthcache/rpc"
	"github.com/spooky-finn/go-idex-depthcache/usecase"
	"go.uber.org/zap"
)

func main() {
	if err := run(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func run() error {
	cfg, err := config.Load()
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	log, err := logger.New(cfg.LogLevel, cfg.DebugMode)
	if err != nil {
		return fmt.Errorf("build logger: %w", err)
	}
	defer log.Sync()
	zap.ReplaceGlobals(log)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if cfg.MetricsAddr != "" {
		go func() {
			if err := promclient.StartPromClientServer(cfg.MetricsAddr); err != nil {
				log.Error("prometheus server stopped", zap.Error(err))
			}
		}()
	}

	snapshots := usecase.NewOrderBookSnapshotUseCase(provider.NewConnectionManagerFromConfig(cfg))
	defer func() {
		if err := snapshots.Close(); err != nil {
			log.Error("failed to close depth caches", zap.Error(err))
		}
	}()

	for _, market := range cfg.Markets {
		symbol, err := domain.NewMarketSymbolFromString(market)
		if err != nil {
			return err
		}
		if _, err := snapshots.Follow(ctx, symbol, logTopOfBook(log.Named(symbol.String()))); err != nil {
			return fmt.Errorf("follow %s: %w", symbol, err)
		}
	}

	serveErr := make(chan error, 1)
	if cfg.GRPCAddr != "" {
		go func() {
			serveErr <- rpc.ListenAndServe(ctx, cfg.GRPCAddr, rpc.NewServer(snapshots, nil))
		}()
	}

	log.Info("depth caches are live", zap.Strings("markets", cfg.Markets))

	select {
	case <-ctx.Done():
		log.Info("shutting down")
		return nil
	case err := <-serveErr:
		if err == nil {
			err = errors.New("grpc server stopped")
		}
		return err
	}
}

func logTopOfBook(log *zap.Logger) func(*domain.OrderBook) {
	return func(book *domain.OrderBook) {
		if !log.Core().Enabled(zap.DebugLevel) {
			return
		}

		bids, asks := book.Depth()
		fields := []zap.Field{zap.Int("bidLevels", len(bids)), zap.Int("askLevels", len(asks))}
		if len(bids) > 0 {
			fields = append(fields, zap.Stringer("bestBid", bids[0].Price), zap.Stringer("bestBidQty", bids[0].Quantity))
		}
		if len(asks) > 0 {
			fields = append(fields, zap.Stringer("bestAsk", asks[0].Price), zap.Stringer("bestAskQty", asks[0].Quantity))
		}
		log.Debug("depth cache updated", fields...)
	}
}
