package provider

import (
	"context"

	"github.com/spooky-finn/go-idex-depthcache/config"
	"github.com/spooky-finn/go-idex-depthcache/domain"
	"github.com/spooky-finn/go-idex-depthcache/provider/idex"
)

// ConnectionManager opens IDEX depth caches. Every depth cache owns its
// datastream connection, the REST client and its currency cache are shared.
type ConnectionManager struct {
	syncAPI domain.ProviderSyncAPI
	opts    []idex.MaintainerOption
}

func NewConnectionManager(syncAPI domain.ProviderSyncAPI, opts ...idex.MaintainerOption) *ConnectionManager {
	return &ConnectionManager{
		syncAPI: syncAPI,
		opts:    opts,
	}
}

// NewConnectionManagerFromConfig wires the REST client and the depth cache
// options from cfg. Extra options are applied last.
func NewConnectionManagerFromConfig(cfg *config.Config, extra ...idex.MaintainerOption) *ConnectionManager {
	streamOpts := idex.DefaultStreamOptions()
	streamOpts.Endpoint = cfg.StreamURL
	streamOpts.APIKey = cfg.APIKey
	streamOpts.ReadTimeout = cfg.StreamReadTimeout
	streamOpts.MaxReconnects = cfg.StreamMaxReconnects
	streamOpts.MaxReconnectWait = cfg.StreamMaxReconnectWait

	opts := []idex.MaintainerOption{
		idex.WithStreamOptions(streamOpts),
		idex.WithRefreshInterval(cfg.RefreshInterval),
		idex.WithSnapshotDepth(cfg.SnapshotDepth),
	}

	return NewConnectionManager(idex.NewSyncAPI(cfg.APIURL, nil), append(opts, extra...)...)
}

func (cm *ConnectionManager) SyncAPI() domain.ProviderSyncAPI {
	return cm.syncAPI
}

// OpenDepthCache returns once the initial snapshot of symbol is loaded.
// onUpdate, if set, runs after every applied event.
func (cm *ConnectionManager) OpenDepthCache(
	ctx context.Context, symbol *domain.MarketSymbol, onUpdate func(*domain.OrderBook),
) (domain.DepthCacheHandle, error) {
	opts := append([]idex.MaintainerOption{}, cm.opts...)
	if onUpdate != nil {
		opts = append(opts, idex.WithOnUpdate(onUpdate))
	}

	maintainer, err := idex.NewOrderBookMaintainer(ctx, cm.syncAPI, symbol, opts...)
	if err != nil {
		return nil, err
	}
	return maintainer, nil
}

var _ domain.ConnManager = (*ConnectionManager)(nil)
