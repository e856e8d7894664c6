// Package module wires the price aggregator into the service using modkit
package module

import (
	"context"
	"net/http"
	"time"

	modkit "priceoracle/internal/modkit"
	"priceoracle/internal/modkit/httpkit"
	"priceoracle/internal/platform/logger"

	"priceoracle/internal/services/aggregator/cache"
	aggconfig "priceoracle/internal/services/aggregator/config"
	"priceoracle/internal/services/aggregator/domain"
	agghttp "priceoracle/internal/services/aggregator/http"
	"priceoracle/internal/services/aggregator/orchestrator"
	"priceoracle/internal/services/aggregator/ratelimit"
	"priceoracle/internal/services/aggregator/refetch"
	"priceoracle/internal/services/aggregator/registry"
	"priceoracle/internal/services/aggregator/sources"
	"priceoracle/internal/services/aggregator/stream"
)

// defaultRefetchInterval is how often the refetch loop scans the cache for
// entries approaching expiry
const defaultRefetchInterval = 250 * time.Millisecond

// Module implements the price aggregator as a modkit module
type Module struct {
	deps   modkit.Deps
	name   string
	prefix string

	mws       []func(http.Handler) http.Handler
	swaggerOn bool
	subrouter func(httpkit.Router) httpkit.Router
	register  func(httpkit.Router)

	cache    *cache.Cache
	registry *registry.Registry
	limiters *ratelimit.Registry
	refetch  *refetch.Loop
	orch     *orchestrator.Orchestrator
	adapters *sources.Registry
	streams  []*stream.Service

	cancel context.CancelFunc
}

// New constructs the aggregator module: configuration, rate limiters,
// cache, registry, every source adapter, the refetch loop, the streaming
// services for adapters capable of it, and the orchestrator that ties it
// all together behind the HTTP surface
func New(deps modkit.Deps, opts ...modkit.Option) modkit.Module {
	b := modkit.Build(append([]modkit.Option{
		modkit.WithName("aggregator"),
		modkit.WithPrefix("/aggregator"),
	}, opts...)...)

	log := logger.Named("aggregator.module")

	cfgs, err := aggconfig.Load()
	if err != nil {
		log.Panic().Err(err).Msg("aggregator: failed to load source config")
	}

	limiters := ratelimit.NewRegistry()
	c := cache.New()
	reg := registry.New()

	adapters, err := buildAdapters(cfgs, limiters)
	if err != nil {
		log.Panic().Err(err).Msg("aggregator: failed to construct source adapters")
	}

	cfgOf := func(name domain.SourceName) (domain.SourceConfig, bool) {
		cfg, ok := cfgs[name]
		return cfg, ok
	}
	adapterOf := func(name domain.SourceName) (domain.Adapter, bool) {
		return adapters.Get(name)
	}

	orch := orchestrator.New(c, reg, cfgOf, adapterOf)

	fetchFn := func(ctx context.Context, name domain.SourceName, pair domain.Pair) (domain.Quote, error) {
		a, ok := adapters.Get(name)
		if !ok {
			return orch.GetQuote(ctx, name, pair)
		}
		q, err := a.FetchQuote(ctx, pair)
		if err != nil {
			return domain.Quote{}, err
		}
		c.Set(domain.Key{Source: name, Pair: pair}, q, cfgs[name].TTL())
		reg.TrackSuccessfulFetch(name, pair)
		return q, nil
	}
	refetchLoop := refetch.New(c, cfgOf, fetchFn, defaultRefetchInterval)

	var streams []*stream.Service
	for _, a := range adapters.All() {
		sa, ok := a.(domain.StreamAdapter)
		if !ok {
			continue
		}
		cfg, ok := cfgOf(a.Name())
		if !ok || !cfg.Enabled {
			continue
		}
		svc := stream.New(a.Name(), sa, c, reg, cfg.TTL())
		streams = append(streams, svc)
	}

	m := &Module{
		deps:      deps,
		name:      b.Name,
		prefix:    b.Prefix,
		mws:       b.Mw,
		swaggerOn: b.SwaggerOn,
		subrouter: b.Subrouter,
		cache:     c,
		registry:  reg,
		limiters:  limiters,
		refetch:   refetchLoop,
		orch:      orch,
		adapters:  adapters,
		streams:   streams,
	}

	external := b.Register
	m.register = func(r httpkit.Router) {
		agghttp.Register(r, agghttp.Deps{
			Orchestrator: orch,
			Registry:     reg,
			Cache:        c,
		})
		if external != nil {
			external(r)
		}
	}

	streamBySource := make(map[domain.SourceName]*stream.Service, len(streams))
	for _, s := range streams {
		streamBySource[s.Source()] = s
	}

	ctx, cancel := context.WithCancel(context.Background())
	m.cancel = cancel
	go refetchLoop.Run(ctx)
	for _, s := range streams {
		if err := s.Start(ctx); err != nil {
			log.Error().Err(err).Str("source", string(s.Source())).Msg("aggregator: streaming service failed to start")
		}
	}
	if len(streamBySource) > 0 {
		go forwardRegistryEvents(ctx, reg.Subscribe(), streamBySource)
	}

	return m
}

// forwardRegistryEvents consumes pair-added/pair-removed events and
// forwards each to the streaming service for its source, so a pair
// requested after startup (not just the ones primed from the registry
// snapshot at Start) still gets subscribed over the wire
func forwardRegistryEvents(ctx context.Context, events <-chan registry.Event, byServiceSource map[domain.SourceName]*stream.Service) {
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			svc, ok := byServiceSource[ev.Source]
			if !ok {
				continue
			}
			if ev.Added {
				svc.RequestPair(ev.Pair)
			} else {
				svc.ReleasePair(ev.Pair)
			}
		}
	}
}

// buildAdapters constructs every one of the ten source adapters against
// its loaded configuration and shared per-host rate limiters
func buildAdapters(cfgs map[domain.SourceName]domain.SourceConfig, limiters *ratelimit.Registry) (*sources.Registry, error) {
	var built []domain.Adapter

	binance, err := sources.NewBinance(cfgs[domain.SourceBinance], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, binance)

	okx, err := sources.NewOKX(cfgs[domain.SourceOKX], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, okx)

	kraken, err := sources.NewKraken(cfgs[domain.SourceKraken], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, kraken)

	coinbase, err := sources.NewCoinbase(cfgs[domain.SourceCoinbase], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, coinbase)

	cc, err := sources.NewCryptoCompare(cfgs[domain.SourceCryptoCompare], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, cc)

	finnhub, err := sources.NewFinnhub(cfgs[domain.SourceFinnhub], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, finnhub)

	av, err := sources.NewAlphaVantage(cfgs[domain.SourceAlphaVantage], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, av)

	cg, err := sources.NewCoinGecko(cfgs[domain.SourceCoinGecko], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, cg)

	fk, err := sources.NewFrankfurter(cfgs[domain.SourceFrankfurter], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, fk)

	erh, err := sources.NewExchangeRateHost(cfgs[domain.SourceExchangeRateAPI], limiters)
	if err != nil {
		return nil, err
	}
	built = append(built, erh)

	return sources.NewRegistry(built...), nil
}

// MountRoutes mounts the module routes on the given router
func (m *Module) MountRoutes(r httpkit.Router) {
	httpkit.MountUnder(r, m.prefix, m.mws, func(rr httpkit.Router) {
		if m.subrouter != nil {
			rr = m.subrouter(rr)
		}
		if m.register != nil {
			m.register(rr)
		}
	})
}

// Ports exposes the orchestrator so other modules can depend on it
func (m *Module) Ports() any { return Ports{Orchestrator: m.orch} }

// Name returns the module name
func (m *Module) Name() string { return m.name }

// Stop halts the refetch loop and every streaming service started by New
func (m *Module) Stop() {
	if m.cancel != nil {
		m.cancel()
	}
	if m.refetch != nil {
		m.refetch.Stop()
	}
	for _, s := range m.streams {
		s.Stop()
	}
	m.limiters.StopAll()
}
