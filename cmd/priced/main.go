// @title         Price Aggregator
// @version       0.1.0
// @description   Quote endpoint over ten market data providers, with caching,
// @description   dedup, background refetch and optional WebSocket streaming

package main

import (
	"context"

	modkit "priceoracle/internal/modkit"
	"priceoracle/internal/modkit/httpkit"
	"priceoracle/internal/platform/config"
	"priceoracle/internal/platform/logger"
	phttp "priceoracle/internal/platform/net/http"

	aggmodule "priceoracle/internal/services/aggregator/module"
)

func main() {
	// service-scoped config for HTTP etc (CORE_AGG_*)
	root := config.New()
	aggCfg := root.Prefix("CORE_AGG_")

	// bring up logging early
	l := logger.Get()

	deps := modkit.Deps{Log: *l, Cfg: aggCfg}

	srv := phttp.NewServer(aggCfg)
	router := srv.Router()
	router.Use(httpkit.CommonStack()...)

	mod := aggmodule.New(deps)
	mod.MountRoutes(router)

	stoppable, ok := mod.(interface{ Stop() })
	if ok {
		defer stoppable.Stop()
	}

	if err := srv.Run(context.Background()); err != nil {
		l.Panic().Err(err).Msg("http server stopped")
	}
}
