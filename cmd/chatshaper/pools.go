package main

import (
	"fmt"
	"os"

	"go.uber.org/zap"

	"github.com/chatshaper/chatshaper/pkg/config"
	"github.com/chatshaper/chatshaper/pkg/keypool"
)

// buildPools creates one key pool per configured provider. Credentials come
// from the provider's api_keys and api_key_env. In the build phase a provider
// without credentials gets a placeholder pool instead of an error.
func buildPools(cfg *config.Config, lookup keypool.LookupFunc, logger *zap.Logger) (map[string]*keypool.Pool, error) {
	if lookup == nil {
		lookup = os.LookupEnv
	}
	buildPhase := cfg.BuildPhase || keypool.IsBuildPhase(lookup)

	pools := make(map[string]*keypool.Pool, len(cfg.Providers))
	for _, p := range cfg.Providers {
		pool, err := keypool.New(p.Keys(lookup),
			keypool.WithSource(p.Name),
			keypool.WithBuildPhase(buildPhase),
			keypool.WithCooldown(cfg.KeyPool.Cooldown),
			keypool.WithLogger(logger.With(zap.String("provider", p.Name))),
		)
		if err != nil {
			return nil, fmt.Errorf("provider %q: %w", p.Name, err)
		}
		pools[p.Name] = pool
	}
	return pools, nil
}
