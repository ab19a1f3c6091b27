package tuplestore

import (
	"fmt"

	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/config"
	"github.com/keygate-io/keygate/pkg/networking"
)

// New builds the Store selected by cfg. Memory mode needs neither the HTTP
// client nor Redis; the HTTP modes use rdb to persist store and model ids.
func New(cfg config.TupleStoreConfig, rdb redis.UniversalClient, keyPrefix string) (Store, error) {
	switch cfg.Mode {
	case config.TupleStoreModeMemory:
		return NewMemoryStore(), nil
	case config.TupleStoreModeLocal, config.TupleStoreModePerTenant:
		client, err := networking.NewHttpClientBuilder().
			WithTimeout(cfg.RequestTimeout).
			Build()
		if err != nil {
			return nil, fmt.Errorf("failed to build tuple store client: %w", err)
		}
		return NewOpenFGAStore(OpenFGAConfig{
			Mode:              cfg.Mode,
			Addr:              cfg.Addr,
			StoreName:         cfg.StoreName,
			NamespaceTemplate: cfg.NamespaceTemplate,
			RequestTimeout:    cfg.RequestTimeout,
		}, client, rdb, keyPrefix)
	default:
		return nil, fmt.Errorf("unknown tuple store mode %q", cfg.Mode)
	}
}
