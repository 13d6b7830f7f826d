// Package redis wires a Redis-backed persistence.Gateway into a durolow
// Runner, mirroring the way the root module wires the in-memory, SQLite,
// and Postgres gateways, so callers never need to import internal
// packages directly.
package redis

import (
	"github.com/redis/go-redis/v9"

	"github.com/mofax/durolow/internal/engine"
	"github.com/mofax/durolow/pkg/api"
	corep "github.com/mofax/durolow/redis/internal/persistence"
)

// NewRedisRunner returns a Runner that persists workflow state in Redis
// under the given key prefix ("durolow:" if empty).
func NewRedisRunner(client *redis.Client, prefix string, obs api.Observer) api.Runner {
	gw := corep.NewRedisGateway(client, prefix)
	return engine.New(gw, obs)
}
