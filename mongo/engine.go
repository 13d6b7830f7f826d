// Package mongo wires a MongoDB-backed persistence.Gateway into a durolow
// Runner, mirroring the way the root module wires the in-memory, SQLite,
// and Postgres gateways, so callers never need to import internal
// packages directly.
package mongo

import (
	"go.mongodb.org/mongo-driver/mongo"

	"github.com/mofax/durolow/internal/engine"
	"github.com/mofax/durolow/pkg/api"
	corep "github.com/mofax/durolow/mongo/internal/persistence"
)

// NewMongoRunner returns a Runner that persists workflow state in the
// given MongoDB database ("durolow" if dbName is empty).
func NewMongoRunner(client *mongo.Client, dbName string, obs api.Observer) api.Runner {
	gw := corep.NewMongoGateway(client, dbName)
	return engine.New(gw, obs)
}
