package types

import (
	"net/http"

	"github.com/intmax-network/validity-prover/pkg/cache"
	"github.com/intmax-network/validity-prover/pkg/config"
	"github.com/intmax-network/validity-prover/pkg/coordinator"
	"github.com/intmax-network/validity-prover/pkg/db/postgres"
	"github.com/intmax-network/validity-prover/pkg/forest"
	"github.com/intmax-network/validity-prover/pkg/merkle/store"
	"github.com/intmax-network/validity-prover/pkg/observer"
	"github.com/intmax-network/validity-prover/pkg/witness"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// App wires the validity prover's components: the versioned merkle store and
// forest, the timeline observers, the witness generator, the task
// coordinator, and the HTTP surface.
type App struct {
	Config *config.Config
	Logger *zap.Logger

	DB          postgres.Client
	MerkleStore *store.Store
	Forest      *forest.Forest
	Timeline    *observer.TimelineStore
	Generator   *witness.Generator
	Coordinator *coordinator.Coordinator

	L1Observer *observer.L1Observer
	L2Observer *observer.L2Observer

	// Cache is nil unless REDIS_ENABLED is set.
	Cache *cache.Client

	// Cron drives the backup+prune retention job.
	Cron *cron.Cron

	// Server is the HTTP server instance serving queries and worker RPCs.
	Server *http.Server
}
