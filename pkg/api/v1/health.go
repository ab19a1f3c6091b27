package v1

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/redis/go-redis/v9"

	"github.com/keygate-io/keygate/pkg/authz"
	"github.com/keygate-io/keygate/pkg/logger"
)

const healthProbeTimeout = 2 * time.Second

// HealthRoutes reports service liveness.
type HealthRoutes struct {
	rdb        redis.UniversalClient
	authorizer authz.Authorizer
}

// HealthRouter builds the /health sub-router. Unauthenticated; load
// balancers poll it.
func HealthRouter(rdb redis.UniversalClient, authorizer authz.Authorizer) http.Handler {
	routes := HealthRoutes{rdb: rdb, authorizer: authorizer}

	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

// getHealthcheck
//
//	@Summary		Health check
//	@Description	Probes Redis and the tuple store; healthy instances answer 204
//	@Tags			system
//	@Success		204	{string}	string	"Service is healthy"
//	@Failure		503	{object}	statusResponse
//	@Router			/health [get]
func (h *HealthRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), healthProbeTimeout)
	defer cancel()

	if err := h.rdb.Ping(ctx).Err(); err != nil {
		logger.Errorf("Health check failed: redis unreachable: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Message: "session store unreachable"})
		return
	}
	if _, err := h.authorizer.ListTenants(ctx); err != nil {
		logger.Errorf("Health check failed: tuple store unreachable: %v", err)
		respondJSON(w, http.StatusServiceUnavailable, statusResponse{Status: "error", Message: "tuple store unreachable"})
		return
	}

	w.WriteHeader(http.StatusNoContent)
}
