package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/keygate-io/keygate/pkg/versions"
)

// VersionRouter builds the /version sub-router.
func VersionRouter() http.Handler {
	r := chi.NewRouter()
	r.Get("/", getVersion)
	return r
}

// getVersion
//
//	@Summary		Get build information
//	@Tags			system
//	@Produce		json
//	@Success		200	{object}	versions.VersionInfo
//	@Router			/version [get]
func getVersion(w http.ResponseWriter, _ *http.Request) {
	respondJSON(w, http.StatusOK, versions.GetVersionInfo())
}
