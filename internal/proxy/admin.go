package proxy

import (
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/namikmesic/kimi-gateway/internal/config"
	"github.com/namikmesic/kimi-gateway/internal/tokens"
	"github.com/rs/zerolog/log"
)

type adminAPI struct {
	registry *tokens.Registry
	live     *config.Live
}

func (a *adminAPI) routes(r chi.Router) {
	r.Post("/tokens/batch", a.addTokens)
	r.Get("/tokens", a.listTokens)
	r.Delete("/tokens/cleanup", a.cleanupTokens)
	r.Delete("/tokens/{id}", a.deleteToken)

	r.Get("/env", a.getEnv)
	r.Post("/env", a.updateEnv)
	r.Post("/env/apply", a.applyEnv)
}

type message struct {
	Message string `json:"message"`
}

func (a *adminAPI) addTokens(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Tokens []string `json:"tokens"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid request body")
		return
	}
	added, err := a.registry.AddBatch(r.Context(), req.Tokens)
	if err != nil {
		log.Error().Err(err).Msg("failed to add tokens")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to add tokens")
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Added %d tokens", len(added)),
		"tokens":  added,
	})
}

func (a *adminAPI) listTokens(w http.ResponseWriter, r *http.Request) {
	page := queryInt(r, "page", 1)
	perPage := queryInt(r, "per_page", tokens.DefaultPerPage)
	out, err := a.registry.List(r.Context(), page, perPage)
	if err != nil {
		log.Error().Err(err).Msg("failed to list tokens")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to list tokens")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

func (a *adminAPI) deleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "invalid token id")
		return
	}
	if err := a.registry.Delete(r.Context(), id); err != nil {
		if tokens.IsNotFound(err) {
			writeError(w, http.StatusNotFound, errTypeNotFound, "token not found")
			return
		}
		log.Error().Err(err).Int64("id", id).Msg("failed to delete token")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to delete token")
		return
	}
	writeJSON(w, http.StatusOK, message{"Token deleted"})
}

func (a *adminAPI) cleanupTokens(w http.ResponseWriter, r *http.Request) {
	n, err := a.registry.Cleanup(r.Context())
	if err != nil {
		log.Error().Err(err).Msg("failed to clean up tokens")
		writeError(w, http.StatusInternalServerError, "internal_error", "failed to clean up tokens")
		return
	}
	writeJSON(w, http.StatusOK, message{fmt.Sprintf("Removed %d expired tokens", n)})
}

func (a *adminAPI) getEnv(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, a.live.Snapshot().Env())
}

func decodeEnv(w http.ResponseWriter, r *http.Request) (map[string]string, bool) {
	var values map[string]string
	if err := json.NewDecoder(r.Body).Decode(&values); err != nil {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "body must be an object of string values")
		return nil, false
	}
	return values, true
}

func envError(w http.ResponseWriter, err error) {
	if errors.Is(err, config.ErrNoLiveKeys) {
		writeError(w, http.StatusBadRequest, errTypeInvalidRequest, "No valid environment variables provided")
		return
	}
	writeError(w, http.StatusBadRequest, errTypeInvalidRequest, err.Error())
}

// updateEnv checks the values without applying them.
func (a *adminAPI) updateEnv(w http.ResponseWriter, r *http.Request) {
	values, ok := decodeEnv(w, r)
	if !ok {
		return
	}
	if _, err := a.live.Validate(values); err != nil {
		envError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, message{"Environment variables updated (restart required to take effect)"})
}

func (a *adminAPI) applyEnv(w http.ResponseWriter, r *http.Request) {
	values, ok := decodeEnv(w, r)
	if !ok {
		return
	}
	updated, err := a.live.Apply(values)
	if err != nil {
		envError(w, err)
		return
	}
	if updated == nil {
		updated = []string{}
	}
	log.Info().Strs("updated", updated).Msg("configuration applied")
	writeJSON(w, http.StatusOK, map[string]any{
		"message": fmt.Sprintf("Successfully applied %d configuration changes", len(updated)),
		"updated": updated,
		"note":    "Changes applied immediately without restart",
	})
}

func queryInt(r *http.Request, key string, def int) int {
	v := r.URL.Query().Get(key)
	if v == "" {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}
