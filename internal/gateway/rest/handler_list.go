package rest

import (
	"errors"
	"net/http"

	"github.com/countwatch/countwatch/internal/endpoint"
	"github.com/countwatch/countwatch/internal/storage/postgres"
)

// listHandler returns the newest rows of res as a JSON array, narrowed by the
// same session_id and resolved parameters the stream accepts.
func (h *Handler) listHandler(res endpoint.Resource) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		params, err := endpoint.ParseParams(r.URL.Query())
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		criteria, err := params.Criteria(res)
		if err != nil {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, err.Error())
			return
		}
		if params.Limit < 0 {
			writeError(w, http.StatusBadRequest, ErrCodeBadRequest, "limit must not be negative")
			return
		}

		rows, err := h.lister.List(r.Context(), res.Table, postgres.ListQuery{
			SessionID: criteria.SessionID,
			Resolved:  criteria.Resolved,
			Limit:     params.Limit,
		})
		if err != nil {
			if errors.Is(err, postgres.ErrUnknownTable) {
				writeError(w, http.StatusNotFound, ErrCodeNotFound, "Unknown collection")
				return
			}
			h.logger.Error("Failed to list collection", "resource", res.Name, "error", err)
			writeInternalError(w, err, "Failed to list "+res.Name)
			return
		}
		writeJSON(w, http.StatusOK, rows)
	}
}
