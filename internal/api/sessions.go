package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/pcview/server/internal/journal"
)

// sessionsHandler lists journaled sessions, optionally filtered by ?dataset=.
func sessionsHandler(j *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if j == nil {
			http.Error(w, "session journal disabled", http.StatusNotFound)
			return
		}
		limit := 100
		if s := r.URL.Query().Get("limit"); s != "" {
			v, err := strconv.Atoi(s)
			if err != nil || v <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = v
		}

		sessions, err := j.Store().ListSessions(r.Context(), r.URL.Query().Get("dataset"), limit)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"sessions": sessions,
		})
	}
}

// deliveriesHandler lists the deliveries of one session.
func deliveriesHandler(j *journal.Journal) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if j == nil {
			http.Error(w, "session journal disabled", http.StatusNotFound)
			return
		}
		sessionID := chi.URLParam(r, "session_id")
		sess, err := j.Store().GetSession(r.Context(), sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		if sess == nil {
			http.Error(w, "session not found: "+sessionID, http.StatusNotFound)
			return
		}
		deliveries, err := j.Store().ListDeliveries(r.Context(), sessionID)
		if err != nil {
			http.Error(w, err.Error(), http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]interface{}{
			"session":    sess,
			"deliveries": deliveries,
		})
	}
}
