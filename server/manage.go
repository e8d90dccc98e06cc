package server

import (
	"encoding/json"
	"net/http"

	"repowatch/pkg/watch"
)

func (s *Server) handleUnwatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req struct {
		Repository string `json:"repository"`
	}
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	removed, err := s.commands.Unwatch(r.Context(), req.Repository)
	if err != nil {
		if s.isValidation(err) {
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to unwatch repository", "repo", req.Repository, "error", err)
		s.writeError(w, http.StatusInternalServerError, "internal server error")
		return
	}

	s.writeJSON(w, http.StatusOK, map[string]bool{"removed": removed})
}

// handleList returns the subscriptions posting to the channel_id query
// parameters. Without any, every subscription is listed.
func (s *Server) handleList(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var scope func(watch.ChannelID) bool
	if ids := r.URL.Query()["channel_id"]; len(ids) > 0 {
		allowed := make(map[watch.ChannelID]bool, len(ids))
		for _, id := range ids {
			allowed[watch.ChannelID(id)] = true
		}
		scope = func(c watch.ChannelID) bool { return allowed[c] }
	}

	subs := s.commands.List(scope)
	views := make([]subscriptionView, 0, len(subs))
	for _, sub := range subs {
		views = append(views, newSubscriptionView(sub))
	}
	s.writeJSON(w, http.StatusOK, map[string][]subscriptionView{"subscriptions": views})
}
