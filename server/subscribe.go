package server

import (
	"encoding/json"
	"net/http"
	"time"

	"repowatch/commands"
	"repowatch/pkg/watch"
)

type watchRequest struct {
	Repository string          `json:"repository"`
	Type       string          `json:"type"`
	ChannelID  watch.ChannelID `json:"channel_id"`
	Labels     []string        `json:"labels"`
}

// subscriptionView is the API rendering of a subscription. Channel ids are
// always strings here so snowflakes survive JavaScript clients.
type subscriptionView struct {
	Repository  string   `json:"repository"`
	ChannelID   string   `json:"channel_id"`
	WatchType   string   `json:"watch_type"`
	Description string   `json:"description"`
	WatchSince  string   `json:"watch_since,omitempty"`
	Labels      []string `json:"labels"`
}

func newSubscriptionView(sub *watch.Subscription) subscriptionView {
	v := subscriptionView{
		Repository:  sub.Repository,
		ChannelID:   string(sub.ChannelID),
		WatchType:   string(sub.WatchType),
		Description: sub.WatchType.Describe(),
		Labels:      append([]string{}, sub.Labels...),
	}
	if sub.HasCheckpoint() {
		v.WatchSince = sub.WatchSince.UTC().Format(time.RFC3339)
	}
	return v
}

func (s *Server) handleWatch(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}

	var req watchRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBodyBytes)).Decode(&req); err != nil {
		s.writeError(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	sub, err := s.commands.Watch(r.Context(), commands.WatchRequest{
		Repository: req.Repository,
		Type:       req.Type,
		ChannelID:  req.ChannelID,
		Labels:     req.Labels,
	})
	if err != nil {
		if s.isValidation(err) {
			s.logger.Info("Watch request rejected", "repo", req.Repository, "reason", err)
			s.writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		s.logger.Error("Failed to verify repository", "repo", req.Repository, "error", err)
		s.writeError(w, http.StatusBadGateway, "could not verify the repository with GitHub, try again later")
		return
	}

	s.logger.Info("Subscription created", "repo", sub.Repository, "channel_id", sub.ChannelID, "ip", clientIP(r))
	s.writeJSON(w, http.StatusOK, map[string]subscriptionView{"subscription": newSubscriptionView(sub)})
}
