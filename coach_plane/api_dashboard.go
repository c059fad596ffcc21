package main

import (
	"fmt"
	"net/http"

	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/incident"
)

// handleDashboard returns one aggregated snapshot of the service state.
func (a *API) handleDashboard(w http.ResponseWriter, r *http.Request) {
	snap, err := a.deps.Dashboard.Snapshot(r.Context())
	if err != nil {
		a.log.Error("dashboard snapshot failed", zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	snap.StreamClients = a.deps.Hub.ClientCount()
	writeJSON(w, http.StatusOK, snap)
}

// handleTimeline returns the recorded scheduling history for one user.
func (a *API) handleTimeline(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.pathUserID(w, r)
	if !ok {
		return
	}

	user, err := a.deps.Store.GetUser(r.Context(), userID)
	if err != nil {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if user == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"user_id": userID,
		"events":  a.deps.Timeline.EventsFor(userID),
	})
}

// handleCaptureIncident snapshots one user's controller context for support
// review: profile, phase, recent component states, timeline tail and queue
// depth. The report is retained in the in-memory incident log and returned
// as a downloadable attachment.
func (a *API) handleCaptureIncident(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.pathUserID(w, r)
	if !ok {
		return
	}
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "manual capture"
	}

	report, err := incident.Capture(r.Context(), a.deps.Store, a.deps.Timeline, a.deps.Queue, userID, reason)
	if err != nil {
		a.log.Error("incident capture failed", zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if report == nil {
		http.Error(w, "user not found", http.StatusNotFound)
		return
	}
	a.deps.Incidents.Add(report)
	a.log.Info("incident captured",
		zap.Int64("user_id", userID),
		zap.String("report_id", report.ID),
		zap.String("reason", reason))

	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=incident-%s.json", report.ID))
	writeJSON(w, http.StatusOK, report)
}

// handleListIncidents returns the retained reports, newest first.
func (a *API) handleListIncidents(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"incidents": a.deps.Incidents.List(),
	})
}
