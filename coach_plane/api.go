package main

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/quitflow/coachplane/coach_plane/calendar"
	"github.com/quitflow/coachplane/coach_plane/faults"
	"github.com/quitflow/coachplane/coach_plane/idempotency"
	"github.com/quitflow/coachplane/coach_plane/incident"
	"github.com/quitflow/coachplane/coach_plane/middleware"
	"github.com/quitflow/coachplane/coach_plane/registry"
	"github.com/quitflow/coachplane/coach_plane/statemachine"
	"github.com/quitflow/coachplane/coach_plane/store"
	"github.com/quitflow/coachplane/coach_plane/taskqueue"
	"github.com/quitflow/coachplane/coach_plane/timeline"
)

const dateLayout = "2006-01-02"

// APIDeps collects the HTTP layer's collaborators.
type APIDeps struct {
	Store     store.Store
	Registry  *registry.Registry
	Queue     taskqueue.Queue
	Timeline  *timeline.Store
	Incidents *incident.Log
	Dashboard *DashboardService
	Hub       *EventHub
	Idem      *idempotency.Store
	Calendar  *calendar.Calendar
	Log       *zap.Logger
}

// API serves the event ingress for the conversational front end and the
// operator endpoints.
type API struct {
	deps APIDeps
	log  *zap.Logger
}

func NewAPI(deps APIDeps) *API {
	return &API{deps: deps, log: deps.Log.Named("api")}
}

// Routes builds the service mux wrapped in CORS and request logging.
func (a *API) Routes() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/v1/events/dialog-completed", a.withIdempotency(a.handleDialogCompleted))
	mux.HandleFunc("POST /api/v1/events/dialog-rescheduled", a.withIdempotency(a.handleDialogRescheduled))
	mux.HandleFunc("POST /api/v1/events/user-trigger", a.withIdempotency(a.handleUserTrigger))

	mux.HandleFunc("POST /api/v1/users", a.withIdempotency(a.handleEnroll))
	mux.HandleFunc("POST /api/v1/users/{id}/start", a.handleStart)
	mux.HandleFunc("PATCH /api/v1/users/{id}/quit-date", a.handleQuitDate)
	mux.HandleFunc("GET /api/v1/users/{id}", a.handleGetUser)

	mux.HandleFunc("GET /api/v1/users/{id}/timeline", a.handleTimeline)
	mux.HandleFunc("GET /api/v1/users/{id}/incident", a.handleCaptureIncident)
	mux.HandleFunc("GET /api/v1/incidents", a.handleListIncidents)
	mux.HandleFunc("GET /api/v1/dashboard", a.handleDashboard)
	mux.HandleFunc("GET /api/v1/stream", a.handleStream)

	mux.HandleFunc("GET /healthz", a.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())

	return middleware.CORS(middleware.RequestLog(a.log)(mux))
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

// responseRecorder captures status and body for idempotent replay.
type responseRecorder struct {
	http.ResponseWriter
	statusCode int
	body       []byte
}

func (r *responseRecorder) WriteHeader(code int) {
	r.statusCode = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(b []byte) (int, error) {
	r.body = append(r.body, b...)
	return r.ResponseWriter.Write(b)
}

// withIdempotency replays the stored response for a repeated
// X-Idempotency-Key, so front-end retries do not double-apply events.
func (a *API) withIdempotency(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("X-Idempotency-Key")
		if key == "" {
			next(w, r)
			return
		}

		if resp, found := a.deps.Idem.Get(key); found {
			for k, vals := range resp.Headers {
				for _, v := range vals {
					w.Header().Add(k, v)
				}
			}
			w.WriteHeader(resp.StatusCode)
			w.Write(resp.Body)
			return
		}

		rec := &responseRecorder{ResponseWriter: w, statusCode: http.StatusOK}
		next(rec, r)

		a.deps.Idem.Set(key, idempotency.Response{
			StatusCode: rec.statusCode,
			Body:       rec.body,
			Headers:    rec.Header(),
		})
	}
}

// -- Event ingress --

type eventRequest struct {
	UserID    int64     `json:"user_id"`
	Component string    `json:"component"`
	NewTime   time.Time `json:"new_time"`
}

func (a *API) decodeEvent(w http.ResponseWriter, r *http.Request) (eventRequest, bool) {
	var req eventRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return req, false
	}
	if req.UserID <= 0 || req.Component == "" {
		http.Error(w, "user_id and component are required", http.StatusBadRequest)
		return req, false
	}
	return req, true
}

func (a *API) handleDialogCompleted(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvent(w, r)
	if !ok {
		return
	}
	a.dispatch(w, r, req.UserID, statemachine.Event{
		Kind:      statemachine.EventDialogCompleted,
		Component: req.Component,
	})
}

func (a *API) handleDialogRescheduled(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvent(w, r)
	if !ok {
		return
	}
	if req.NewTime.IsZero() {
		http.Error(w, "new_time is required", http.StatusBadRequest)
		return
	}
	a.dispatch(w, r, req.UserID, statemachine.Event{
		Kind:      statemachine.EventDialogRescheduled,
		Component: req.Component,
		NewTime:   req.NewTime,
	})
}

func (a *API) handleUserTrigger(w http.ResponseWriter, r *http.Request) {
	req, ok := a.decodeEvent(w, r)
	if !ok {
		return
	}
	a.dispatch(w, r, req.UserID, statemachine.Event{
		Kind:      statemachine.EventUserTrigger,
		Component: req.Component,
	})
}

// dispatch routes one event through the registry and maps the fault kind to
// a response. A 503 tells the front end the event was not applied and may be
// retried; an ignored event is acknowledged so it is not.
func (a *API) dispatch(w http.ResponseWriter, r *http.Request, userID int64, ev statemachine.Event) {
	tag, err := a.deps.Registry.Dispatch(r.Context(), userID, ev)
	if err != nil {
		switch faults.KindOf(err) {
		case faults.NotFound:
			a.log.Warn("event for unknown target",
				zap.Int64("user_id", userID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			http.Error(w, "not found", http.StatusNotFound)
		case faults.IllegalTransition:
			a.log.Info("event ignored in current phase",
				zap.Int64("user_id", userID),
				zap.String("kind", string(ev.Kind)))
			writeJSON(w, http.StatusOK, map[string]string{"status": "ignored"})
		default:
			a.log.Error("event handling failed",
				zap.Int64("user_id", userID),
				zap.String("kind", string(ev.Kind)),
				zap.Error(err))
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "applied", "phase": string(tag)})
}

// -- User lifecycle --

type enrollRequest struct {
	UserID           int64  `json:"user_id"`
	StartDate        string `json:"start_date"`
	QuitDate         string `json:"quit_date"`
	PAGroup          int16  `json:"pa_group"`
	PreferredWeekday string `json:"preferred_weekday"`
	Daypart          string `json:"daypart"`
}

var weekdays = map[string]time.Weekday{
	"sunday":    time.Sunday,
	"monday":    time.Monday,
	"tuesday":   time.Tuesday,
	"wednesday": time.Wednesday,
	"thursday":  time.Thursday,
	"friday":    time.Friday,
	"saturday":  time.Saturday,
}

func (a *API) handleEnroll(w http.ResponseWriter, r *http.Request) {
	var req enrollRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	if req.UserID <= 0 {
		http.Error(w, "user_id is required", http.StatusBadRequest)
		return
	}

	loc := a.deps.Calendar.Location()
	start, err := time.ParseInLocation(dateLayout, req.StartDate, loc)
	if err != nil {
		http.Error(w, "start_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}
	quit, err := time.ParseInLocation(dateLayout, req.QuitDate, loc)
	if err != nil {
		http.Error(w, "quit_date must be YYYY-MM-DD", http.StatusBadRequest)
		return
	}

	switch req.Daypart {
	case "", "morning", "afternoon", "evening":
	default:
		http.Error(w, "daypart must be morning, afternoon or evening", http.StatusBadRequest)
		return
	}

	var weekday *time.Weekday
	if req.PreferredWeekday != "" {
		wd, ok := weekdays[req.PreferredWeekday]
		if !ok {
			http.Error(w, "unknown preferred_weekday", http.StatusBadRequest)
			return
		}
		weekday = &wd
	}

	existing, err := a.deps.Store.GetUser(r.Context(), req.UserID)
	if err != nil {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	if existing != nil {
		http.Error(w, "user already enrolled", http.StatusConflict)
		return
	}

	user := &store.User{
		ID:         req.UserID,
		StartDate:  start,
		QuitDate:   quit,
		PAGroup:    req.PAGroup,
		EnrolledAt: time.Now(),
	}
	prefs := &store.Preferences{
		UserID:  req.UserID,
		Weekday: weekday,
		Daypart: req.Daypart,
	}
	if err := a.deps.Registry.Enroll(r.Context(), user, prefs); err != nil {
		a.log.Error("enrollment failed", zap.Int64("user_id", req.UserID), zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]interface{}{
		"status":  "enrolled",
		"user_id": req.UserID,
	})
}

func (a *API) handleStart(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.pathUserID(w, r)
	if !ok {
		return
	}

	tag, err := a.deps.Registry.Start(r.Context(), userID)
	if err != nil {
		switch faults.KindOf(err) {
		case faults.NotFound:
			http.Error(w, "user not found", http.StatusNotFound)
		default:
			a.log.Error("start failed", zap.Int64("user_id", userID), zap.Error(err))
			http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		}
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "started", "phase": string(tag)})
}

func (a *API) handleQuitDate(w http.ResponseWriter, r *http.Request) {
	userID, ok := a.pathUserID(w, r)
	if !ok {
		return
	}

	var req struct {
		QuitDate string `json:"quit_date"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "invalid request body", http.StatusBadRequest)
		return
	}
	quit, err := time.ParseInLocation(dateLayout, req.QuitDate, a.deps.Calendar.Location())
	if err != nil {
		http.Error(w, "quit_date must be YYYY-MM-DD", http.StatusBadRequest)
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
	if err := a.deps.Store.UpdateQuitDate(r.Context(), userID, quit); err != nil {
		a.log.Error("quit date update failed", zap.Int64("user_id", userID), zap.Error(err))
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}
	a.log.Info("quit date updated",
		zap.Int64("user_id", userID),
		zap.Time("quit_date", quit))
	writeJSON(w, http.StatusOK, map[string]string{"status": "updated"})
}

func (a *API) handleGetUser(w http.ResponseWriter, r *http.Request) {
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
	ctrl, err := a.deps.Store.ControllerState(r.Context(), userID)
	if err != nil {
		http.Error(w, "temporarily unavailable", http.StatusServiceUnavailable)
		return
	}

	resp := struct {
		User          *store.User `json:"user"`
		Phase         string      `json:"phase"`
		ExecutionWeek int         `json:"execution_week"`
		UpdatedAt     time.Time   `json:"updated_at"`
	}{User: user}
	if ctrl != nil {
		resp.Phase = string(ctrl.State)
		resp.ExecutionWeek = ctrl.ExecutionWeek
		resp.UpdatedAt = ctrl.UpdatedAt
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) pathUserID(w http.ResponseWriter, r *http.Request) (int64, bool) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil || id <= 0 {
		http.Error(w, "invalid user id", http.StatusBadRequest)
		return 0, false
	}
	return id, true
}

func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}
