package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/gorilla/mux"
	"github.com/realtime-chat-go/internal/models"
	"github.com/realtime-chat-go/internal/services/session"
	"github.com/realtime-chat-go/internal/services/stats"
	"github.com/realtime-chat-go/pkg/markdown"
	"github.com/sirupsen/logrus"
)

// CacheInspector reports the chat cache state
type CacheInspector interface {
	CacheInfo(ctx context.Context) models.CacheInfo
}

// API serves the session state as JSON for a web shell
type API struct {
	session       *session.Session
	actions       *ChatActions
	cache         CacheInspector
	recencyWindow time.Duration
	clock         func() time.Time
	logger        *logrus.Logger
}

// NewAPI creates the JSON API
func NewAPI(sess *session.Session, actions *ChatActions, cache CacheInspector, recencyWindow time.Duration, logger *logrus.Logger) *API {
	return &API{
		session:       sess,
		actions:       actions,
		cache:         cache,
		recencyWindow: recencyWindow,
		clock:         time.Now,
		logger:        logger,
	}
}

// RegisterRoutes adds the API routes to router
func (a *API) RegisterRoutes(router *mux.Router) {
	api := router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/chats", a.handleChats).Methods(http.MethodGet)
	api.HandleFunc("/participants", a.handleParticipants).Methods(http.MethodGet)
	api.HandleFunc("/ranking", a.handleRanking).Methods(http.MethodGet)
	api.HandleFunc("/cache", a.handleCache).Methods(http.MethodGet)
	api.HandleFunc("/refresh", a.handleRefresh).Methods(http.MethodPost)
	api.HandleFunc("/enter", a.handleEnter).Methods(http.MethodPost)
	api.HandleFunc("/exit", a.handleExit).Methods(http.MethodPost)
	api.HandleFunc("/messages", a.handleSend).Methods(http.MethodPost)
}

type chatView struct {
	models.ChatRecord
	HTML    string `json:"html,omitempty"`
	Pending bool   `json:"pending"`
}

type chatsResponse struct {
	Items   []chatView `json:"items"`
	State   string     `json:"state"`
	Offline bool       `json:"offline"`
	Error   string     `json:"error,omitempty"`
}

func (a *API) handleChats(w http.ResponseWriter, r *http.Request) {
	log := a.session.SortedLog()
	if raw := r.URL.Query().Get("limit"); raw != "" {
		limit, err := strconv.Atoi(raw)
		if err != nil || limit < 1 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		log = models.Bound(log, limit)
	}
	asHTML := r.URL.Query().Get("format") == "html"

	items := make([]chatView, len(log))
	for i, record := range log {
		items[i] = chatView{ChatRecord: record, Pending: a.session.IsPending(record.ID)}
		if asHTML {
			items[i].HTML = markdown.ToHTML(record.Message)
		}
	}
	writeJSON(w, http.StatusOK, a.chatsResponse(items))
}

func (a *API) chatsResponse(items []chatView) chatsResponse {
	resp := chatsResponse{
		Items:   items,
		State:   a.session.State().String(),
		Offline: a.session.IsOffline(),
	}
	if err := a.session.LastError(); err != nil {
		resp.Error = err.Error()
	}
	return resp
}

func (a *API) handleParticipants(w http.ResponseWriter, r *http.Request) {
	participants := stats.Participants(a.session.Log(), a.clock(), a.recencyWindow)
	writeJSON(w, http.StatusOK, map[string]interface{}{"participants": participants})
}

func (a *API) handleRanking(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{"ranking": stats.Ranking(a.session.Log())})
}

func (a *API) handleCache(w http.ResponseWriter, r *http.Request) {
	info := a.cache.CacheInfo(r.Context())
	resp := map[string]interface{}{"cached": info.Cached}
	if info.Cached {
		resp["age_ms"] = info.Age.Milliseconds()
		resp["captured"] = humanize.Time(a.clock().Add(-info.Age))
	}
	writeJSON(w, http.StatusOK, resp)
}

func (a *API) handleRefresh(w http.ResponseWriter, r *http.Request) {
	a.session.Refresh(r.Context())
	status := http.StatusOK
	if a.session.LastError() != nil {
		status = http.StatusBadGateway
	}
	writeJSON(w, status, a.chatsResponse(nil))
}

func (a *API) handleEnter(w http.ResponseWriter, r *http.Request) {
	var identity Identity
	if err := json.NewDecoder(r.Body).Decode(&identity); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	identity.IP = r.RemoteAddr
	identity.UserAgent = r.UserAgent()

	if err := a.actions.Enter(r.Context(), identity); err != nil {
		a.writeActionError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, a.actions.Identity())
}

func (a *API) handleExit(w http.ResponseWriter, r *http.Request) {
	if err := a.actions.Exit(r.Context()); err != nil {
		a.writeActionError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

type sendRequest struct {
	Text string `json:"text"`
}

func (a *API) handleSend(w http.ResponseWriter, r *http.Request) {
	var req sendRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	record, err := a.actions.Send(r.Context(), req.Text)
	if err != nil {
		a.writeActionError(w, err)
		return
	}
	if record == nil {
		// slash command, handled locally
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeJSON(w, http.StatusCreated, record)
}

func (a *API) writeActionError(w http.ResponseWriter, err error) {
	switch {
	case IsValidationError(err):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, ErrNotEntered):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrRateLimited):
		writeError(w, http.StatusTooManyRequests, err.Error())
	default:
		a.logger.WithError(err).Warn("Chat action failed")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
