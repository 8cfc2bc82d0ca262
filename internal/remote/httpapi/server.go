// Package httpapi exposes a remote.Store over HTTP and provides the matching
// client.
//
// Routes:
//
//	POST /api/users/{userId}/ops                 apply a batch of ops
//	GET  /api/users/{userId}/records/{recordId}  fetch one live record
//	GET  /api/users/{userId}/changes             page through changes (?since=&limit=)
//	GET  /api/health                             liveness
package httpapi

import (
	"encoding/json"
	"errors"
	"net/http"
	"runtime/debug"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog"

	"github.com/moodjar/emosync/internal/logging"
	"github.com/moodjar/emosync/internal/remote"
)

// MaxOps bounds the number of ops accepted in one request.
const MaxOps = 500

// MaxBodyBytes bounds a request body.
const MaxBodyBytes = 4 << 20

type applyRequest struct {
	Ops []remote.Op `json:"ops"`
}

type applyResponse struct {
	Results []remote.Result `json:"results"`
}

type changesResponse struct {
	Entries []remote.Entry `json:"entries"`
	Next    string         `json:"next"`
}

type errorResponse struct {
	Error string `json:"error"`
	Code  int    `json:"code"`
}

// Server serves a remote.Store.
type Server struct {
	store remote.Store
	log   zerolog.Logger
}

// NewServer wraps store.
func NewServer(store remote.Store, log zerolog.Logger) *Server {
	return &Server{store: store, log: logging.Component(log, "httpapi")}
}

// Router returns the HTTP routes.
func (s *Server) Router() *mux.Router {
	router := mux.NewRouter()
	router.Use(s.recoverMiddleware, s.logMiddleware)

	router.HandleFunc("/api/health", s.health).Methods("GET")
	router.HandleFunc("/api/users/{userId}/ops", s.apply).Methods("POST")
	router.HandleFunc("/api/users/{userId}/records/{recordId}", s.get).Methods("GET")
	router.HandleFunc("/api/users/{userId}/changes", s.changes).Methods("GET")
	return router
}

func (s *Server) health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) apply(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["userId"]

	var req applyRequest
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, MaxBodyBytes)).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body: "+err.Error())
		return
	}
	if len(req.Ops) > MaxOps {
		writeError(w, http.StatusRequestEntityTooLarge, "too many ops in one request")
		return
	}

	results, err := s.store.Apply(r.Context(), user, req.Ops)
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, applyResponse{Results: results})
}

func (s *Server) get(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	entry, err := s.store.Get(r.Context(), vars["userId"], vars["recordId"])
	if err != nil {
		s.storeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, entry)
}

func (s *Server) changes(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["userId"]
	q := r.URL.Query()

	limit := 0
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "invalid limit")
			return
		}
		limit = n
	}

	entries, next, err := s.store.Changes(r.Context(), user, q.Get("since"), limit)
	if err != nil {
		s.storeError(w, err)
		return
	}
	if entries == nil {
		entries = []remote.Entry{}
	}
	writeJSON(w, http.StatusOK, changesResponse{Entries: entries, Next: next})
}

func (s *Server) storeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, remote.ErrNotFound):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.log.Error().Stack().Err(err).Msg("Store call failed")
		writeError(w, http.StatusServiceUnavailable, err.Error())
	}
}

func (s *Server) recoverMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if rec := recover(); rec != nil {
				s.log.Error().
					Interface("panic", rec).
					Str("method", r.Method).
					Str("url", r.URL.String()).
					Bytes("stack", debug.Stack()).
					Msg("panic recovered")
				writeError(w, http.StatusInternalServerError, "Internal Server Error")
			}
		}()
		next.ServeHTTP(w, r)
	})
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (s *Server) logMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("duration", time.Since(start)).
			Msg("request")
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg, Code: status})
}
