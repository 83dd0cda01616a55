package handlers

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gorilla/mux"
	"go.uber.org/zap"
	"gorm.io/gorm"

	"github.com/capsulejournal/capsuled/internal/capsule"
	"github.com/capsulejournal/capsuled/internal/config"
	"github.com/capsulejournal/capsuled/internal/middleware"
)

// Router wraps the mux router with the service dependencies of the API.
type Router struct {
	*mux.Router
	db       *gorm.DB
	capsules *capsule.Service
	cfg      *config.Config
	log      *zap.SugaredLogger
}

// NewRouter creates the HTTP router with all routes. The optional limiter is
// applied to the whole API when configured.
func NewRouter(db *gorm.DB, capsules *capsule.Service, cfg *config.Config, limiter *middleware.RateLimiter, log *zap.SugaredLogger) *Router {
	r := &Router{
		Router:   mux.NewRouter(),
		db:       db,
		capsules: capsules,
		cfg:      cfg,
		log:      log,
	}

	if limiter != nil {
		r.Use(limiter.Middleware)
	}

	// Health check endpoint
	r.HandleFunc("/health", r.healthCheck).Methods("GET")

	// Auth routes (public)
	auth := r.PathPrefix("/auth").Subrouter()
	auth.HandleFunc("/register", r.register).Methods("POST")
	auth.HandleFunc("/login", r.login).Methods("POST")
	auth.HandleFunc("/apikey", r.createAPIKey).Methods("POST")
	auth.HandleFunc("/apikey", r.regenerateAPIKey).Methods("PUT")

	authn := middleware.NewAuth(db, cfg.JWTSecret)

	// Account routes (protected)
	me := r.PathPrefix("/me").Subrouter()
	me.Use(authn.Middleware)
	me.HandleFunc("", r.getMe).Methods("GET")
	me.HandleFunc("", r.updateMe).Methods("PATCH")
	me.HandleFunc("", r.deleteMe).Methods("DELETE")
	me.HandleFunc("/password", r.changePassword).Methods("PUT")

	// Capsule routes (protected)
	caps := r.PathPrefix("/capsules").Subrouter()
	caps.Use(authn.Middleware)
	caps.HandleFunc("", r.listCapsules).Methods("GET")
	caps.HandleFunc("", r.createCapsule).Methods("POST")
	caps.HandleFunc("/conversations", r.listConversations).Methods("GET")
	caps.HandleFunc("/conversations/{id}", r.getConversation).Methods("GET")
	caps.HandleFunc("/{id}", r.getCapsule).Methods("GET")

	return r
}

// healthCheck returns the health status of the API
func (r *Router) healthCheck(w http.ResponseWriter, req *http.Request) {
	respondJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
	})
}

// respondJSON sends a JSON response
func respondJSON(w http.ResponseWriter, status int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

// respondError sends an error response with a machine-readable code
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, map[string]string{
		"error": message,
		"code":  code,
	})
}

// respondServiceError maps the capsule error taxonomy onto HTTP statuses.
func (r *Router) respondServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, capsule.ErrInvalidArgument):
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", err.Error())
	case errors.Is(err, capsule.ErrNotFound):
		respondError(w, http.StatusNotFound, "NOT_FOUND", err.Error())
	case errors.Is(err, capsule.ErrForbidden):
		respondError(w, http.StatusForbidden, "FORBIDDEN", err.Error())
	case errors.Is(err, capsule.ErrStillSealed):
		respondError(w, http.StatusForbidden, "STILL_SEALED", err.Error())
	case errors.Is(err, capsule.ErrConflict):
		respondError(w, http.StatusConflict, "CONFLICT", err.Error())
	default:
		r.log.Errorw("internal error", "error", err)
		respondError(w, http.StatusInternalServerError, "INTERNAL", "internal server error")
	}
}

// requireUser pulls the authenticated user id out of the request context.
func (r *Router) requireUser(w http.ResponseWriter, req *http.Request) (string, bool) {
	userID, ok := middleware.UserID(req.Context())
	if !ok {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "authentication required")
		return "", false
	}
	return userID, true
}
