package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gorilla/mux"

	"github.com/capsulejournal/capsuled/internal/capsule"
)

// CreateCapsuleRequest is the payload for burying a new capsule.
type CreateCapsuleRequest struct {
	Content      string  `json:"content"`
	HoldDuration string  `json:"holdDuration"` // Go duration string, e.g. "15m", "720h"
	ReplyingToID *string `json:"replyingToId,omitempty"`
}

// createCapsule handles POST /capsules
func (r *Router) createCapsule(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	var body CreateCapsuleRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return
	}

	hold, err := time.ParseDuration(body.HoldDuration)
	if err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "holdDuration must be a duration string like \"15m\"")
		return
	}

	receipt, err := r.capsules.CreateCapsule(req.Context(), userID, body.Content, hold, body.ReplyingToID)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, receipt)
}

// getCapsule handles GET /capsules/{id}
func (r *Router) getCapsule(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	view, err := r.capsules.GetCapsule(req.Context(), userID, mux.Vars(req)["id"])
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// listCapsules handles GET /capsules
func (r *Router) listCapsules(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	views, err := r.capsules.ListCapsules(req.Context(), userID)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"capsules": views})
}

// listConversations handles GET /capsules/conversations
func (r *Router) listConversations(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	views, err := r.capsules.ListConversations(req.Context(), userID)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, map[string]interface{}{"conversations": views})
}

// getConversation handles GET /capsules/conversations/{id}. The default view
// withholds the newest capsule until it is reply-eligible; ?view=full shows
// the whole chain.
func (r *Router) getConversation(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	view := capsule.ViewUnseen
	if req.URL.Query().Get("view") == "full" {
		view = capsule.ViewFull
	}

	thread, err := r.capsules.GetConversationThread(req.Context(), userID, mux.Vars(req)["id"], view)
	if err != nil {
		r.respondServiceError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, thread)
}
