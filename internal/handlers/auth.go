package handlers

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/capsulejournal/capsuled/internal/models"
	"github.com/capsulejournal/capsuled/internal/utils"
)

// Profile edits are throttled so a compromised session cannot silently
// rotate the account out from under its owner.
const profileUpdateCooldown = 3 * 24 * time.Hour

// RegisterRequest represents a registration request
type RegisterRequest struct {
	Username string  `json:"username"`
	Email    *string `json:"email,omitempty"`
	Password string  `json:"password"`
}

// LoginRequest represents a login request
type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// register handles user registration
func (r *Router) register(w http.ResponseWriter, req *http.Request) {
	var body RegisterRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return
	}
	if body.Username == "" || len(body.Username) > 32 {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "username must be 1-32 characters")
		return
	}
	if len(body.Password) < 8 {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "password must be at least 8 characters")
		return
	}

	hashed, err := utils.HashPassword(body.Password)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to hash password")
		return
	}

	user := models.User{
		ID:          uuid.NewString(),
		Username:    body.Username,
		Email:       body.Email,
		Password:    hashed,
		LastUpdated: time.Now().UTC(),
	}
	if err := r.db.Create(&user).Error; err != nil {
		respondError(w, http.StatusConflict, "CONFLICT", "Username or email already exists")
		return
	}

	accessToken, refreshToken, err := utils.GenerateTokens(&user, r.cfg.JWTSecret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "User created but failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusCreated, map[string]interface{}{
		"user": user,
		"tokens": map[string]string{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// login handles user login
func (r *Router) login(w http.ResponseWriter, req *http.Request) {
	var body LoginRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return
	}

	var user models.User
	if err := r.db.Where("username = ?", body.Username).First(&user).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid credentials")
		return
	}
	if !utils.CheckPasswordHash(body.Password, user.Password) {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid credentials")
		return
	}

	accessToken, refreshToken, err := utils.GenerateTokens(&user, r.cfg.JWTSecret)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to generate tokens")
		return
	}

	respondJSON(w, http.StatusOK, map[string]interface{}{
		"user": user,
		"tokens": map[string]string{
			"accessToken":  accessToken,
			"refreshToken": refreshToken,
		},
	})
}

// getMe handles GET /me
func (r *Router) getMe(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}
	var user models.User
	if err := r.db.First(&user, "id = ?", userID).Error; err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "account no longer exists")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// UpdateMeRequest carries optional profile changes.
type UpdateMeRequest struct {
	Username *string `json:"username,omitempty"`
	Email    *string `json:"email,omitempty"`
}

// updateMe handles PATCH /me with a cooldown between profile edits.
func (r *Router) updateMe(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	var body UpdateMeRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return
	}

	var user models.User
	if err := r.db.First(&user, "id = ?", userID).Error; err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "account no longer exists")
		return
	}

	now := time.Now().UTC()
	if nextAllowed := user.LastUpdated.Add(profileUpdateCooldown); now.Before(nextAllowed) {
		respondError(w, http.StatusConflict, "CONFLICT",
			fmt.Sprintf("profile was updated recently, try again after %s", nextAllowed.Format(time.RFC3339)))
		return
	}

	if body.Username != nil {
		if *body.Username == "" || len(*body.Username) > 32 {
			respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "username must be 1-32 characters")
			return
		}
		user.Username = *body.Username
	}
	if body.Email != nil {
		user.Email = body.Email
	}
	user.LastUpdated = now

	if err := r.db.Save(&user).Error; err != nil {
		respondError(w, http.StatusConflict, "CONFLICT", "Username or email already exists")
		return
	}
	respondJSON(w, http.StatusOK, user)
}

// ChangePasswordRequest carries a password rotation.
type ChangePasswordRequest struct {
	OldPassword string `json:"oldPassword"`
	NewPassword string `json:"newPassword"`
}

// changePassword handles PUT /me/password
func (r *Router) changePassword(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	var body ChangePasswordRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return
	}
	if len(body.NewPassword) < 8 {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "password must be at least 8 characters")
		return
	}

	var user models.User
	if err := r.db.First(&user, "id = ?", userID).Error; err != nil {
		respondError(w, http.StatusNotFound, "NOT_FOUND", "account no longer exists")
		return
	}
	if !utils.CheckPasswordHash(body.OldPassword, user.Password) {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Password given is incorrect")
		return
	}

	hashed, err := utils.HashPassword(body.NewPassword)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to hash password")
		return
	}
	user.Password = hashed
	if err := r.db.Save(&user).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to update password")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"details": "Password updated successfully"})
}

// deleteMe handles DELETE /me. Capsules, conversations and the api key are
// removed with the account.
func (r *Router) deleteMe(w http.ResponseWriter, req *http.Request) {
	userID, ok := r.requireUser(w, req)
	if !ok {
		return
	}

	err := r.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("user_id = ?", userID).Delete(&models.Capsule{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.Conversation{}).Error; err != nil {
			return err
		}
		if err := tx.Where("user_id = ?", userID).Delete(&models.APIKey{}).Error; err != nil {
			return err
		}
		return tx.Delete(&models.User{}, "id = ?", userID).Error
	})
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to delete account")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"details": "Account successfully deleted"})
}

// APIKeyRequest authenticates with username/password to manage the api key.
type APIKeyRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

// createAPIKey handles POST /auth/apikey. The raw key is returned exactly
// once.
func (r *Router) createAPIKey(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authenticatePassword(w, req)
	if !ok {
		return
	}

	var existing models.APIKey
	if err := r.db.First(&existing, "user_id = ?", user.ID).Error; err == nil {
		respondError(w, http.StatusConflict, "CONFLICT",
			"Your api key already exists. Regenerate it if you have lost it.")
		return
	}

	key, raw, err := r.issueKey(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to create api key")
		return
	}
	if err := r.db.Create(key).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to create api key")
		return
	}
	respondJSON(w, http.StatusCreated, map[string]string{"apiKey": raw})
}

// regenerateAPIKey handles PUT /auth/apikey, replacing a lost key.
func (r *Router) regenerateAPIKey(w http.ResponseWriter, req *http.Request) {
	user, ok := r.authenticatePassword(w, req)
	if !ok {
		return
	}

	var existing models.APIKey
	if err := r.db.First(&existing, "user_id = ?", user.ID).Error; err != nil {
		respondError(w, http.StatusConflict, "CONFLICT",
			"Your api key does not exist yet. Create one first.")
		return
	}

	key, raw, err := r.issueKey(user.ID)
	if err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to regenerate api key")
		return
	}
	existing.Prefix = key.Prefix
	existing.HashedKey = key.HashedKey
	existing.Salt = key.Salt
	if err := r.db.Save(&existing).Error; err != nil {
		respondError(w, http.StatusInternalServerError, "INTERNAL", "Failed to regenerate api key")
		return
	}
	respondJSON(w, http.StatusOK, map[string]string{"apiKey": raw})
}

func (r *Router) authenticatePassword(w http.ResponseWriter, req *http.Request) (*models.User, bool) {
	var body APIKeyRequest
	if err := json.NewDecoder(req.Body).Decode(&body); err != nil {
		respondError(w, http.StatusBadRequest, "INVALID_ARGUMENT", "Invalid request payload")
		return nil, false
	}

	var user models.User
	if err := r.db.Where("username = ?", body.Username).First(&user).Error; err != nil {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid credentials")
		return nil, false
	}
	if !utils.CheckPasswordHash(body.Password, user.Password) {
		respondError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "Invalid credentials")
		return nil, false
	}
	return &user, true
}

// issueKey mints a fresh prefix+raw key pair and its stored form.
func (r *Router) issueKey(userID string) (*models.APIKey, string, error) {
	prefix, err := utils.RandomString(12)
	if err != nil {
		return nil, "", err
	}
	raw, err := utils.RandomString(48)
	if err != nil {
		return nil, "", err
	}
	hashed, salt, err := utils.HashAPIKey(raw)
	if err != nil {
		return nil, "", err
	}
	return &models.APIKey{
		ID:        uuid.NewString(),
		UserID:    userID,
		Prefix:    prefix,
		HashedKey: hashed,
		Salt:      salt,
	}, prefix + "-" + raw, nil
}
