package api

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"pulse/internal/auth"
	"pulse/internal/domain"
)

type ctxKey struct{}

// userID returns the subject of the verified bearer token. Routes behind
// requireAuth always have one.
func userID(req *http.Request) string {
	claims, _ := req.Context().Value(ctxKey{}).(auth.Claims)
	return claims.UserID()
}

func (h *handler) requireAuth(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, req *http.Request) {
		raw, ok := bearerToken(req)
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}
		claims, err := h.tokens.Verify(raw)
		if err != nil {
			h.logger.Debug("rejected bearer token", "path", req.URL.Path, "error", err)
			writeError(w, http.StatusUnauthorized, "invalid token")
			return
		}
		next.ServeHTTP(w, req.WithContext(context.WithValue(req.Context(), ctxKey{}, claims)))
	})
}

func bearerToken(req *http.Request) (string, bool) {
	header := strings.TrimSpace(req.Header.Get("Authorization"))
	scheme, token, ok := strings.Cut(header, " ")
	if !ok || !strings.EqualFold(scheme, "Bearer") {
		return "", false
	}
	token = strings.TrimSpace(token)
	return token, token != ""
}

type credentials struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email"`
	Password string `json:"password"`
}

type profilePatch struct {
	Name     string `json:"name,omitempty"`
	Email    string `json:"email,omitempty"`
	Password string `json:"password,omitempty"`
}

func (h *handler) register(w http.ResponseWriter, req *http.Request) {
	var in credentials
	if err := decodeJSONBody(req, h.cfg.MaxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Name) == "" || domain.CanonicalEmail(in.Email) == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "name, email and password are required")
		return
	}
	hash, err := auth.HashPassword(in.Password)
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	user, err := h.store.CreateUser(req.Context(), in.Name, in.Email, hash)
	if err != nil {
		h.fail(w, "register", err)
		return
	}
	h.logger.Info("user registered", "user_id", user.ID)
	writeJSON(w, http.StatusCreated, map[string]any{"success": true, "data": map[string]any{"user": user}})
}

func (h *handler) login(w http.ResponseWriter, req *http.Request) {
	var in credentials
	if err := decodeJSONBody(req, h.cfg.MaxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if domain.CanonicalEmail(in.Email) == "" || in.Password == "" {
		writeError(w, http.StatusBadRequest, "email and password are required")
		return
	}
	user, hash, err := h.store.UserByEmail(req.Context(), in.Email)
	if errors.Is(err, domain.ErrUserNotFound) {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	if err := auth.CheckPassword(hash, in.Password); err != nil {
		writeError(w, http.StatusUnauthorized, "invalid credentials")
		return
	}
	token, err := h.tokens.Issue(user.ID, user.Email)
	if err != nil {
		h.fail(w, "login", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"token": token, "user": user}})
}

func (h *handler) profile(w http.ResponseWriter, req *http.Request) {
	user, err := h.store.UserByID(req.Context(), userID(req))
	if err != nil {
		h.fail(w, "get profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"user": user}})
}

func (h *handler) updateProfile(w http.ResponseWriter, req *http.Request) {
	var in profilePatch
	if err := decodeJSONBody(req, h.cfg.MaxBodyBytes, &in); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if strings.TrimSpace(in.Name) == "" && domain.CanonicalEmail(in.Email) == "" && in.Password == "" {
		writeError(w, http.StatusBadRequest, "patch has no fields")
		return
	}
	var hash string
	if in.Password != "" {
		var err error
		if hash, err = auth.HashPassword(in.Password); err != nil {
			h.fail(w, "update profile", err)
			return
		}
	}
	user, err := h.store.UpdateUser(req.Context(), userID(req), in.Name, in.Email, hash)
	if err != nil {
		h.fail(w, "update profile", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": map[string]any{"user": user}})
}

func (h *handler) deleteProfile(w http.ResponseWriter, req *http.Request) {
	if err := h.store.DeleteUser(req.Context(), userID(req)); err != nil {
		h.fail(w, "delete profile", err)
		return
	}
	h.logger.Info("user deleted", "user_id", userID(req))
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}
