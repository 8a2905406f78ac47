package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/invopop/jsonschema"

	"pulse/internal/auth"
	"pulse/internal/db"
	"pulse/internal/domain"
)

const (
	defaultMaxBodyBytes = 1 << 20
	maxListLimit        = 1000
)

// Store holds accounts and their emotion records. Every emotion call is
// scoped to userID; a record of another user is domain.ErrRecordNotFound.
type Store interface {
	Ping(ctx context.Context) error

	CreateUser(ctx context.Context, name, email, passwordHash string) (domain.User, error)
	UserByEmail(ctx context.Context, email string) (domain.User, string, error)
	UserByID(ctx context.Context, id string) (domain.User, error)
	UpdateUser(ctx context.Context, id, name, email, passwordHash string) (domain.User, error)
	DeleteUser(ctx context.Context, id string) error

	CreateEmotion(ctx context.Context, userID string, rec domain.EmotionRecord) (domain.EmotionRecord, error)
	GetEmotion(ctx context.Context, userID, id string) (domain.EmotionRecord, error)
	ListEmotions(ctx context.Context, userID string, filter domain.Filter) ([]domain.EmotionRecord, error)
	UpdateEmotion(ctx context.Context, userID, id string, patch domain.RecordPatch, validate func(domain.EmotionRecord) error) (domain.EmotionRecord, error)
	DeleteEmotion(ctx context.Context, userID, id string) error
	Stats(ctx context.Context, userID string, filter domain.Filter) (db.EmotionStats, error)
	History(ctx context.Context, userID string, limit int) ([]domain.EmotionRecord, error)
}

type Config struct {
	MaxBodyBytes int64
	Tokens       *auth.Tokens
}

type handler struct {
	store  Store
	cfg    Config
	tokens *auth.Tokens
	logger *slog.Logger
	schema json.RawMessage
}

// NewRouter serves the remote emotions API backed by store.
func NewRouter(store Store, cfg Config, logger *slog.Logger) (http.Handler, error) {
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if cfg.MaxBodyBytes <= 0 {
		cfg.MaxBodyBytes = defaultMaxBodyBytes
	}
	if cfg.Tokens == nil {
		return nil, fmt.Errorf("api: token issuer is required")
	}
	schema, err := recordSchema()
	if err != nil {
		return nil, err
	}
	h := &handler{store: store, cfg: cfg, tokens: cfg.Tokens, logger: logger, schema: schema}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Get("/healthz", h.health)
	r.Route("/api/auth", func(r chi.Router) {
		r.Post("/register", h.register)
		r.Post("/login", h.login)
		r.Group(func(r chi.Router) {
			r.Use(h.requireAuth)
			r.Get("/profile", h.profile)
			r.Put("/profile", h.updateProfile)
			r.Delete("/profile", h.deleteProfile)
		})
	})
	r.Route("/api/emotions", func(r chi.Router) {
		r.Use(h.requireAuth)
		r.Get("/", h.list)
		r.Post("/", h.create)
		r.Get("/stats", h.stats)
		r.Get("/history", h.history)
		r.Get("/schema", h.schemaDoc)
		r.Get("/{id}", h.get)
		r.Put("/{id}", h.update)
		r.Delete("/{id}", h.remove)
	})
	return r, nil
}

func recordSchema() (json.RawMessage, error) {
	reflector := jsonschema.Reflector{
		DoNotReference: true,
	}
	schema := reflector.Reflect(&domain.EmotionRecord{})
	b, err := schema.MarshalJSON()
	if err != nil {
		return nil, fmt.Errorf("build record schema: %w", err)
	}
	return b, nil
}

func (h *handler) health(w http.ResponseWriter, req *http.Request) {
	ctx, cancel := context.WithTimeout(req.Context(), 2*time.Second)
	defer cancel()
	if err := h.store.Ping(ctx); err != nil {
		h.logger.Warn("health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]any{"ok": false, "error": "database unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"ok": true})
}

func (h *handler) list(w http.ResponseWriter, req *http.Request) {
	filter, err := parseFilter(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	records, err := h.store.ListEmotions(req.Context(), userID(req), filter)
	if err != nil {
		h.fail(w, "list emotions", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": records})
}

func (h *handler) create(w http.ResponseWriter, req *http.Request) {
	var rec domain.EmotionRecord
	if err := decodeJSONBody(req, h.cfg.MaxBodyBytes, &rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if err := domain.Validate(rec); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	rec = domain.Canonicalize(rec)
	rec.SyncStatus = ""

	rec.UserID = userID(req)
	stored, err := h.store.CreateEmotion(req.Context(), rec.UserID, rec)
	if err != nil {
		h.fail(w, "create emotion", err)
		return
	}
	h.logger.Info("emotion stored", "record_id", stored.ID, "client_id", rec.ID, "user_id", rec.UserID, "emotion", stored.DominantEmotion)
	writeJSON(w, http.StatusCreated, stored)
}

func (h *handler) get(w http.ResponseWriter, req *http.Request) {
	rec, err := h.store.GetEmotion(req.Context(), userID(req), chi.URLParam(req, "id"))
	if err != nil {
		h.fail(w, "get emotion", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) update(w http.ResponseWriter, req *http.Request) {
	var patch domain.RecordPatch
	if err := decodeJSONBody(req, h.cfg.MaxBodyBytes, &patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if patch.Empty() {
		writeError(w, http.StatusBadRequest, "patch has no fields")
		return
	}
	if err := domain.ValidatePatch(patch); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	patch = domain.CanonicalizePatch(patch)

	rec, err := h.store.UpdateEmotion(req.Context(), userID(req), chi.URLParam(req, "id"), patch, domain.Validate)
	if err != nil {
		h.fail(w, "update emotion", err)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *handler) remove(w http.ResponseWriter, req *http.Request) {
	if err := h.store.DeleteEmotion(req.Context(), userID(req), chi.URLParam(req, "id")); err != nil {
		h.fail(w, "delete emotion", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true})
}

func (h *handler) stats(w http.ResponseWriter, req *http.Request) {
	filter, err := parseFilter(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	stats, err := h.store.Stats(req.Context(), userID(req), filter)
	if err != nil {
		h.fail(w, "emotion stats", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": stats})
}

func (h *handler) history(w http.ResponseWriter, req *http.Request) {
	limit := 50
	if raw := strings.TrimSpace(req.URL.Query().Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxListLimit)
	}
	records, err := h.store.History(req.Context(), userID(req), limit)
	if err != nil {
		h.fail(w, "emotion history", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": records})
}

func (h *handler) schemaDoc(w http.ResponseWriter, _ *http.Request) {
	w.Header().Set("Content-Type", "application/schema+json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(h.schema)
}

func (h *handler) fail(w http.ResponseWriter, op string, err error) {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr):
		writeError(w, http.StatusBadRequest, err.Error())
	case errors.Is(err, domain.ErrRecordNotFound):
		writeError(w, http.StatusNotFound, "emotion record not found")
	case errors.Is(err, domain.ErrUserNotFound):
		writeError(w, http.StatusNotFound, "user not found")
	case errors.Is(err, domain.ErrEmailTaken):
		writeError(w, http.StatusConflict, "email already registered")
	default:
		h.logger.Error(op+" failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

// parseFilter reads startDate, endDate, emotion, source and limit. Dates
// are RFC 3339 or YYYY-MM-DD; a bare endDate covers the whole day.
func parseFilter(req *http.Request) (domain.Filter, error) {
	q := req.URL.Query()
	var f domain.Filter

	if raw := strings.TrimSpace(q.Get("startDate")); raw != "" {
		t, _, err := parseDate(raw)
		if err != nil {
			return domain.Filter{}, fmt.Errorf("invalid startDate: %w", err)
		}
		f.StartDate = t
	}
	if raw := strings.TrimSpace(q.Get("endDate")); raw != "" {
		t, dateOnly, err := parseDate(raw)
		if err != nil {
			return domain.Filter{}, fmt.Errorf("invalid endDate: %w", err)
		}
		if dateOnly {
			t = t.Add(24*time.Hour - time.Nanosecond)
		}
		f.EndDate = t
	}
	if raw := strings.TrimSpace(q.Get("emotion")); raw != "" {
		f.Emotion = raw
		if label, ok := domain.CanonicalLabel(raw); ok {
			f.Emotion = label
		}
	}
	if raw := strings.TrimSpace(q.Get("source")); raw != "" {
		f.Source = raw
		if source, ok := domain.CanonicalSource(raw); ok {
			f.Source = source
		}
	}
	if raw := strings.TrimSpace(q.Get("limit")); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			return domain.Filter{}, fmt.Errorf("limit must be a positive integer")
		}
		f.Limit = min(n, maxListLimit)
	}
	return f, nil
}

func parseDate(raw string) (time.Time, bool, error) {
	if t, err := time.Parse(time.RFC3339Nano, raw); err == nil {
		return t.UTC(), false, nil
	}
	t, err := time.Parse(time.DateOnly, raw)
	if err != nil {
		return time.Time{}, false, err
	}
	return t.UTC(), true, nil
}
