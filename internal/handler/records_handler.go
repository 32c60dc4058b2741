package handler

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"onboard-service/internal/models"
	"onboard-service/internal/repository/scylla"
	"onboard-service/internal/repository/search"
	"onboard-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

var errUnauthorized = errors.New("unauthorized")

// RecordIndex is the search side of the support lookup
type RecordIndex interface {
	FindByAddress(ctx context.Context, address string) ([]search.OnboardingDocument, error)
	FindByUser(ctx context.Context, userID string) ([]search.OnboardingDocument, error)
}

// RecordRepository is the primary store side of the support lookup
type RecordRepository interface {
	ListByUser(ctx context.Context, userID string, limit int) ([]*models.OnboardingRecord, error)
	FindUserByEmail(ctx context.Context, email string) (string, error)
	RevealEmail(ctx context.Context, rec *models.OnboardingRecord) (string, error)
}

// recordView is a stored record with its email decrypted for support staff
type recordView struct {
	*models.OnboardingRecord
	Email string `json:"email,omitempty"`
}

// RecordsHandler lets support staff find completed onboardings.
// Either backend may be nil; lookups it would serve answer 503.
type RecordsHandler struct {
	index      RecordIndex
	repo       RecordRepository
	adminToken string
	logger     *zap.Logger
}

func NewRecordsHandler(index RecordIndex, repo RecordRepository, adminToken string, logger *zap.Logger) *RecordsHandler {
	return &RecordsHandler{
		index:      index,
		repo:       repo,
		adminToken: adminToken,
		logger:     logger,
	}
}

// RegisterRoutes mounts the lookup under /admin. Nothing is mounted without a token.
func (h *RecordsHandler) RegisterRoutes(router chi.Router) {
	if h.adminToken == "" {
		return
	}
	router.Route("/admin", func(r chi.Router) {
		r.Use(h.requireAdmin)
		r.Get("/records", h.Lookup)
	})
}

func (h *RecordsHandler) requireAdmin(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || subtle.ConstantTimeCompare([]byte(raw), []byte(h.adminToken)) != 1 {
			h.respondWithError(w, http.StatusUnauthorized, errUnauthorized, "Invalid admin token")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// Lookup answers exactly one of ?address=, ?user_id= or ?email=
func (h *RecordsHandler) Lookup(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	address := strings.TrimSpace(q.Get("address"))
	userID := strings.TrimSpace(q.Get("user_id"))
	email := strings.TrimSpace(q.Get("email"))

	switch {
	case address != "":
		if h.index == nil {
			h.unavailable(w, "search index")
			return
		}
		docs, err := h.index.FindByAddress(r.Context(), address)
		h.respondRecords(w, docs, err)
	case userID != "":
		h.byUser(w, r, userID)
	case email != "":
		if h.repo == nil {
			h.unavailable(w, "record store")
			return
		}
		found, err := h.repo.FindUserByEmail(r.Context(), email)
		if errors.Is(err, scylla.ErrRecordNotFound) {
			h.respondWithError(w, http.StatusNotFound, err, "No onboarding for this email")
			return
		}
		if err != nil {
			h.respondRecords(w, nil, err)
			return
		}
		h.byUser(w, r, found)
	default:
		h.respondWithError(w, http.StatusBadRequest, errors.New("missing query"), "One of address, user_id or email is required")
	}
}

func (h *RecordsHandler) byUser(w http.ResponseWriter, r *http.Request, userID string) {
	if h.repo != nil {
		recs, err := h.repo.ListByUser(r.Context(), userID, 20)
		if err != nil {
			h.respondRecords(w, nil, err)
			return
		}
		h.respondRecords(w, h.reveal(r.Context(), recs), nil)
		return
	}
	if h.index != nil {
		docs, err := h.index.FindByUser(r.Context(), userID)
		h.respondRecords(w, docs, err)
		return
	}
	h.unavailable(w, "record store")
}

// reveal decrypts each record's email. A record whose email cannot be
// opened is still returned, without it.
func (h *RecordsHandler) reveal(ctx context.Context, recs []*models.OnboardingRecord) []recordView {
	out := make([]recordView, 0, len(recs))
	for _, rec := range recs {
		email, err := h.repo.RevealEmail(ctx, rec)
		if err != nil {
			h.logger.Warn("Failed to reveal record email", util.String("flow_id", rec.FlowID), util.ErrorField(err))
		}
		out = append(out, recordView{OnboardingRecord: rec, Email: email})
	}
	return out
}

func (h *RecordsHandler) respondRecords(w http.ResponseWriter, records interface{}, err error) {
	if err != nil {
		h.respondWithError(w, http.StatusBadGateway, err, "Lookup failed")
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(records, ""))
}

func (h *RecordsHandler) unavailable(w http.ResponseWriter, backend string) {
	h.respondWithError(w, http.StatusServiceUnavailable, errors.New(backend+" disabled"), "Lookup unavailable")
}

func (h *RecordsHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *RecordsHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Warn("Records lookup failed", util.ErrorField(err), util.Int("status_code", statusCode))
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message, nil))
}
