package handler

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strings"
	"time"

	"onboard-service/internal/apperr"
	"onboard-service/internal/identity"
	"onboard-service/internal/onboarding"
	"onboard-service/internal/otp"
	"onboard-service/internal/relay"
	"onboard-service/internal/service"
	"onboard-service/internal/token"
	"onboard-service/internal/util"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// FlowService is the flow API as the handler consumes it
type FlowService interface {
	CreateFlow(ctx context.Context, mode onboarding.Mode, channel identity.Channel) (*service.Created, error)
	Authorize(raw, flowID string) error
	View(ctx context.Context, flowID string) (*service.View, error)
	SetChannel(ctx context.Context, flowID string, channel identity.Channel) (*service.View, error)
	Submit(ctx context.Context, flowID, destination string) (*service.View, error)
	Input(ctx context.Context, flowID string, ev otp.InputEvent) (*service.View, error)
	Verify(ctx context.Context, flowID string) (*service.View, error)
	Resend(ctx context.Context, flowID string) (*service.View, error)
	Back(ctx context.Context, flowID string) (*service.View, error)
	Retry(ctx context.Context, flowID string) (*service.View, error)
	Reset(ctx context.Context, flowID string) (*service.View, error)
	Messages(ctx context.Context, flowID string) ([]relay.Envelope, error)
}

// FlowHandler serves the flow API the widget page talks to
type FlowHandler struct {
	flows  FlowService
	logger *zap.Logger
}

func NewFlowHandler(flows FlowService, logger *zap.Logger) *FlowHandler {
	return &FlowHandler{
		flows:  flows,
		logger: logger,
	}
}

// Response represents a standard API response
type Response struct {
	Success bool        `json:"success"`
	Data    interface{} `json:"data,omitempty"`
	Error   string      `json:"error,omitempty"`
	Message string      `json:"message,omitempty"`
}

func successResponse(data interface{}, message string) Response {
	return Response{
		Success: true,
		Data:    data,
		Message: message,
	}
}

// errorResponse carries the view along so the page can render the error state
func errorResponse(err error, message string, data interface{}) Response {
	return Response{
		Success: false,
		Data:    data,
		Error:   err.Error(),
		Message: message,
	}
}

type createFlowRequest struct {
	Mode    string `json:"mode"`
	Channel string `json:"channel"`
}

type channelRequest struct {
	Channel string `json:"channel"`
}

type submitRequest struct {
	Destination string `json:"destination"`
}

// RegisterRoutes registers all flow routes
func (h *FlowHandler) RegisterRoutes(router chi.Router) {
	router.Route("/flows", func(r chi.Router) {
		r.Post("/", h.CreateFlow)

		r.Route("/{flowID}", func(r chi.Router) {
			r.Use(h.requireFlowToken)

			r.Get("/", h.GetFlow)
			r.Get("/messages", h.Messages)
			r.Put("/channel", h.SetChannel)
			r.Post("/otp/submit", h.Submit)
			r.Post("/otp/input", h.Input)
			r.Post("/otp/verify", h.Verify)
			r.Post("/otp/resend", h.Resend)
			r.Post("/otp/back", h.Back)
			r.Post("/retry", h.Retry)
			r.Post("/reset", h.Reset)
		})
	})
}

// requireFlowToken checks the bearer token against the flow in the path
func (h *FlowHandler) requireFlowToken(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		raw, ok := strings.CutPrefix(r.Header.Get("Authorization"), "Bearer ")
		if !ok || raw == "" {
			h.respondWithError(w, http.StatusUnauthorized, token.ErrInvalidToken, "Missing flow token", nil)
			return
		}
		if err := h.flows.Authorize(raw, chi.URLParam(r, "flowID")); err != nil {
			h.respondWithError(w, http.StatusUnauthorized, err, "Invalid flow token", nil)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// CreateFlow handles POST /flows
func (h *FlowHandler) CreateFlow(w http.ResponseWriter, r *http.Request) {
	var req createFlowRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body", nil)
		return
	}

	mode, err := onboarding.ParseMode(req.Mode)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid mode", nil)
		return
	}
	channel, err := identity.ParseChannel(req.Channel)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid channel", nil)
		return
	}

	created, err := h.flows.CreateFlow(r.Context(), mode, channel)
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to create flow", nil)
		return
	}
	h.respondWithJSON(w, http.StatusCreated, successResponse(created, "Flow created"))
}

func (h *FlowHandler) GetFlow(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.View(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Flow retrieved", "Failed to get flow")
}

func (h *FlowHandler) SetChannel(w http.ResponseWriter, r *http.Request) {
	var req channelRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body", nil)
		return
	}
	channel, err := identity.ParseChannel(req.Channel)
	if err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid channel", nil)
		return
	}
	view, err := h.flows.SetChannel(r.Context(), chi.URLParam(r, "flowID"), channel)
	h.respond(w, view, err, "Channel updated", "Failed to change channel")
}

// Submit handles POST /flows/{flowID}/otp/submit
func (h *FlowHandler) Submit(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	var req submitRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body", nil)
		return
	}

	flowID := chi.URLParam(r, "flowID")
	view, err := h.flows.Submit(r.Context(), flowID, strings.TrimSpace(req.Destination))
	h.respond(w, view, err, "Code sent", "Failed to send code")
	h.logger.Debug("Passcode requested",
		util.String("flow_id", flowID),
		util.Bool("ok", err == nil),
		util.Duration("duration", time.Since(start)),
	)
}

// Input handles POST /flows/{flowID}/otp/input
func (h *FlowHandler) Input(w http.ResponseWriter, r *http.Request) {
	var ev otp.InputEvent
	if err := json.NewDecoder(r.Body).Decode(&ev); err != nil {
		h.respondWithError(w, http.StatusBadRequest, err, "Invalid request body", nil)
		return
	}
	view, err := h.flows.Input(r.Context(), chi.URLParam(r, "flowID"), ev)
	h.respond(w, view, err, "Input applied", "Failed to apply input")
}

func (h *FlowHandler) Verify(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.Verify(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Code verified", "Failed to verify code")
}

func (h *FlowHandler) Resend(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.Resend(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Code resent", "Failed to resend code")
}

func (h *FlowHandler) Back(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.Back(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Returned to destination step", "Failed to go back")
}

func (h *FlowHandler) Retry(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.Retry(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Retry started", "Failed to retry")
}

func (h *FlowHandler) Reset(w http.ResponseWriter, r *http.Request) {
	view, err := h.flows.Reset(r.Context(), chi.URLParam(r, "flowID"))
	h.respond(w, view, err, "Flow reset", "Failed to reset flow")
}

// Messages drains the host messages; the page forwards each one with postMessage
func (h *FlowHandler) Messages(w http.ResponseWriter, r *http.Request) {
	envs, err := h.flows.Messages(r.Context(), chi.URLParam(r, "flowID"))
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, "Failed to read messages", nil)
		return
	}
	if envs == nil {
		envs = []relay.Envelope{}
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(envs, ""))
}

func (h *FlowHandler) respond(w http.ResponseWriter, view *service.View, err error, ok, failed string) {
	if err != nil {
		h.respondWithError(w, h.getStatusCode(err), err, failed, view)
		return
	}
	h.respondWithJSON(w, http.StatusOK, successResponse(view, ok))
}

func (h *FlowHandler) respondWithJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("Failed to encode JSON response", util.ErrorField(err))
	}
}

func (h *FlowHandler) respondWithError(w http.ResponseWriter, statusCode int, err error, message string, data interface{}) {
	if statusCode >= http.StatusInternalServerError {
		h.logger.Warn("HTTP error response",
			util.ErrorField(err),
			util.Int("status_code", statusCode),
			util.String("message", message),
		)
	}
	h.respondWithJSON(w, statusCode, errorResponse(err, message, data))
}

// getStatusCode determines the appropriate HTTP status code for an error
func (h *FlowHandler) getStatusCode(err error) int {
	var flowErr *onboarding.FlowError
	switch {
	case apperr.IsValidation(err), errors.Is(err, otp.ErrIncompleteCode):
		return http.StatusBadRequest
	case errors.Is(err, service.ErrFlowNotFound):
		return http.StatusNotFound
	case errors.Is(err, token.ErrInvalidToken), errors.Is(err, service.ErrFlowMismatch):
		return http.StatusUnauthorized
	case errors.Is(err, apperr.ErrRateLimited),
		errors.Is(err, otp.ErrResendTooSoon),
		errors.Is(err, otp.ErrBusy),
		errors.Is(err, onboarding.ErrAlreadyRunning):
		return http.StatusTooManyRequests
	case errors.Is(err, otp.ErrWrongStep),
		errors.Is(err, otp.ErrResendUnavailable),
		errors.Is(err, otp.ErrAlreadyVerified),
		errors.Is(err, otp.ErrClosed),
		errors.Is(err, otp.ErrStale),
		errors.Is(err, onboarding.ErrInvalidTransition),
		errors.Is(err, onboarding.ErrNotRecoverable):
		return http.StatusConflict
	case errors.As(err, &flowErr):
		return http.StatusConflict
	case apperr.IsProvider(err):
		return http.StatusUnprocessableEntity
	case apperr.IsNetwork(err):
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
