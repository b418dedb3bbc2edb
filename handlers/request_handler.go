package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"

	"donor-service/domain"
	"donor-service/service"

	"github.com/gorilla/mux"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// RequestService is the lifecycle API exposed over HTTP
type RequestService interface {
	CreateRequest(ctx context.Context, in service.CreateRequestInput) (*service.CreateResult, error)
	AcceptRequest(ctx context.Context, requestID, donorID string) (*service.AcceptResult, error)
	GetActiveRequests(ctx context.Context, userID string) ([]*domain.BloodRequest, error)
	GetRequestDetails(ctx context.Context, requestID string) (*service.RequestDetails, error)
	CleanupExpired(ctx context.Context) (int64, error)
}

// RequestHandler handles blood request endpoints
type RequestHandler struct {
	service RequestService
	tracer  trace.Tracer
	logger  *slog.Logger
}

// NewRequestHandler creates a new RequestHandler
func NewRequestHandler(svc RequestService, logger *slog.Logger) *RequestHandler {
	return &RequestHandler{
		service: svc,
		tracer:  otel.Tracer("donor-service"),
		logger:  logger,
	}
}

// Register mounts the endpoints on r
func (h *RequestHandler) Register(r *mux.Router) {
	r.HandleFunc("/health", h.HealthCheck).Methods("GET")
	r.HandleFunc("/requests", h.CreateRequest).Methods("POST")
	r.HandleFunc("/requests/active", h.GetActiveRequests).Methods("GET")
	r.HandleFunc("/requests/cleanup", h.Cleanup).Methods("POST")
	r.HandleFunc("/requests/{requestID}", h.GetRequestDetails).Methods("GET")
	r.HandleFunc("/requests/{requestID}/accept", h.AcceptRequest).Methods("POST")
}

// HealthCheck provides a health endpoint
func (h *RequestHandler) HealthCheck(w http.ResponseWriter, r *http.Request) {
	_, span := h.tracer.Start(r.Context(), "HealthCheck")
	defer span.End()

	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// CreateRequest posts a new blood request and notifies nearby donors
func (h *RequestHandler) CreateRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CreateRequestHandler")
	defer span.End()

	var in service.CreateRequestInput
	if err := json.NewDecoder(r.Body).Decode(&in); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid request body")
		h.logger.Error("Failed to decode request body", "error", err, "app", "donor-service")
		writeJSON(w, http.StatusBadRequest, errorBody(domain.CodeValidation, "Invalid request body: "+err.Error()))
		return
	}
	span.SetAttributes(
		attribute.String("requesterID", in.RequesterID),
		attribute.String("bloodType", in.BloodType),
	)

	result, err := h.service.CreateRequest(ctx, in)
	if err != nil {
		h.fail(w, span, "Failed to create blood request", err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"success": true,
		"message": "Blood request created successfully",
		"data": map[string]any{
			"requestId":           result.Request.ID,
			"expiresAt":           result.Request.ExpiresAt,
			"donorsFound":         result.DonorsFound,
			"notificationsSent":   result.NotificationsSent,
			"notificationsFailed": result.NotificationsFailed,
		},
	})
}

// AcceptRequest lets a donor accept a request
func (h *RequestHandler) AcceptRequest(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "AcceptRequestHandler")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	var body struct {
		DonorID string `json:"donorId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "Invalid request body")
		writeJSON(w, http.StatusBadRequest, errorBody(domain.CodeValidation, "Invalid request body: "+err.Error()))
		return
	}
	span.SetAttributes(
		attribute.String("requestID", requestID),
		attribute.String("donorID", body.DonorID),
	)

	result, err := h.service.AcceptRequest(ctx, requestID, body.DonorID)
	if err != nil {
		h.fail(w, span, "Failed to accept request", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"message": "Request accepted successfully",
		"data": map[string]any{
			"donationId": result.Donation.ID,
			"requestId":  result.RequestID,
			"status":     result.Status,
		},
	})
}

// GetActiveRequests lists open requests the user can donate to
func (h *RequestHandler) GetActiveRequests(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetActiveRequestsHandler")
	defer span.End()

	userID := r.URL.Query().Get("userID")
	if userID == "" {
		span.SetStatus(codes.Error, "User ID is required")
		writeJSON(w, http.StatusBadRequest, errorBody(domain.CodeValidation, "User ID is required"))
		return
	}
	span.SetAttributes(attribute.String("userID", userID))

	requests, err := h.service.GetActiveRequests(ctx, userID)
	if err != nil {
		h.fail(w, span, "Failed to get active requests", err)
		return
	}
	if requests == nil {
		requests = []*domain.BloodRequest{}
	}
	span.SetAttributes(attribute.Int("requestCount", len(requests)))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": requests, "count": len(requests)})
}

// GetRequestDetails returns a single request
func (h *RequestHandler) GetRequestDetails(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "GetRequestDetailsHandler")
	defer span.End()

	requestID := mux.Vars(r)["requestID"]
	span.SetAttributes(attribute.String("requestID", requestID))

	details, err := h.service.GetRequestDetails(ctx, requestID)
	if err != nil {
		h.fail(w, span, "Failed to get request details", err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "data": details})
}

// Cleanup expires stale requests on demand
func (h *RequestHandler) Cleanup(w http.ResponseWriter, r *http.Request) {
	ctx, span := h.tracer.Start(r.Context(), "CleanupHandler")
	defer span.End()

	n, err := h.service.CleanupExpired(ctx)
	if err != nil {
		h.fail(w, span, "Failed to clean up expired requests", err)
		return
	}
	span.SetAttributes(attribute.Int64("expiredCount", n))
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "deletedCount": n})
}

func (h *RequestHandler) fail(w http.ResponseWriter, span trace.Span, msg string, err error) {
	span.RecordError(err)
	span.SetStatus(codes.Error, msg)
	status := statusFor(err)
	if status >= http.StatusInternalServerError {
		h.logger.Error(msg, "error", err, "app", "donor-service")
	} else {
		h.logger.Warn(msg, "error", err, "app", "donor-service")
	}
	writeJSON(w, status, errorBody(domain.ErrorCode(err), err.Error()))
}

// statusFor maps domain errors to HTTP status codes
func statusFor(err error) int {
	var verr *domain.ValidationError
	switch {
	case errors.As(err, &verr),
		errors.Is(err, domain.ErrInvalidBloodType),
		errors.Is(err, domain.ErrLocationResolution),
		errors.Is(err, domain.ErrSelfDonation),
		errors.Is(err, domain.ErrDonorIneligible):
		return http.StatusBadRequest
	case errors.Is(err, domain.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, domain.ErrConcurrencyConflict), errors.Is(err, domain.ErrAlreadyAccepted):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

func errorBody(code, msg string) map[string]any {
	return map[string]any{"success": false, "code": code, "error": msg}
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(body)
}
