// Package http provides the chi handlers for the license authority API.
package http

import (
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/render"
	"github.com/go-playground/validator/v10"

	apperrors "postguard/internal/errors"
	"postguard/internal/infrastructure"
	"postguard/internal/license"
	"postguard/internal/registry"
)

const dateLayout = "2006-01-02"

// LicenseHandler serves the serial-number registry API.
type LicenseHandler struct {
	registry *registry.Registry
	logger   *slog.Logger
	validate *validator.Validate
	now      func() time.Time
}

// NewLicenseHandler creates a license API handler.
func NewLicenseHandler(reg *registry.Registry, logger *slog.Logger) *LicenseHandler {
	return &LicenseHandler{
		registry: reg,
		logger:   logger.With(slog.String("handler", "license")),
		validate: validator.New(),
		now:      time.Now,
	}
}

// Routes returns the chi router for the license endpoints.
func (h *LicenseHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimiddleware.Timeout(30 * time.Second))

	r.Post("/register", h.Register)
	r.Post("/validate", h.Validate)
	r.Post("/blacklist", h.Blacklist)
	r.Get("/serials", h.List)
	r.Route("/serial/{serial}", func(r chi.Router) {
		r.Get("/", h.Get)
		r.Patch("/", h.Patch)
		r.Delete("/", h.Delete)
	})
	return r
}

type registerRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	ExpiryDate   string `json:"expiry_date" validate:"required,datetime=2006-01-02"`
	Memo         string `json:"memo,omitempty"`
}

type validateRequest struct {
	SerialNumber      string `json:"serial_number" validate:"required"`
	DeviceFingerprint string `json:"device_fingerprint" validate:"required"`
}

type blacklistRequest struct {
	SerialNumber string `json:"serial_number" validate:"required"`
	Action       string `json:"action" validate:"required,oneof=add remove"`
}

type patchRequest struct {
	Status     *string `json:"status,omitempty" validate:"omitempty,oneof=available blacklisted"`
	ExpiryDate *string `json:"expiry_date,omitempty" validate:"omitempty,datetime=2006-01-02"`
	Memo       *string `json:"memo,omitempty"`
}

type messageResponse struct {
	Success bool   `json:"success"`
	Message string `json:"message"`
}

type validateResponse struct {
	Success    bool   `json:"success"`
	Status     string `json:"status"`
	ExpiryDate string `json:"expiry_date"`
	Warning    string `json:"warning,omitempty"`
	Message    string `json:"message,omitempty"`
}

// recordResponse is the API projection of a registry record, with the
// derived status included.
type recordResponse struct {
	SerialNumber      string `json:"serial_number"`
	Status            string `json:"status"`
	CreatedDate       string `json:"created_date"`
	ExpiryDate        string `json:"expiry_date"`
	DeviceFingerprint string `json:"device_fingerprint,omitempty"`
	ActivationCount   int    `json:"activation_count"`
	Blacklisted       bool   `json:"is_blacklisted"`
	Memo              string `json:"memo,omitempty"`
}

func (h *LicenseHandler) recordView(rec registry.Record) recordResponse {
	return recordResponse{
		SerialNumber:      rec.SerialNumber,
		Status:            string(rec.StatusAt(h.now())),
		CreatedDate:       rec.CreatedDate.Format(dateLayout),
		ExpiryDate:        rec.ExpiryDate.Format(dateLayout),
		DeviceFingerprint: rec.DeviceFingerprint,
		ActivationCount:   rec.ActivationCount,
		Blacklisted:       rec.Blacklisted,
		Memo:              rec.Memo,
	}
}

// Register handles POST /register.
func (h *LicenseHandler) Register(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if !h.bind(w, r, &req) {
		return
	}

	expiry, _ := time.Parse(dateLayout, req.ExpiryDate)
	_, err := h.registry.Register(r.Context(), req.SerialNumber, expiry, req.Memo)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	render.Status(r, http.StatusCreated)
	render.JSON(w, r, messageResponse{Success: true, Message: "serial registered"})
}

// Validate handles POST /validate, the validate-and-bind operation clients
// call. Decisive denials come back as RFC 7807 problems with an error_code
// the client maps to its tagged decision kinds.
func (h *LicenseHandler) Validate(w http.ResponseWriter, r *http.Request) {
	var req validateRequest
	if !h.bind(w, r, &req) {
		return
	}

	rec, status, err := h.registry.Validate(r.Context(), req.SerialNumber, req.DeviceFingerprint)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	_, warning := license.ClassifyWithWarning(rec.ExpiryDate, rec.Blacklisted, rec.Bound(), h.now())
	render.JSON(w, r, validateResponse{
		Success:    true,
		Status:     string(status),
		ExpiryDate: rec.ExpiryDate.Format(dateLayout),
		Warning:    warning,
	})
}

// Get handles GET /serial/{serial}.
func (h *LicenseHandler) Get(w http.ResponseWriter, r *http.Request) {
	rec, err := h.registry.Get(r.Context(), chi.URLParam(r, "serial"))
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, h.recordView(rec))
}

// List handles GET /serials, with an optional ?status= filter.
func (h *LicenseHandler) List(w http.ResponseWriter, r *http.Request) {
	filter := license.Status(r.URL.Query().Get("status"))
	if filter != "" && !filter.Valid() {
		h.renderValidation(w, r, []apperrors.ValidationError{{
			Field:   "status",
			Message: "unknown status value",
		}})
		return
	}

	records, err := h.registry.List(r.Context(), filter)
	if err != nil {
		h.renderError(w, r, err)
		return
	}

	out := make([]recordResponse, 0, len(records))
	for _, rec := range records {
		out = append(out, h.recordView(rec))
	}
	render.JSON(w, r, out)
}

// Patch handles PATCH /serial/{serial}.
func (h *LicenseHandler) Patch(w http.ResponseWriter, r *http.Request) {
	var req patchRequest
	if !h.bind(w, r, &req) {
		return
	}

	var p registry.PatchRequest
	if req.Status != nil {
		s := license.Status(*req.Status)
		p.Status = &s
	}
	if req.ExpiryDate != nil {
		expiry, _ := time.Parse(dateLayout, *req.ExpiryDate)
		p.ExpiryDate = &expiry
	}
	p.Memo = req.Memo

	rec, err := h.registry.Patch(r.Context(), chi.URLParam(r, "serial"), p)
	if err != nil {
		if errors.Is(err, registry.ErrStatusNotOverridable) {
			h.renderValidation(w, r, []apperrors.ValidationError{{
				Field:   "status",
				Message: err.Error(),
			}})
			return
		}
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, h.recordView(rec))
}

// Delete handles DELETE /serial/{serial} (soft delete).
func (h *LicenseHandler) Delete(w http.ResponseWriter, r *http.Request) {
	if err := h.registry.Delete(r.Context(), chi.URLParam(r, "serial")); err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, messageResponse{Success: true, Message: "serial deleted"})
}

// Blacklist handles POST /blacklist.
func (h *LicenseHandler) Blacklist(w http.ResponseWriter, r *http.Request) {
	var req blacklistRequest
	if !h.bind(w, r, &req) {
		return
	}

	_, err := h.registry.SetBlacklist(r.Context(), req.SerialNumber, req.Action == "add")
	if err != nil {
		h.renderError(w, r, err)
		return
	}
	render.JSON(w, r, messageResponse{Success: true, Message: "blacklist " + req.Action + " applied"})
}

// bind decodes and validates the request body, rendering a 400 problem on
// failure. Returns false when the caller should stop.
func (h *LicenseHandler) bind(w http.ResponseWriter, r *http.Request, req any) bool {
	if err := render.DecodeJSON(r.Body, req); err != nil {
		render.Render(w, r, apperrors.InvalidRequestProblem(err, r.URL.Path))
		return false
	}
	if err := h.validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		fields := make([]apperrors.ValidationError, 0)
		if errors.As(err, &verrs) {
			for _, fe := range verrs {
				fields = append(fields, apperrors.ValidationError{
					Field:   fe.Field(),
					Message: "failed " + fe.Tag() + " validation",
				})
			}
		}
		h.renderValidation(w, r, fields)
		return false
	}
	return true
}

func (h *LicenseHandler) renderValidation(w http.ResponseWriter, r *http.Request, fields []apperrors.ValidationError) {
	render.Render(w, r, apperrors.NewValidationProblem(fields, r.URL.Path))
}

func (h *LicenseHandler) renderError(w http.ResponseWriter, r *http.Request, err error) {
	traceID := infrastructure.GetTraceID(r.Context())
	h.logger.ErrorContext(r.Context(), "request failed",
		slog.String("path", r.URL.Path),
		slog.String("error", err.Error()),
		slog.String("error_code", apperrors.ReasonCode(err)),
	)
	render.Render(w, r, apperrors.MapLicenseError(err, traceID, r.URL.Path))
}
