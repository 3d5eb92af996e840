package http

import (
	"bytes"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"postguard/internal/infrastructure"
	"postguard/internal/registry"
	"postguard/internal/shared/testutil"
)

// Handler tests run against the real clock; classification is date-only, so
// day-relative expiries are stable within a test run.
var handlerNow = time.Now()

type testAPI struct {
	router   chi.Router
	registry *registry.Registry
}

func newTestAPI(t *testing.T) *testAPI {
	t.Helper()
	logger, _ := testutil.NewCaptureLogger(t)

	reg, err := registry.Open(filepath.Join(t.TempDir(), "registry.db"), registry.Options{Logger: logger})
	require.NoError(t, err)
	t.Cleanup(func() { reg.Close() })

	h := NewLicenseHandler(reg, logger)

	r := chi.NewRouter()
	r.Mount("/api/v1", h.Routes())
	r.Get("/health", NewHealthHandler(reg, logger).Health)
	return &testAPI{router: r, registry: reg}
}

func (a *testAPI) do(t *testing.T, method, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	a.router.ServeHTTP(rec, req)
	return rec
}

func (a *testAPI) register(t *testing.T, serial string, expiryDays int) {
	t.Helper()
	rec := a.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"serial_number": serial,
		"expiry_date":   handlerNow.AddDate(0, 0, expiryDays).Format(dateLayout),
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var out map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &out))
	return out
}

func TestRegisterValidateAndConflictFlow(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 10)

	// First device binds and gets in_use.
	rec := api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "ABCDE",
		"device_fingerprint": "F1",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, true, body["success"])
	assert.Equal(t, "in_use", body["status"])
	assert.Equal(t, handlerNow.AddDate(0, 0, 10).Format(dateLayout), body["expiry_date"])

	// Second device is rejected with a device conflict problem.
	rec = api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "ABCDE",
		"device_fingerprint": "F2",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, "device_conflict", body["error_code"])

	// The record shows exactly one activation.
	rec = api.do(t, http.MethodGet, "/api/v1/serial/ABCDE", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body = decodeBody(t, rec)
	assert.Equal(t, float64(1), body["activation_count"])
	assert.Equal(t, "F1", body["device_fingerprint"])
}

func TestRegisterDuplicateReturns409(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 10)

	rec := api.do(t, http.MethodPost, "/api/v1/register", map[string]any{
		"serial_number": "ABCDE",
		"expiry_date":   handlerNow.AddDate(0, 0, 30).Format(dateLayout),
	})
	assert.Equal(t, http.StatusConflict, rec.Code)
	assert.Equal(t, "serial_exists", decodeBody(t, rec)["error_code"])
}

func TestValidateExpiredSerialReturns403(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "XYZ99", -1)

	rec := api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "XYZ99",
		"device_fingerprint": "F1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "expired", decodeBody(t, rec)["error_code"])
}

func TestValidateUnknownSerialReturns404(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "NOPE1",
		"device_fingerprint": "F1",
	})
	assert.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "not_found", decodeBody(t, rec)["error_code"])
}

func TestBlacklistAddAndRemove(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 30)

	rec := api.do(t, http.MethodPost, "/api/v1/blacklist", map[string]any{
		"serial_number": "ABCDE",
		"action":        "add",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "ABCDE",
		"device_fingerprint": "F1",
	})
	assert.Equal(t, http.StatusForbidden, rec.Code)
	assert.Equal(t, "blacklisted", decodeBody(t, rec)["error_code"])

	rec = api.do(t, http.MethodPost, "/api/v1/blacklist", map[string]any{
		"serial_number": "ABCDE",
		"action":        "remove",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "ABCDE",
		"device_fingerprint": "F1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestBlacklistRejectsUnknownAction(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 30)

	rec := api.do(t, http.MethodPost, "/api/v1/blacklist", map[string]any{
		"serial_number": "ABCDE",
		"action":        "obliterate",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestValidateRejectsMissingFields(t *testing.T) {
	api := newTestAPI(t)

	rec := api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number": "ABCDE",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "VALIDATION_FAILED", body["error_code"])
}

func TestListWithStatusFilter(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "AVAIL", 30)
	api.register(t, "SOON1", 3)
	api.register(t, "GONE1", -5)

	rec := api.do(t, http.MethodGet, "/api/v1/serials", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var all []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &all))
	assert.Len(t, all, 3)

	rec = api.do(t, http.MethodGet, "/api/v1/serials?status=expiring_soon", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	var filtered []map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &filtered))
	require.Len(t, filtered, 1)
	assert.Equal(t, "SOON1", filtered[0]["serial_number"])

	rec = api.do(t, http.MethodGet, "/api/v1/serials?status=bogus", nil)
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestPatchExpiryRevivesExpiredSerial(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "XYZ99", -1)

	rec := api.do(t, http.MethodPatch, "/api/v1/serial/XYZ99", map[string]any{
		"expiry_date": handlerNow.AddDate(0, 1, 0).Format(dateLayout),
		"memo":        "renewed",
	})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	body := decodeBody(t, rec)
	assert.Equal(t, "available", body["status"])
	assert.Equal(t, "renewed", body["memo"])

	rec = api.do(t, http.MethodPost, "/api/v1/validate", map[string]any{
		"serial_number":      "XYZ99",
		"device_fingerprint": "F1",
	})
	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPatchRejectsDerivedStatus(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 30)

	rec := api.do(t, http.MethodPatch, "/api/v1/serial/ABCDE", map[string]any{
		"status": "expired",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestDeleteHidesSerial(t *testing.T) {
	api := newTestAPI(t)
	api.register(t, "ABCDE", 30)

	rec := api.do(t, http.MethodDelete, "/api/v1/serial/ABCDE", nil)
	require.Equal(t, http.StatusOK, rec.Code)

	rec = api.do(t, http.MethodGet, "/api/v1/serial/ABCDE", nil)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestProblemResponsesCarryTraceID(t *testing.T) {
	api := newTestAPI(t)

	req := httptest.NewRequest(http.MethodGet, "/api/v1/serial/NOPE1", nil)
	req = req.WithContext(infrastructure.WithTraceID(req.Context(), "trace-xyz"))
	rec := httptest.NewRecorder()
	api.router.ServeHTTP(rec, req)

	require.Equal(t, http.StatusNotFound, rec.Code)
	assert.Equal(t, "trace-xyz", decodeBody(t, rec)["trace_id"])
}

func TestHealthReportsSerialCount(t *testing.T) {
	api := newTestAPI(t)
	for i := 0; i < 3; i++ {
		api.register(t, fmt.Sprintf("SER%02d", i), 30)
	}

	rec := api.do(t, http.MethodGet, "/health", nil)
	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.Equal(t, "ok", body["status"])
	assert.Equal(t, float64(3), body["serials"])
}
