package errors

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/render"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestIsTransient(t *testing.T) {
	assert.True(t, IsTransient(ErrTransport))
	assert.True(t, IsTransient(ErrOffline))
	assert.True(t, IsTransient(ErrMalformedResponse))
	assert.True(t, IsTransient(fmt.Errorf("validate: %w", ErrTransport)))

	assert.False(t, IsTransient(ErrSerialExpired))
	assert.False(t, IsTransient(ErrSerialBlacklisted))
	assert.False(t, IsTransient(ErrDeviceConflict))
	assert.False(t, IsTransient(nil))
}

func TestReasonCode(t *testing.T) {
	tests := []struct {
		err  error
		want string
	}{
		{ErrMissingSerial, CodeMissingSerial},
		{ErrSerialNotFound, CodeNotFound},
		{ErrSerialExists, CodeSerialExists},
		{ErrSerialExpired, CodeExpired},
		{ErrSerialBlacklisted, CodeBlacklisted},
		{ErrDeviceConflict, CodeDeviceConflict},
		{ErrRateLimited, CodeRateLimited},
		{ErrTransport, CodeTransport},
		{ErrOffline, CodeTransport},
		{fmt.Errorf("wrapped: %w", ErrDeviceConflict), CodeDeviceConflict},
		{fmt.Errorf("something else"), CodeInternal},
	}

	for _, tt := range tests {
		assert.Equal(t, tt.want, ReasonCode(tt.err), "error %v", tt.err)
	}
}

func TestProblemDetailsMarshalIncludesExtensions(t *testing.T) {
	pd := NewProblemDetails(403, "/errors/serial-expired", "License Expired", "detail", "/api/v1/validate").
		WithExtension("error_code", CodeExpired).
		WithExtension("trace_id", "abc123")

	raw, err := json.Marshal(pd)
	require.NoError(t, err)

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(raw, &decoded))
	assert.Equal(t, "/errors/serial-expired", decoded["type"])
	assert.Equal(t, float64(403), decoded["status"])
	assert.Equal(t, CodeExpired, decoded["error_code"])
	assert.Equal(t, "abc123", decoded["trace_id"])
}

func TestMapLicenseErrorStatusCodes(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantCode   string
	}{
		{"not found", ErrSerialNotFound, http.StatusNotFound, CodeNotFound},
		{"duplicate register", ErrSerialExists, http.StatusConflict, CodeSerialExists},
		{"expired", ErrSerialExpired, http.StatusForbidden, CodeExpired},
		{"blacklisted", ErrSerialBlacklisted, http.StatusForbidden, CodeBlacklisted},
		{"device conflict", ErrDeviceConflict, http.StatusForbidden, CodeDeviceConflict},
		{"rate limited", ErrRateLimited, http.StatusTooManyRequests, CodeRateLimited},
		{"missing serial", ErrMissingSerial, http.StatusBadRequest, CodeMissingSerial},
		{"unknown", fmt.Errorf("boom"), http.StatusInternalServerError, CodeInternal},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			r := httptest.NewRequest(http.MethodPost, "/api/v1/validate", nil)

			require.NoError(t, render.Render(w, r, MapLicenseError(tt.err, "trace-1", "/api/v1/validate")))
			assert.Equal(t, tt.wantStatus, w.Code)

			var body map[string]any
			require.NoError(t, json.Unmarshal(w.Body.Bytes(), &body))
			assert.Equal(t, tt.wantCode, body["error_code"])
			assert.Equal(t, "trace-1", body["trace_id"])
		})
	}
}
