package errors

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/render"
)

// Machine-readable reason codes surfaced to API clients and to the GUI.
// These are stable strings; localized messages are layered on top of them.
const (
	CodeMissingSerial  = "missing_serial"
	CodeNotFound       = "not_found"
	CodeSerialExists   = "serial_exists"
	CodeExpired        = "expired"
	CodeBlacklisted    = "blacklisted"
	CodeDeviceConflict = "device_conflict"
	CodeRateLimited    = "rate_limited"
	CodeOfflineStale   = "offline_stale"
	CodeTransport      = "transport_error"
	CodeInternal       = "internal_error"
)

// ReasonCode maps a domain error to its machine-readable reason code.
func ReasonCode(err error) string {
	switch {
	case errors.Is(err, ErrMissingSerial):
		return CodeMissingSerial
	case errors.Is(err, ErrSerialNotFound):
		return CodeNotFound
	case errors.Is(err, ErrSerialExists):
		return CodeSerialExists
	case errors.Is(err, ErrSerialExpired):
		return CodeExpired
	case errors.Is(err, ErrSerialBlacklisted):
		return CodeBlacklisted
	case errors.Is(err, ErrDeviceConflict):
		return CodeDeviceConflict
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	case IsTransient(err):
		return CodeTransport
	default:
		return CodeInternal
	}
}

// MapLicenseError maps a domain error to an RFC 7807 problem for the HTTP
// API. Decisive denials map to 403, lookup failures to 404, conflicts to 409;
// everything unrecognized becomes a 500 with no internal detail leaked.
func MapLicenseError(err error, traceID, instance string) render.Renderer {
	ext := func(pd *ProblemDetails) *ProblemDetails {
		return pd.WithExtension("trace_id", traceID).
			WithExtension("error_code", ReasonCode(err))
	}

	switch {
	case errors.Is(err, ErrSerialNotFound):
		return ext(NewProblemDetails(
			http.StatusNotFound,
			"/errors/serial-not-found",
			"Serial Not Found",
			"No license record exists for this serial number.",
			instance,
		))

	case errors.Is(err, ErrSerialExists):
		return ext(NewProblemDetails(
			http.StatusConflict,
			"/errors/serial-exists",
			"Serial Already Registered",
			"A license record already exists for this serial number.",
			instance,
		))

	case errors.Is(err, ErrSerialExpired):
		return ext(NewProblemDetails(
			http.StatusForbidden,
			"/errors/serial-expired",
			"License Expired",
			"This serial number has expired. Renew the license to continue.",
			instance,
		))

	case errors.Is(err, ErrSerialBlacklisted):
		return ext(NewProblemDetails(
			http.StatusForbidden,
			"/errors/serial-blacklisted",
			"License Revoked",
			"This serial number has been revoked and can no longer be used.",
			instance,
		))

	case errors.Is(err, ErrDeviceConflict):
		return ext(NewProblemDetails(
			http.StatusForbidden,
			"/errors/device-conflict",
			"Bound to Another Device",
			"This serial number is already activated on a different device.",
			instance,
		))

	case errors.Is(err, ErrRateLimited):
		return ext(NewProblemDetails(
			http.StatusTooManyRequests,
			"/errors/rate-limited",
			"Too Many Attempts",
			"Too many attempts for this serial number. Try again later.",
			instance,
		).WithExtension("retry_after", 60))

	case errors.Is(err, ErrMissingSerial):
		return ext(NewProblemDetails(
			http.StatusBadRequest,
			"/errors/missing-serial",
			"Missing Serial Number",
			"A serial number is required.",
			instance,
		))

	default:
		return ext(NewProblemDetails(
			http.StatusInternalServerError,
			"/errors/internal-error",
			"Internal Server Error",
			"An unexpected error occurred while processing the request.",
			instance,
		))
	}
}

// DeviceConflictProblem builds the 403 problem for a bound-elsewhere serial,
// with enough context for a support conversation but without revealing the
// bound device's fingerprint.
func DeviceConflictProblem(serial, traceID, instance string) *ProblemDetails {
	return NewProblemDetails(
		http.StatusForbidden,
		"/errors/device-conflict",
		"Bound to Another Device",
		fmt.Sprintf("Serial %s is already activated on a different device. Contact support to transfer it.", serial),
		instance,
	).WithExtension("trace_id", traceID).
		WithExtension("error_code", CodeDeviceConflict)
}
