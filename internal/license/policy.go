package license

import (
	"fmt"
	"time"
)

// Status represents the lifecycle state of a serial number. The same
// classification runs on the client (for offline decisions) and on the
// authority server (for authoritative decisions); the two must never diverge.
type Status string

const (
	StatusAvailable    Status = "available"
	StatusInUse        Status = "in_use"
	StatusExpiringSoon Status = "expiring_soon"
	StatusExpired      Status = "expired"
	StatusBlacklisted  Status = "blacklisted"
)

const (
	// ExpiryWarningDays is the horizon before expiry at which a serial is
	// reported as expiring soon.
	ExpiryWarningDays = 7

	// StalenessWindow bounds how long a locally cached validation result may
	// back an authorization decision without a fresh remote check.
	StalenessWindow = 7 * 24 * time.Hour
)

// DateOnly truncates t to calendar-day precision in its own location.
// Expiry comparisons are date comparisons, never instant comparisons.
func DateOnly(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
}

// Classify maps a serial's attributes to its status. Blacklist dominates
// everything, then expiry, then the warning horizon, then binding state.
func Classify(expiry time.Time, blacklisted, bound bool, today time.Time) Status {
	if blacklisted {
		return StatusBlacklisted
	}

	day := DateOnly(today)
	expiryDay := DateOnly(expiry)

	if !day.Before(expiryDay) {
		return StatusExpired
	}
	if !day.AddDate(0, 0, ExpiryWarningDays).Before(expiryDay) {
		return StatusExpiringSoon
	}
	if bound {
		return StatusInUse
	}
	return StatusAvailable
}

// ClassifyWithWarning returns the status plus a human-readable warning for
// states the caller should surface to the user. The warning is empty for
// available and in_use.
func ClassifyWithWarning(expiry time.Time, blacklisted, bound bool, today time.Time) (Status, string) {
	status := Classify(expiry, blacklisted, bound, today)

	switch status {
	case StatusBlacklisted:
		return status, "This serial number has been revoked."
	case StatusExpired:
		return status, fmt.Sprintf("License expired on %s.", DateOnly(expiry).Format("2006-01-02"))
	case StatusExpiringSoon:
		days := int(DateOnly(expiry).Sub(DateOnly(today)).Hours() / 24)
		return status, fmt.Sprintf("License expires in %d day(s), on %s.", days, DateOnly(expiry).Format("2006-01-02"))
	default:
		return status, ""
	}
}

// Authorizes reports whether a status permits use of the gated application.
func (s Status) Authorizes() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusExpiringSoon:
		return true
	default:
		return false
	}
}

// Valid reports whether s is one of the known status values.
func (s Status) Valid() bool {
	switch s {
	case StatusAvailable, StatusInUse, StatusExpiringSoon, StatusExpired, StatusBlacklisted:
		return true
	default:
		return false
	}
}
