// Package registry implements the authoritative serial-number store for the
// license server. All mutations for a serial go through single bbolt update
// transactions, which serializes concurrent binds without extra locking.
package registry

import (
	"time"

	"postguard/internal/license"
)

// Record is the authoritative license record for one serial number.
// Status is never stored; it is recomputed from the record's attributes on
// every read so client and server can never disagree on classification.
type Record struct {
	SerialNumber      string    `json:"serial_number"`
	CreatedDate       time.Time `json:"created_date"`
	ExpiryDate        time.Time `json:"expiry_date"`
	DeviceFingerprint string    `json:"device_fingerprint,omitempty"`
	ActivationCount   int       `json:"activation_count"`
	Blacklisted       bool      `json:"is_blacklisted"`
	Deleted           bool      `json:"is_deleted"`
	Memo              string    `json:"memo,omitempty"`
}

// Bound reports whether a device has activated this serial.
func (r Record) Bound() bool {
	return r.DeviceFingerprint != ""
}

// StatusAt classifies the record as of the given day.
func (r Record) StatusAt(today time.Time) license.Status {
	return license.Classify(r.ExpiryDate, r.Blacklisted, r.Bound(), today)
}

// PatchRequest is an administrative override. Nil fields are left unchanged.
// Status accepts only the overridable values: "available" releases the device
// binding, "blacklisted" sets the blacklist flag. Derived states (in_use,
// expiring_soon, expired) cannot be forced.
type PatchRequest struct {
	Status     *license.Status
	ExpiryDate *time.Time
	Memo       *string
}

// AuditEntry records one administrative or binding event for a serial.
type AuditEntry struct {
	ID           string    `json:"id"`
	SerialNumber string    `json:"serial_number"`
	Action       string    `json:"action"`
	Detail       string    `json:"detail,omitempty"`
	At           time.Time `json:"at"`
}
