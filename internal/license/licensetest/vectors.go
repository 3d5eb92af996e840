// Package licensetest provides the shared classification vectors used by
// both the client policy tests and the server registry tests, so the two
// implementations cannot drift apart.
package licensetest

import (
	"time"

	"postguard/internal/license"
)

// PolicyVector is a single expected classification outcome.
type PolicyVector struct {
	Name        string
	ExpiryDays  int // expiry relative to Today, in days
	Blacklisted bool
	Bound       bool
	Want        license.Status
}

// Today is the fixed reference date used by the shared vectors.
var Today = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

// PolicyVectors enumerates the classification matrix from every boundary the
// policy cares about: far future, warning horizon edges, expiry day, past
// expiry, and blacklist dominance over all of them.
var PolicyVectors = []PolicyVector{
	{Name: "far future unbound", ExpiryDays: 30, Want: license.StatusAvailable},
	{Name: "far future bound", ExpiryDays: 30, Bound: true, Want: license.StatusInUse},
	{Name: "eight days out unbound", ExpiryDays: 8, Want: license.StatusAvailable},
	{Name: "eight days out bound", ExpiryDays: 8, Bound: true, Want: license.StatusInUse},
	{Name: "exactly seven days out", ExpiryDays: 7, Want: license.StatusExpiringSoon},
	{Name: "exactly seven days out bound", ExpiryDays: 7, Bound: true, Want: license.StatusExpiringSoon},
	{Name: "one day out", ExpiryDays: 1, Want: license.StatusExpiringSoon},
	{Name: "expires today", ExpiryDays: 0, Want: license.StatusExpired},
	{Name: "expires today bound", ExpiryDays: 0, Bound: true, Want: license.StatusExpired},
	{Name: "expired yesterday", ExpiryDays: -1, Want: license.StatusExpired},
	{Name: "long expired", ExpiryDays: -365, Want: license.StatusExpired},
	{Name: "blacklisted valid serial", ExpiryDays: 30, Blacklisted: true, Want: license.StatusBlacklisted},
	{Name: "blacklisted bound serial", ExpiryDays: 30, Blacklisted: true, Bound: true, Want: license.StatusBlacklisted},
	{Name: "blacklisted expiring serial", ExpiryDays: 3, Blacklisted: true, Want: license.StatusBlacklisted},
	{Name: "blacklisted expired serial", ExpiryDays: -3, Blacklisted: true, Want: license.StatusBlacklisted},
}

// Expiry returns the absolute expiry date for a vector.
func (v PolicyVector) Expiry() time.Time {
	return Today.AddDate(0, 0, v.ExpiryDays)
}
