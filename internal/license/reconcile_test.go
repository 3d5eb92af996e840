package license

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "postguard/internal/errors"
	"postguard/internal/fingerprint"
	"postguard/internal/shared/testutil"
)

type stubValidator struct {
	decision ServerDecision
	err      error
	calls    int
}

func (s *stubValidator) Validate(ctx context.Context, serial, fp string) (ServerDecision, error) {
	s.calls++
	return s.decision, s.err
}

type stubDevice struct{ fp string }

func (s stubDevice) Fingerprint() *fingerprint.Device {
	return &fingerprint.Device{Fingerprint: s.fp}
}

var engineNow = time.Date(2025, 6, 15, 10, 30, 0, 0, time.UTC)

func newTestEngine(t *testing.T, validator *stubValidator) (*Engine, *Store) {
	t.Helper()
	store := newTestStore(t)
	logger, _ := testutil.NewCaptureLogger(t)
	e := NewEngine(store, validator, stubDevice{fp: "fp-1"}, logger, nil)
	e.now = func() time.Time { return engineNow }
	return e, store
}

func offlineValidator() *stubValidator {
	return &stubValidator{
		decision: ServerDecision{Kind: KindTransportError},
		err:      apperrors.ErrTransport,
	}
}

func TestMissingSerialDenies(t *testing.T) {
	validator := &stubValidator{}
	e, _ := newTestEngine(t, validator)

	d := e.IsAuthorized(context.Background(), "")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeMissingSerial, d.Reason)
	assert.Zero(t, validator.calls, "no serial means no network call")
}

func TestFreshCacheExpiredDeniesWithoutNetwork(t *testing.T) {
	validator := &stubValidator{}
	e, store := newTestEngine(t, validator)
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "XYZ99",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, -1),
	}))

	d := e.IsAuthorized(context.Background(), "XYZ99")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeExpired, d.Reason)
	assert.Equal(t, StatusExpired, d.Status)
	assert.Zero(t, validator.calls)
}

func TestStaleCacheForcesRemoteCheck(t *testing.T) {
	validator := &stubValidator{decision: ServerDecision{
		Kind:       KindSuccess,
		Status:     StatusInUse,
		ExpiryDate: engineNow.AddDate(0, 0, 30),
	}}
	e, store := newTestEngine(t, validator)
	// Cached expiry looks fine, but the validation is 8 days old.
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-8 * 24 * time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.True(t, d.Authorized)
	assert.Equal(t, 1, validator.calls, "stale cache must hit the authority")
}

func TestRemoteSuccessPersistsCache(t *testing.T) {
	expiry := engineNow.AddDate(0, 0, 30)
	validator := &stubValidator{decision: ServerDecision{
		Kind:       KindSuccess,
		Status:     StatusInUse,
		ExpiryDate: expiry,
	}}
	e, store := newTestEngine(t, validator)

	d := e.IsAuthorized(context.Background(), "ABCDE")
	require.True(t, d.Authorized)
	assert.Equal(t, ReasonValidated, d.Reason)
	assert.Empty(t, d.Warning)
	assert.False(t, d.Degraded)

	cache, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, "ABCDE", cache.SerialNumber)
	assert.True(t, cache.LastValidation.Equal(engineNow))
	assert.True(t, cache.ExpiryDate.Equal(expiry))
	assert.Equal(t, 1, cache.ValidationCount)
}

func TestRepeatedValidationIncrementsLocalCount(t *testing.T) {
	validator := &stubValidator{decision: ServerDecision{
		Kind:       KindSuccess,
		Status:     StatusInUse,
		ExpiryDate: engineNow.AddDate(0, 0, 30),
	}}
	e, store := newTestEngine(t, validator)

	e.IsAuthorized(context.Background(), "ABCDE")
	e.IsAuthorized(context.Background(), "ABCDE")

	cache, ok := store.Load()
	require.True(t, ok)
	assert.Equal(t, 2, cache.ValidationCount)
}

func TestRemoteSuccessExpiringSoonCarriesWarning(t *testing.T) {
	validator := &stubValidator{decision: ServerDecision{
		Kind:       KindSuccess,
		Status:     StatusExpiringSoon,
		ExpiryDate: engineNow.AddDate(0, 0, 3),
	}}
	e, _ := newTestEngine(t, validator)

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.True(t, d.Authorized)
	assert.NotEmpty(t, d.Warning)
}

func TestDeviceConflictIsHardDeny(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindDeviceConflict},
		err:      apperrors.ErrDeviceConflict,
	}
	e, store := newTestEngine(t, validator)
	// Even a fresh, valid-looking cache must not soften a binding conflict.
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeDeviceConflict, d.Reason)
}

func TestDeviceConflictClearsCache(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindDeviceConflict},
		err:      apperrors.ErrDeviceConflict,
	}
	e, store := newTestEngine(t, validator)
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	require.False(t, d.Authorized)

	_, ok := store.Load()
	assert.False(t, ok, "a binding conflict must drop the cache")

	// With the cache gone, losing the network fails closed instead of
	// replaying the pre-conflict allow.
	validator.decision = ServerDecision{Kind: KindTransportError}
	validator.err = apperrors.ErrTransport

	d = e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeOfflineStale, d.Reason)
}

func TestExpiredDenialOverwritesCachedExpiry(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindExpired, Status: StatusExpired},
		err:      apperrors.ErrSerialExpired,
	}
	e, store := newTestEngine(t, validator)
	// The cache still claims 30 days of validity.
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "XYZ99",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "XYZ99")
	require.False(t, d.Authorized)
	require.Equal(t, apperrors.CodeExpired, d.Reason)
	require.Equal(t, 1, validator.calls)

	cache, ok := store.Load()
	require.True(t, ok)
	assert.False(t, Classify(cache.ExpiryDate, false, true, engineNow).Authorizes(),
		"cache must now reflect the authority's expiry")

	// Offline afterwards, the rewritten cache denies instead of allowing
	// from the old expiry.
	validator.decision = ServerDecision{Kind: KindTransportError}
	validator.err = apperrors.ErrTransport

	d = e.IsAuthorized(context.Background(), "XYZ99")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeExpired, d.Reason)
	assert.Equal(t, 1, validator.calls, "fresh expired cache denies without the network")
}

func TestBlacklistIsTerminalForProcess(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindBlacklisted, Status: StatusBlacklisted},
		err:      apperrors.ErrSerialBlacklisted,
	}
	e, _ := newTestEngine(t, validator)

	d := e.IsAuthorized(context.Background(), "XYZ99")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeBlacklisted, d.Reason)
	require.Equal(t, 1, validator.calls)

	// Even if the server would now say yes, the process stays denied.
	validator.decision = ServerDecision{
		Kind:       KindSuccess,
		Status:     StatusInUse,
		ExpiryDate: engineNow.AddDate(0, 0, 30),
	}
	validator.err = nil

	d = e.IsAuthorized(context.Background(), "XYZ99")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeBlacklisted, d.Reason)
	assert.Equal(t, 1, validator.calls, "terminal blacklist must not be retried away")
}

func TestBlacklistDominatesOverFreshCache(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindBlacklisted, Status: StatusBlacklisted},
		err:      apperrors.ErrSerialBlacklisted,
	}
	e, store := newTestEngine(t, validator)
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized)
	assert.Equal(t, 1, validator.calls, "blacklist is never decided from cache alone")
}

func TestOfflineWithFreshCacheAllowsDegraded(t *testing.T) {
	e, store := newTestEngine(t, offlineValidator())
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-24 * time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.True(t, d.Authorized)
	assert.True(t, d.Degraded)
	assert.Equal(t, ReasonOfflineCache, d.Reason)
}

func TestOfflineWithStaleCacheFailsClosed(t *testing.T) {
	e, store := newTestEngine(t, offlineValidator())
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "ABCDE",
		LastValidation: engineNow.Add(-8 * 24 * time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeOfflineStale, d.Reason)
}

func TestOfflineWithNoCacheFailsClosed(t *testing.T) {
	e, _ := newTestEngine(t, offlineValidator())

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeOfflineStale, d.Reason)
}

func TestCacheForDifferentSerialIsIgnored(t *testing.T) {
	e, store := newTestEngine(t, offlineValidator())
	require.NoError(t, store.Save(Cache{
		SerialNumber:   "OTHER",
		LastValidation: engineNow.Add(-time.Hour),
		ExpiryDate:     engineNow.AddDate(0, 0, 30),
	}))

	d := e.IsAuthorized(context.Background(), "ABCDE")
	assert.False(t, d.Authorized, "another serial's cache must not authorize this one")
	assert.Equal(t, apperrors.CodeOfflineStale, d.Reason)
}

func TestNotFoundDenies(t *testing.T) {
	validator := &stubValidator{
		decision: ServerDecision{Kind: KindNotFound},
		err:      apperrors.ErrSerialNotFound,
	}
	e, _ := newTestEngine(t, validator)

	d := e.IsAuthorized(context.Background(), "NOPE1")
	assert.False(t, d.Authorized)
	assert.Equal(t, apperrors.CodeNotFound, d.Reason)
}

func TestDecisionString(t *testing.T) {
	assert.Equal(t, "authorized (in_use)",
		Decision{Authorized: true, Status: StatusInUse}.String())
	assert.Equal(t, "authorized (degraded, available)",
		Decision{Authorized: true, Degraded: true, Status: StatusAvailable}.String())
	assert.Equal(t, "denied (expired)",
		Decision{Reason: apperrors.CodeExpired}.String())
}
