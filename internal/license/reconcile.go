package license

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	apperrors "postguard/internal/errors"
	"postguard/internal/fingerprint"
)

// Reason codes for allow decisions. Deny reasons reuse the error reason codes
// so the GUI gets one vocabulary.
const (
	ReasonValidated    = "validated"
	ReasonOfflineCache = "offline_cache"
)

// Decision is the final answer of a reconciliation pass.
type Decision struct {
	Authorized bool
	Reason     string
	Warning    string
	Status     Status

	// Degraded is set when the decision came from the local cache because
	// the authority was unreachable. Callers may surface this to the user.
	Degraded bool
}

// remoteValidator is what the engine needs from the network layer.
type remoteValidator interface {
	Validate(ctx context.Context, serial, deviceFingerprint string) (ServerDecision, error)
}

// deviceIdentifier is what the engine needs from fingerprinting.
type deviceIdentifier interface {
	Fingerprint() *fingerprint.Device
}

// Engine merges the possibly-stale local cache with the possibly-unreachable
// authority into a single authorization decision. It is the only component
// that decides; everything else reports.
type Engine struct {
	store   *Store
	client  remoteValidator
	device  deviceIdentifier
	logger  *slog.Logger
	metrics *Metrics
	now     func() time.Time

	mu       sync.Mutex
	terminal map[string]struct{}
}

// NewEngine creates a reconciliation engine.
func NewEngine(store *Store, client remoteValidator, device deviceIdentifier, logger *slog.Logger, metrics *Metrics) *Engine {
	if logger == nil {
		logger = slog.Default()
	}
	return &Engine{
		store:    store,
		client:   client,
		device:   device,
		logger:   logger.With(slog.String("component", "license_engine")),
		metrics:  metrics,
		now:      time.Now,
		terminal: make(map[string]struct{}),
	}
}

// IsAuthorized decides whether serial may run on this machine.
//
// A fresh cache can deny fast (expired), but it can never allow on its own:
// every allow either comes from the authority or is an explicitly degraded
// fallback bounded by the staleness window. A blacklist answer is terminal
// for the process and is never retried away.
func (e *Engine) IsAuthorized(ctx context.Context, serial string) Decision {
	start := e.now()
	d := e.reconcile(ctx, serial)
	e.metrics.recordReconcile(ctx, e.now().Sub(start).Seconds(), d.Authorized)

	e.logger.Info("license decision",
		slog.String("serial", serial),
		slog.Bool("authorized", d.Authorized),
		slog.String("reason", d.Reason),
		slog.String("status", string(d.Status)),
		slog.Bool("degraded", d.Degraded),
	)
	return d
}

func (e *Engine) reconcile(ctx context.Context, serial string) Decision {
	if serial == "" {
		return Decision{Reason: apperrors.CodeMissingSerial}
	}
	if e.isTerminal(serial) {
		return Decision{Reason: apperrors.CodeBlacklisted, Status: StatusBlacklisted}
	}

	today := e.now()
	cache, cached := e.store.Load()
	if cached && cache.SerialNumber != serial {
		// Cache belongs to a different serial; ignore it.
		cached = false
	}
	fresh := cached && cache.FreshAt(today)

	// Fast local deny on expiry. Blacklist is never decided locally because
	// it is not cached; it always needs the authority.
	if fresh {
		if local := Classify(cache.ExpiryDate, false, true, today); local == StatusExpired {
			return Decision{Reason: apperrors.CodeExpired, Status: StatusExpired}
		}
	}

	device := e.device.Fingerprint()
	decision, err := e.client.Validate(ctx, serial, device.Fingerprint)

	switch decision.Kind {
	case KindSuccess:
		e.persist(serial, cache, cached, decision, today)
		if decision.Status == StatusBlacklisted {
			e.markTerminal(serial)
			return Decision{Reason: apperrors.CodeBlacklisted, Status: StatusBlacklisted}
		}
		if !decision.Status.Authorizes() {
			return Decision{Reason: apperrors.CodeExpired, Status: decision.Status}
		}
		warning := decision.Warning
		if warning == "" {
			_, warning = ClassifyWithWarning(decision.ExpiryDate, false, true, today)
		}
		return Decision{
			Authorized: true,
			Reason:     ReasonValidated,
			Warning:    warning,
			Status:     decision.Status,
		}

	case KindDeviceConflict:
		// Hard deny. No cache state may override a binding conflict, so the
		// cache is dropped rather than left to feed a later offline allow.
		e.clearCache(serial)
		return Decision{Reason: apperrors.CodeDeviceConflict, Status: StatusInUse}

	case KindBlacklisted:
		e.markTerminal(serial)
		e.clearCache(serial)
		return Decision{Reason: apperrors.CodeBlacklisted, Status: StatusBlacklisted}

	case KindExpired:
		// The authority's expiry overwrites whatever the cache held, so a
		// later offline pass classifies expired instead of trusting a stale
		// future date.
		expiry := decision.ExpiryDate
		if expiry.IsZero() {
			expiry = DateOnly(today)
		}
		e.persist(serial, cache, cached, ServerDecision{ExpiryDate: expiry}, today)
		return Decision{Reason: apperrors.CodeExpired, Status: StatusExpired}

	case KindNotFound:
		e.clearCache(serial)
		return Decision{Reason: apperrors.CodeNotFound}

	default:
		return e.offlineFallback(serial, cache, fresh, today, err)
	}
}

// offlineFallback is the degraded path: allow only what a fresh cache
// supports, deny everything else.
func (e *Engine) offlineFallback(serial string, cache Cache, fresh bool, today time.Time, cause error) Decision {
	if !fresh {
		e.logger.Warn("authority unreachable and cache stale, denying",
			slog.String("serial", serial),
			slog.Any("error", cause),
		)
		return Decision{Reason: apperrors.CodeOfflineStale}
	}

	status, warning := ClassifyWithWarning(cache.ExpiryDate, false, true, today)
	if !status.Authorizes() {
		return Decision{Reason: apperrors.CodeExpired, Status: status}
	}

	e.logger.Warn("authority unreachable, allowing from fresh cache",
		slog.String("serial", serial),
		slog.Time("last_validation", cache.LastValidation),
		slog.Any("error", cause),
	)
	return Decision{
		Authorized: true,
		Reason:     ReasonOfflineCache,
		Warning:    warning,
		Status:     status,
		Degraded:   true,
	}
}

func (e *Engine) persist(serial string, prev Cache, hadPrev bool, decision ServerDecision, now time.Time) {
	count := 1
	if hadPrev {
		count = prev.ValidationCount + 1
	}
	next := Cache{
		SerialNumber:    serial,
		LastValidation:  now,
		ExpiryDate:      decision.ExpiryDate,
		ValidationCount: count,
	}
	if err := e.store.Save(next); err != nil {
		// A failed cache write degrades the next offline window but does not
		// change this decision.
		e.logger.Error("failed to persist license cache",
			slog.String("serial", serial),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) clearCache(serial string) {
	if err := e.store.Clear(); err != nil {
		e.logger.Error("failed to clear license cache",
			slog.String("serial", serial),
			slog.String("error", err.Error()),
		)
	}
}

func (e *Engine) isTerminal(serial string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	_, ok := e.terminal[serial]
	return ok
}

func (e *Engine) markTerminal(serial string) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.terminal[serial] = struct{}{}
}

// String renders the decision for logs and simple CLI output.
func (d Decision) String() string {
	if d.Authorized {
		if d.Degraded {
			return fmt.Sprintf("authorized (degraded, %s)", d.Status)
		}
		return fmt.Sprintf("authorized (%s)", d.Status)
	}
	return fmt.Sprintf("denied (%s)", d.Reason)
}
