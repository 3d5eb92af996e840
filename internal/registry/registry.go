package registry

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.etcd.io/bbolt"

	apperrors "postguard/internal/errors"
	"postguard/internal/license"
)

const (
	bucketSerials = "serials"
	bucketAudit   = "audit"
)

// ErrStatusNotOverridable rejects patch attempts on derived status values.
var ErrStatusNotOverridable = errors.New("status cannot be set directly; only available and blacklisted are overridable")

// Registry is the bbolt-backed DeviceRegistry. A single instance owns the
// database file for the process lifetime.
type Registry struct {
	db      *bbolt.DB
	logger  *slog.Logger
	limiter *AttemptLimiter
	metrics *Metrics
	now     func() time.Time
}

// Options tunes a Registry. The zero value gets sane defaults.
type Options struct {
	Limiter *AttemptLimiter
	Metrics *Metrics
	Logger  *slog.Logger
}

// Open opens (creating if needed) the registry database at path.
func Open(path string, opts Options) (*Registry, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create registry directory: %w", err)
	}
	db, err := bbolt.Open(path, 0o600, &bbolt.Options{Timeout: 2 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open registry database: %w", err)
	}

	if err := db.Update(func(tx *bbolt.Tx) error {
		for _, name := range []string{bucketSerials, bucketAudit} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return err
			}
		}
		return nil
	}); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("initialize registry buckets: %w", err)
	}

	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		db:      db,
		logger:  logger.With(slog.String("component", "registry")),
		limiter: opts.Limiter,
		metrics: opts.Metrics,
		now:     time.Now,
	}, nil
}

// Close closes the underlying database.
func (r *Registry) Close() error { return r.db.Close() }

// Register creates a new license record. A serial that already exists and is
// not deleted is a conflict; registering over a soft-deleted serial replaces
// it with a fresh record.
func (r *Registry) Register(ctx context.Context, serial string, expiry time.Time, memo string) (Record, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return Record{}, apperrors.ErrMissingSerial
	}
	if expiry.IsZero() {
		return Record{}, fmt.Errorf("register %s: expiry date is required", serial)
	}
	if err := r.allow(serial); err != nil {
		return Record{}, err
	}

	now := r.now()
	rec := Record{
		SerialNumber: serial,
		CreatedDate:  license.DateOnly(now),
		ExpiryDate:   license.DateOnly(expiry),
		Memo:         memo,
	}

	err := r.db.Update(func(tx *bbolt.Tx) error {
		if existing, err := getRecord(tx, serial); err == nil && !existing.Deleted {
			return apperrors.ErrSerialExists
		}
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return r.audit(tx, serial, "register", "expiry "+rec.ExpiryDate.Format("2006-01-02"))
	})
	r.metrics.recordOp(ctx, "register", err)
	if err != nil {
		return Record{}, fmt.Errorf("register %s: %w", serial, err)
	}

	r.logger.Info("serial registered",
		slog.String("serial", serial),
		slog.Time("expiry", rec.ExpiryDate),
	)
	return rec, nil
}

// Validate is the authoritative validate-and-bind operation. The whole
// decision runs in one update transaction, so two devices racing for an
// unbound serial resolve to exactly one winner.
//
// The activation count moves only when a fingerprint actually binds; a repeat
// validate from the already-bound device is accepted without an increment, so
// client-side retries stay idempotent.
func (r *Registry) Validate(ctx context.Context, serial, deviceFingerprint string) (Record, license.Status, error) {
	serial = strings.TrimSpace(serial)
	if serial == "" {
		return Record{}, "", apperrors.ErrMissingSerial
	}
	if deviceFingerprint == "" {
		return Record{}, "", fmt.Errorf("validate %s: device fingerprint is required", serial)
	}
	if err := r.allow(serial); err != nil {
		return Record{}, "", err
	}

	now := r.now()
	var (
		rec    Record
		status license.Status
	)
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, serial)
		if err != nil || rec.Deleted {
			return apperrors.ErrSerialNotFound
		}

		status = rec.StatusAt(now)
		switch status {
		case license.StatusBlacklisted:
			return apperrors.ErrSerialBlacklisted
		case license.StatusExpired:
			return apperrors.ErrSerialExpired
		}

		switch {
		case !rec.Bound():
			rec.DeviceFingerprint = deviceFingerprint
			rec.ActivationCount++
			if err := putRecord(tx, rec); err != nil {
				return err
			}
			if err := r.audit(tx, serial, "bind", fingerprintHint(deviceFingerprint)); err != nil {
				return err
			}
		case rec.DeviceFingerprint != deviceFingerprint:
			return apperrors.ErrDeviceConflict
		}

		status = rec.StatusAt(now)
		return nil
	})
	r.metrics.recordOp(ctx, "validate", err)
	if err != nil {
		return Record{}, "", fmt.Errorf("validate %s: %w", serial, err)
	}
	return rec, status, nil
}

// Get returns a single non-deleted record.
func (r *Registry) Get(ctx context.Context, serial string) (Record, error) {
	var rec Record
	err := r.db.View(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, serial)
		if err != nil || rec.Deleted {
			return apperrors.ErrSerialNotFound
		}
		return nil
	})
	r.metrics.recordOp(ctx, "get", err)
	if err != nil {
		return Record{}, fmt.Errorf("get %s: %w", serial, err)
	}
	return rec, nil
}

// List returns all non-deleted records, sorted by serial. When statusFilter
// is non-empty only records currently in that status are returned.
func (r *Registry) List(ctx context.Context, statusFilter license.Status) ([]Record, error) {
	now := r.now()
	out := make([]Record, 0)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSerials)).ForEach(func(k, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("corrupt record %q: %w", k, err)
			}
			if rec.Deleted {
				return nil
			}
			if statusFilter != "" && rec.StatusAt(now) != statusFilter {
				return nil
			}
			out = append(out, rec)
			return nil
		})
	})
	r.metrics.recordOp(ctx, "list", err)
	if err != nil {
		return nil, fmt.Errorf("list serials: %w", err)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].SerialNumber < out[j].SerialNumber
	})
	return out, nil
}

// SetBlacklist turns the blacklist flag on or off.
func (r *Registry) SetBlacklist(ctx context.Context, serial string, on bool) (Record, error) {
	var rec Record
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, serial)
		if err != nil || rec.Deleted {
			return apperrors.ErrSerialNotFound
		}
		rec.Blacklisted = on
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		action := "blacklist"
		if !on {
			action = "unblacklist"
		}
		return r.audit(tx, serial, action, "")
	})
	r.metrics.recordOp(ctx, "blacklist", err)
	if err != nil {
		return Record{}, fmt.Errorf("blacklist %s: %w", serial, err)
	}

	r.logger.Warn("blacklist flag changed",
		slog.String("serial", serial),
		slog.Bool("blacklisted", on),
	)
	return rec, nil
}

// Patch applies an administrative override.
func (r *Registry) Patch(ctx context.Context, serial string, p PatchRequest) (Record, error) {
	if p.Status != nil {
		switch *p.Status {
		case license.StatusAvailable, license.StatusBlacklisted:
		default:
			return Record{}, fmt.Errorf("patch %s: %w", serial, ErrStatusNotOverridable)
		}
	}

	var rec Record
	err := r.db.Update(func(tx *bbolt.Tx) error {
		var err error
		rec, err = getRecord(tx, serial)
		if err != nil || rec.Deleted {
			return apperrors.ErrSerialNotFound
		}

		var changes []string
		if p.Status != nil {
			switch *p.Status {
			case license.StatusAvailable:
				// Release the binding so another device may activate.
				rec.DeviceFingerprint = ""
				rec.Blacklisted = false
				changes = append(changes, "released binding")
			case license.StatusBlacklisted:
				rec.Blacklisted = true
				changes = append(changes, "blacklisted")
			}
		}
		if p.ExpiryDate != nil {
			rec.ExpiryDate = license.DateOnly(*p.ExpiryDate)
			changes = append(changes, "expiry "+rec.ExpiryDate.Format("2006-01-02"))
		}
		if p.Memo != nil {
			rec.Memo = *p.Memo
			changes = append(changes, "memo")
		}

		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return r.audit(tx, serial, "patch", strings.Join(changes, ", "))
	})
	r.metrics.recordOp(ctx, "patch", err)
	if err != nil {
		return Record{}, fmt.Errorf("patch %s: %w", serial, err)
	}
	return rec, nil
}

// Delete soft-deletes a record. The record stays in the database for audit
// purposes but disappears from every query.
func (r *Registry) Delete(ctx context.Context, serial string) error {
	err := r.db.Update(func(tx *bbolt.Tx) error {
		rec, err := getRecord(tx, serial)
		if err != nil || rec.Deleted {
			return apperrors.ErrSerialNotFound
		}
		rec.Deleted = true
		if err := putRecord(tx, rec); err != nil {
			return err
		}
		return r.audit(tx, serial, "delete", "")
	})
	r.metrics.recordOp(ctx, "delete", err)
	if err != nil {
		return fmt.Errorf("delete %s: %w", serial, err)
	}
	return nil
}

// Count returns the number of non-deleted records, for health reporting.
func (r *Registry) Count(ctx context.Context) (int, error) {
	n := 0
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketSerials)).ForEach(func(_, v []byte) error {
			var rec Record
			if err := json.Unmarshal(v, &rec); err != nil {
				return err
			}
			if !rec.Deleted {
				n++
			}
			return nil
		})
	})
	if err != nil {
		return 0, fmt.Errorf("count serials: %w", err)
	}
	return n, nil
}

// AuditTrail returns the audit entries for a serial, oldest first.
func (r *Registry) AuditTrail(ctx context.Context, serial string) ([]AuditEntry, error) {
	out := make([]AuditEntry, 0)
	err := r.db.View(func(tx *bbolt.Tx) error {
		return tx.Bucket([]byte(bucketAudit)).ForEach(func(_, v []byte) error {
			var e AuditEntry
			if err := json.Unmarshal(v, &e); err != nil {
				return err
			}
			if e.SerialNumber == serial {
				out = append(out, e)
			}
			return nil
		})
	})
	if err != nil {
		return nil, fmt.Errorf("audit trail %s: %w", serial, err)
	}
	return out, nil
}

func (r *Registry) allow(serial string) error {
	if r.limiter != nil && !r.limiter.Allow(serial) {
		return fmt.Errorf("serial %s: %w", serial, apperrors.ErrRateLimited)
	}
	return nil
}

// audit appends an event inside the caller's transaction. The key is the
// bucket sequence number, big-endian, so iteration order is exactly the
// order events were written regardless of clock resolution.
func (r *Registry) audit(tx *bbolt.Tx, serial, action, detail string) error {
	entry := AuditEntry{
		ID:           uuid.NewString(),
		SerialNumber: serial,
		Action:       action,
		Detail:       detail,
		At:           r.now(),
	}
	buf, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	b := tx.Bucket([]byte(bucketAudit))
	seq, err := b.NextSequence()
	if err != nil {
		return err
	}
	key := make([]byte, 8)
	binary.BigEndian.PutUint64(key, seq)
	return b.Put(key, buf)
}

func getRecord(tx *bbolt.Tx, serial string) (Record, error) {
	v := tx.Bucket([]byte(bucketSerials)).Get([]byte(serial))
	if v == nil {
		return Record{}, apperrors.ErrSerialNotFound
	}
	var rec Record
	if err := json.Unmarshal(v, &rec); err != nil {
		return Record{}, fmt.Errorf("corrupt record %s: %w", serial, err)
	}
	return rec, nil
}

func putRecord(tx *bbolt.Tx, rec Record) error {
	buf, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	return tx.Bucket([]byte(bucketSerials)).Put([]byte(rec.SerialNumber), buf)
}

// fingerprintHint keeps audit entries useful without storing the full
// binding key in a second place.
func fingerprintHint(fp string) string {
	if len(fp) <= 8 {
		return fp
	}
	return fp[:8] + "..."
}
