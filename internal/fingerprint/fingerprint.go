// Package fingerprint derives a stable identifier for the physical machine
// running the client. The fingerprint is the device-binding key for a serial
// number: it must be deterministic across runs on the same machine, and two
// machines must not collide. It is not a secret and carries no forgery
// resistance.
package fingerprint

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// Placeholder values substituted when a hardware attribute cannot be read.
// Substitution keeps the fingerprint computable; the Reduced flag records
// that it was built with less than the full attribute set.
const (
	PlaceholderHostname  = "unknown-host"
	PlaceholderIP        = "unknown-ip"
	PlaceholderModel     = "unknown-model"
	PlaceholderProcessor = "unknown-cpu"
	PlaceholderMemory    = "unknown-memory"
)

// Device holds the derived fingerprint and the attributes it was built from.
type Device struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	IPAddress   string    `json:"ip_address"`
	SystemModel string    `json:"system_model"`
	Processor   string    `json:"processor"`
	TotalMemory string    `json:"total_memory"`
	Reduced     bool      `json:"reduced"`
	GeneratedAt time.Time `json:"generated_at"`
}

// Manager computes device fingerprints with a short in-process cache, since
// the underlying attributes do not change within a session.
type Manager struct {
	logger *slog.Logger

	mu          sync.RWMutex
	cached      *Device
	cacheExpiry time.Time
	cacheTTL    time.Duration
}

// NewManager creates a fingerprint manager. The cached fingerprint is reused
// for one hour before the attributes are re-read.
func NewManager(logger *slog.Logger) *Manager {
	if logger == nil {
		logger = slog.Default()
	}
	return &Manager{
		logger:   logger.With(slog.String("component", "fingerprint")),
		cacheTTL: time.Hour,
	}
}

// Fingerprint returns the device fingerprint, computing it if the cache has
// expired. It never fails: unavailable attributes degrade to placeholders.
func (m *Manager) Fingerprint() *Device {
	m.mu.RLock()
	if m.cached != nil && time.Now().Before(m.cacheExpiry) {
		cached := *m.cached
		m.mu.RUnlock()
		return &cached
	}
	m.mu.RUnlock()

	device := m.collect()

	m.mu.Lock()
	m.cached = device
	m.cacheExpiry = time.Now().Add(m.cacheTTL)
	m.mu.Unlock()

	copied := *device
	return &copied
}

// Matches reports whether the current machine matches a stored fingerprint.
func (m *Manager) Matches(stored string) bool {
	return stored != "" && m.Fingerprint().Fingerprint == stored
}

// ClearCache drops the cached fingerprint so the next call re-reads hardware
// attributes. Used by tests and after resume-from-hibernate quirks.
func (m *Manager) ClearCache() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.cached = nil
	m.cacheExpiry = time.Time{}
}

func (m *Manager) collect() *Device {
	device := &Device{GeneratedAt: time.Now()}

	device.Hostname = m.attribute("hostname", PlaceholderHostname, &device.Reduced, hostname)
	device.IPAddress = m.attribute("ip_address", PlaceholderIP, &device.Reduced, primaryIP)
	device.SystemModel = m.attribute("system_model", PlaceholderModel, &device.Reduced, systemModel)
	device.Processor = m.attribute("processor", PlaceholderProcessor, &device.Reduced, processor)
	device.TotalMemory = m.attribute("total_memory", PlaceholderMemory, &device.Reduced, totalMemory)

	// Field order is part of the contract: changing it changes every
	// fingerprint and unbinds every installation.
	combined := strings.Join([]string{
		device.Hostname,
		device.IPAddress,
		device.SystemModel,
		device.Processor,
		device.TotalMemory,
	}, "|")

	sum := sha256.Sum256([]byte(combined))
	device.Fingerprint = hex.EncodeToString(sum[:])

	if device.Reduced {
		m.logger.Warn("fingerprint generated with reduced confidence",
			slog.String("fingerprint", device.Fingerprint),
			slog.Bool("reduced", true),
		)
	} else {
		m.logger.Debug("fingerprint generated",
			slog.String("fingerprint", device.Fingerprint),
			slog.String("hostname", device.Hostname),
		)
	}

	return device
}

func (m *Manager) attribute(name, placeholder string, reduced *bool, read func() (string, error)) string {
	value, err := read()
	if err != nil || strings.TrimSpace(value) == "" {
		*reduced = true
		m.logger.Warn("fingerprint attribute unavailable, using placeholder",
			slog.String("attribute", name),
			slog.Any("error", err),
		)
		return placeholder
	}
	return normalize(value)
}

func normalize(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func hostname() (string, error) {
	return os.Hostname()
}

// primaryIP finds the first global unicast address on an up, non-loopback
// interface. The address itself only has to be stable per machine, not
// routable from anywhere in particular.
func primaryIP() (string, error) {
	ifaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("list interfaces: %w", err)
	}

	for _, iface := range ifaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}
		addrs, err := iface.Addrs()
		if err != nil {
			continue
		}
		for _, addr := range addrs {
			ipNet, ok := addr.(*net.IPNet)
			if !ok || ipNet.IP.IsLoopback() {
				continue
			}
			if ip := ipNet.IP.To4(); ip != nil {
				return ip.String(), nil
			}
		}
	}

	return "", fmt.Errorf("no non-loopback IPv4 address found")
}

func processor() (string, error) {
	switch runtime.GOOS {
	case "linux":
		data, err := os.ReadFile("/proc/cpuinfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "model name") {
					if _, value, ok := strings.Cut(line, ":"); ok {
						return strings.TrimSpace(value), nil
					}
				}
			}
		}
	case "windows":
		if id := os.Getenv("PROCESSOR_IDENTIFIER"); id != "" {
			return id, nil
		}
	}

	// Architecture-level fallback still distinguishes machine classes.
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH), nil
}

func systemModel() (string, error) {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/sys/devices/virtual/dmi/id/product_name")
		if err == nil && strings.TrimSpace(string(data)) != "" {
			return strings.TrimSpace(string(data)), nil
		}
	}
	return fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH), nil
}

func totalMemory() (string, error) {
	if runtime.GOOS == "linux" {
		data, err := os.ReadFile("/proc/meminfo")
		if err == nil {
			for _, line := range strings.Split(string(data), "\n") {
				if strings.HasPrefix(line, "MemTotal:") {
					return strings.TrimSpace(strings.TrimPrefix(line, "MemTotal:")), nil
				}
			}
		}
	}
	return "", fmt.Errorf("total memory unavailable on %s", runtime.GOOS)
}
