package security

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"os"
	"runtime"
	"strings"
	"sync"
	"time"
)

// ErrNoStableIdentifier is returned when no hardware attribute stable enough
// to bind a license to could be derived. Validation must not proceed with a
// fingerprint of unknown stability.
var ErrNoStableIdentifier = errors.New("no stable hardware identifier available")

// DeviceFingerprint represents device identification information
type DeviceFingerprint struct {
	Fingerprint string    `json:"fingerprint"`
	Hostname    string    `json:"hostname"`
	MACAddress  string    `json:"mac_address"`
	MachineID   string    `json:"machine_id"`
	CPUID       string    `json:"cpu_id"`
	OS          string    `json:"os"`
	Platform    string    `json:"platform"`
	GeneratedAt time.Time `json:"generated_at"`
}

// FingerprintManager handles device fingerprinting operations
type FingerprintManager struct {
	cache         *DeviceFingerprint
	cacheMutex    sync.RWMutex
	cacheExpiry   time.Time
	cacheDuration time.Duration
}

// NewFingerprintManager creates a new fingerprint manager with caching
func NewFingerprintManager() *FingerprintManager {
	return &FingerprintManager{
		cacheDuration: 1 * time.Hour,
	}
}

// GetMACAddress retrieves the primary network interface MAC address
func (fm *FingerprintManager) GetMACAddress() (string, error) {
	interfaces, err := net.Interfaces()
	if err != nil {
		return "", fmt.Errorf("failed to get network interfaces: %w", err)
	}

	// Prefer a non-loopback, up interface with a MAC address
	for _, iface := range interfaces {
		if iface.Flags&net.FlagLoopback != 0 || iface.Flags&net.FlagUp == 0 {
			continue
		}

		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				slog.Debug("MAC address found",
					slog.String("interface", iface.Name),
					slog.String("mac", mac),
				)
				return mac, nil
			}
		}
	}

	// Fallback: any interface with a MAC address, even if down
	for _, iface := range interfaces {
		if len(iface.HardwareAddr) > 0 {
			mac := iface.HardwareAddr.String()
			if mac != "" && mac != "00:00:00:00:00:00" {
				slog.Warn("Using MAC address from inactive interface",
					slog.String("interface", iface.Name),
					slog.String("mac", mac),
				)
				return mac, nil
			}
		}
	}

	return "", fmt.Errorf("no valid MAC address found")
}

// GetMachineID retrieves an OS-level machine identifier where available.
// Unlike the hostname this survives renames and is not settable from user
// space without elevated privileges.
func (fm *FingerprintManager) GetMachineID() (string, error) {
	switch runtime.GOOS {
	case "linux":
		for _, path := range []string{"/etc/machine-id", "/var/lib/dbus/machine-id"} {
			data, err := os.ReadFile(path)
			if err != nil {
				continue
			}
			id := strings.TrimSpace(string(data))
			if id != "" {
				return id, nil
			}
		}
		return "", fmt.Errorf("machine-id not readable")
	case "windows":
		if guid := strings.TrimSpace(os.Getenv("MACHINE_GUID")); guid != "" {
			return guid, nil
		}
		return "", fmt.Errorf("machine guid not available")
	case "darwin":
		if uuid := strings.TrimSpace(os.Getenv("IOPLATFORM_UUID")); uuid != "" {
			return uuid, nil
		}
		return "", fmt.Errorf("platform uuid not available")
	default:
		return "", fmt.Errorf("machine id not supported on %s", runtime.GOOS)
	}
}

// GetHostname retrieves the machine hostname
func (fm *FingerprintManager) GetHostname() (string, error) {
	hostname, err := os.Hostname()
	if err != nil {
		return "", fmt.Errorf("failed to get hostname: %w", err)
	}

	hostname = strings.ToLower(strings.TrimSpace(hostname))
	if hostname == "" {
		return "", fmt.Errorf("hostname is empty")
	}

	return hostname, nil
}

// GetCPUID retrieves CPU identification information (OS-specific)
func (fm *FingerprintManager) GetCPUID() (string, error) {
	switch runtime.GOOS {
	case "windows":
		return fm.getCPUIDWindows()
	case "linux":
		return fm.getCPUIDLinux()
	default:
		cpuInfo := fmt.Sprintf("%s-%s", runtime.GOOS, runtime.GOARCH)
		hash := sha256.Sum256([]byte(cpuInfo))
		return hex.EncodeToString(hash[:8]), nil
	}
}

// getCPUIDWindows gets CPU information on Windows systems
func (fm *FingerprintManager) getCPUIDWindows() (string, error) {
	if procID := os.Getenv("PROCESSOR_IDENTIFIER"); procID != "" {
		hash := sha256.Sum256([]byte(procID))
		return hex.EncodeToString(hash[:8]), nil
	}

	cpuInfo := fmt.Sprintf("windows-%s-%s", runtime.GOARCH, os.Getenv("PROCESSOR_ARCHITECTURE"))
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// getCPUIDLinux gets CPU information on Linux systems
func (fm *FingerprintManager) getCPUIDLinux() (string, error) {
	cpuData, err := os.ReadFile("/proc/cpuinfo")
	if err == nil {
		for _, line := range strings.Split(string(cpuData), "\n") {
			if strings.HasPrefix(line, "model name") ||
				strings.HasPrefix(line, "cpu family") {
				hash := sha256.Sum256([]byte(line))
				return hex.EncodeToString(hash[:8]), nil
			}
		}
	}

	cpuInfo := fmt.Sprintf("linux-%s", runtime.GOARCH)
	hash := sha256.Sum256([]byte(cpuInfo))
	return hex.EncodeToString(hash[:8]), nil
}

// GenerateFingerprint creates a device fingerprint by combining hardware
// factors. At least one of MAC address or machine ID must be derivable;
// otherwise ErrNoStableIdentifier is returned, since a fingerprint built
// purely from fallback values would change between runs.
func (fm *FingerprintManager) GenerateFingerprint() (*DeviceFingerprint, error) {
	fm.cacheMutex.RLock()
	if fm.cache != nil && time.Now().Before(fm.cacheExpiry) {
		cached := *fm.cache
		fm.cacheMutex.RUnlock()
		return &cached, nil
	}
	fm.cacheMutex.RUnlock()

	start := time.Now()

	macAddr, macErr := fm.GetMACAddress()
	machineID, midErr := fm.GetMachineID()

	if macErr != nil && midErr != nil {
		return nil, fmt.Errorf("%w: mac: %v, machine id: %v", ErrNoStableIdentifier, macErr, midErr)
	}
	if macErr != nil {
		macAddr = "no-mac"
	}
	if midErr != nil {
		machineID = "no-machine-id"
	}

	hostname, err := fm.GetHostname()
	if err != nil {
		hostname = "unknown-host"
		slog.Warn("Failed to get hostname, using fallback",
			slog.String("error", err.Error()),
		)
	}

	cpuID, err := fm.GetCPUID()
	if err != nil {
		cpuID = "unknown-cpu"
		slog.Warn("Failed to get CPU ID, using fallback",
			slog.String("error", err.Error()),
		)
	}

	// Hostname is deliberately excluded from the hash: it is user-settable
	// and renaming a machine must not invalidate its license.
	factors := []string{
		macAddr,
		machineID,
		cpuID,
		runtime.GOOS,
		runtime.GOARCH,
	}

	combinedData := strings.Join(factors, "|")
	hash := sha256.Sum256([]byte(combinedData))
	fingerprint := hex.EncodeToString(hash[:])

	deviceFingerprint := &DeviceFingerprint{
		Fingerprint: fingerprint,
		Hostname:    hostname,
		MACAddress:  macAddr,
		MachineID:   machineID,
		CPUID:       cpuID,
		OS:          runtime.GOOS,
		Platform:    runtime.GOARCH,
		GeneratedAt: time.Now(),
	}

	fm.cacheMutex.Lock()
	fm.cache = deviceFingerprint
	fm.cacheExpiry = time.Now().Add(fm.cacheDuration)
	fm.cacheMutex.Unlock()

	slog.Debug("Device fingerprint generated",
		slog.String("fingerprint", fingerprint),
		slog.String("hostname", hostname),
		slog.String("os", runtime.GOOS),
		slog.Duration("generation_time", time.Since(start)),
	)

	return deviceFingerprint, nil
}

// ValidateFingerprint compares the current device fingerprint with a stored one
func (fm *FingerprintManager) ValidateFingerprint(storedFingerprint string) (bool, error) {
	current, err := fm.GenerateFingerprint()
	if err != nil {
		return false, fmt.Errorf("failed to generate current fingerprint: %w", err)
	}

	return current.Fingerprint == storedFingerprint, nil
}

// GetFingerprintComponents returns individual components for diagnostics
func (fm *FingerprintManager) GetFingerprintComponents() map[string]string {
	macAddr, _ := fm.GetMACAddress()
	machineID, _ := fm.GetMachineID()
	hostname, _ := fm.GetHostname()
	cpuID, _ := fm.GetCPUID()

	return map[string]string{
		"mac_address": macAddr,
		"machine_id":  machineID,
		"hostname":    hostname,
		"cpu_id":      cpuID,
		"os":          runtime.GOOS,
		"platform":    runtime.GOARCH,
	}
}

// ClearCache clears the cached fingerprint
func (fm *FingerprintManager) ClearCache() {
	fm.cacheMutex.Lock()
	defer fm.cacheMutex.Unlock()

	fm.cache = nil
	fm.cacheExpiry = time.Time{}
}
