package device

import (
	"fmt"
	"os"
	"runtime"
	"strings"

	"github.com/google/uuid"
)

var machineIDPaths = []string{
	"/etc/machine-id",
	"/var/lib/dbus/machine-id",
}

// DeviceManager resolves a stable device identifier
type DeviceManager struct {
	readFile func(string) ([]byte, error)
	hostname func() (string, error)
}

// NewDeviceManager creates a new device manager
func NewDeviceManager() *DeviceManager {
	return &DeviceManager{
		readFile: os.ReadFile,
		hostname: os.Hostname,
	}
}

// GetOrGenerateDeviceID returns existingID when set. Otherwise it uses the
// machine id, then the hostname, and finally a random UUID.
func (dm *DeviceManager) GetOrGenerateDeviceID(existingID string) (string, error) {
	if existingID = strings.TrimSpace(existingID); existingID != "" {
		return existingID, nil
	}

	if id, err := dm.platformDeviceID(); err == nil {
		return id, nil
	}

	return uuid.NewString(), nil
}

// DefaultDeviceName is used when no device name is configured
func (dm *DeviceManager) DefaultDeviceName() string {
	if host, err := dm.hostname(); err == nil && host != "" {
		return host
	}
	return runtime.GOOS + "-device"
}

func (dm *DeviceManager) platformDeviceID() (string, error) {
	for _, path := range machineIDPaths {
		data, err := dm.readFile(path)
		if err != nil {
			continue
		}
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	host, err := dm.hostname()
	if err == nil && host != "" {
		return runtime.GOOS + "-" + host, nil
	}

	return "", fmt.Errorf("could not determine device ID on %s", runtime.GOOS)
}
