package mqtt

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// instanceIDFile is the marker file under the data directory that pins
// this host's MQTT device identity.
const instanceIDFile = "instance_id"

// LoadOrCreateInstanceID returns the host's stable instance ID, minting
// and persisting a UUIDv7 on first use. Discovery topics and the HA
// device registry key off this ID rather than device_name, so renaming
// the device keeps its entity history.
//
// A missing, empty, or whitespace-only file counts as first use.
func LoadOrCreateInstanceID(dataDir string) (string, error) {
	path := filepath.Join(dataDir, instanceIDFile)

	if data, err := os.ReadFile(path); err == nil {
		if id := strings.TrimSpace(string(data)); id != "" {
			return id, nil
		}
	}

	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate instance ID: %w", err)
	}
	if err := os.WriteFile(path, []byte(id.String()+"\n"), 0o644); err != nil {
		return "", fmt.Errorf("persist instance ID to %s: %w", path, err)
	}
	return id.String(), nil
}
