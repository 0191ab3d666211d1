// Package marker persists process markers for supervised services. A marker
// records the PID and the OS start time of a spawned process so the
// supervisor can reconcile its in-memory registry against reality after a
// daemon restart. The marker is a crash-recovery hint only; the registry is
// authoritative while the daemon runs.
package marker

import (
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
)

// Marker is the persisted record for one supervised service process.
type Marker struct {
	Service   string `json:"service"`
	PID       int    `json:"pid"`
	StartUnix int64  `json:"start_unix"`
}

// Write persists m at path, creating parent directories as needed.
func Write(path string, m Marker) error {
	if err := os.MkdirAll(filepath.Dir(path), 0o750); err != nil {
		return err
	}
	b, err := json.Marshal(m)
	if err != nil {
		return err
	}
	return os.WriteFile(path, b, 0o600)
}

// Read loads the marker at path. A missing file yields os.ErrNotExist.
func Read(path string) (Marker, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return Marker{}, err
	}
	var m Marker
	if err := json.Unmarshal(b, &m); err != nil {
		return Marker{}, err
	}
	if m.PID <= 0 {
		return Marker{}, errors.New("marker: invalid pid")
	}
	return m, nil
}

// Remove deletes the marker file, ignoring a file that is already gone.
func Remove(path string) error {
	err := os.Remove(path)
	if err != nil && os.IsNotExist(err) {
		return nil
	}
	return err
}

// ForPID captures a marker for a freshly spawned process, recording its OS
// start time so later readers can detect PID reuse.
func ForPID(service string, pid int) Marker {
	return Marker{Service: service, PID: pid, StartUnix: procStartUnix(pid)}
}

// PIDAlive reports whether any process with the given pid exists.
func PIDAlive(pid int) bool { return pidAlive(pid) }

// Alive reports whether the marker still refers to a live process. A PID
// that has been reused by an unrelated process (start time differs from the
// recorded one) is treated as dead.
func (m Marker) Alive() bool {
	if m.PID <= 0 || !pidAlive(m.PID) {
		return false
	}
	if m.StartUnix > 0 {
		if cur := procStartUnix(m.PID); cur > 0 && cur != m.StartUnix {
			return false
		}
	}
	return true
}
