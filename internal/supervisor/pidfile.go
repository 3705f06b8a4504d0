package supervisor

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"syscall"
	"time"
)

// pidRecord is the on-disk PID file payload. Command names the binary that
// was launched so an unrelated process that reused the pid is not mistaken
// for the gateway.
type pidRecord struct {
	PID       int       `json:"pid"`
	Command   string    `json:"command,omitempty"`
	StartedAt time.Time `json:"startedAt"`
}

func writePIDFile(path string, pid int, command string, startedAt time.Time) error {
	data, err := json.Marshal(pidRecord{PID: pid, Command: command, StartedAt: startedAt})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path, append(data, '\n'), 0o644); err != nil {
		return fmt.Errorf("write pid file %s: %w", path, err)
	}
	return nil
}

// readPIDFile returns the recorded process, or ok=false when the file is
// absent or unreadable.
func readPIDFile(path string) (pidRecord, bool) {
	data, err := os.ReadFile(path)
	if err != nil {
		return pidRecord{}, false
	}
	var rec pidRecord
	if err := json.Unmarshal(data, &rec); err != nil || rec.PID <= 0 {
		return pidRecord{}, false
	}
	if rec.StartedAt.After(time.Now().Add(time.Minute)) {
		return pidRecord{}, false
	}
	return rec, true
}

func removePIDFile(path string) {
	_ = os.Remove(path)
}

// pidAlive reports whether the process still exists, via signal 0.
func pidAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// pidMatches reports whether the process at rec.PID is still the one the
// record describes: alive, and running the recorded command rather than an
// unrelated process that reused the pid after a reboot.
func pidMatches(rec pidRecord) bool {
	if !pidAlive(rec.PID) {
		return false
	}
	if rec.Command == "" {
		// Record written before commands were recorded.
		return true
	}
	argv0, ok := procCommand(rec.PID)
	if !ok {
		return true
	}
	return filepath.Base(argv0) == filepath.Base(rec.Command)
}

// procCommand reads argv[0] of a live process. ok=false when the proc
// filesystem is unavailable, in which case identity cannot be verified.
func procCommand(pid int) (string, bool) {
	data, err := os.ReadFile(fmt.Sprintf("/proc/%d/cmdline", pid))
	if err != nil || len(data) == 0 {
		return "", false
	}
	argv0, _, _ := strings.Cut(string(data), "\x00")
	return argv0, true
}
