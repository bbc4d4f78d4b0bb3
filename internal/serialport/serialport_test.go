package serialport

import "testing"

// Opening a real modem PCM device requires hardware this suite does not
// have; the one behavior testable without one is that a missing path fails
// cleanly rather than blocking or panicking.
func TestOpenMissingPathFails(t *testing.T) {
	if _, err := Open("/dev/does-not-exist-airvoice-test"); err == nil {
		t.Error("Open() error = nil, want error for a nonexistent device path")
	}
}
