// Package sysmem reports memory pressure for the supervisor's health policy:
// whole-machine usage as a fraction of total RAM, and the resident set of a
// process tree. It can also clamp a child process's address space.
package sysmem

import "errors"

// ErrUnsupported is returned on platforms without the required facilities.
var ErrUnsupported = errors.New("sysmem: not supported on this platform")

// UsedFraction returns machine-wide memory usage in [0.0, 1.0].
func UsedFraction() (float64, error) {
	return usedFraction()
}

// TreeRSS returns the total resident set size, in bytes, of pid and all of
// its descendants. Processes that disappear mid-walk are skipped.
func TreeRSS(pid int) (int64, error) {
	return treeRSS(pid)
}

// LimitAddressSpace applies a hard address-space limit (in MiB) to a running
// process. A zero or negative limit is a no-op.
func LimitAddressSpace(pid int, maxMB int) error {
	if maxMB <= 0 {
		return nil
	}
	return limitAddressSpace(pid, maxMB)
}
