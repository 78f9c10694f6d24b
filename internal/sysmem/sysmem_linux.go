//go:build linux

package sysmem

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"golang.org/x/sys/unix"
)

func usedFraction() (float64, error) {
	var si unix.Sysinfo_t
	if err := unix.Sysinfo(&si); err != nil {
		return 0, fmt.Errorf("reading sysinfo: %w", err)
	}

	unit := uint64(si.Unit)
	if unit == 0 {
		unit = 1
	}
	total := uint64(si.Totalram) * unit
	if total == 0 {
		return 0, fmt.Errorf("reading sysinfo: zero total memory")
	}
	free := (uint64(si.Freeram) + uint64(si.Bufferram)) * unit
	if free > total {
		free = total
	}
	return float64(total-free) / float64(total), nil
}

func treeRSS(pid int) (int64, error) {
	seen := make(map[int]bool)
	return rssRecursive(pid, seen), nil
}

func rssRecursive(pid int, seen map[int]bool) int64 {
	if seen[pid] {
		return 0
	}
	seen[pid] = true

	total := procRSS(pid)
	for _, child := range childPIDs(pid) {
		total += rssRecursive(child, seen)
	}
	return total
}

// procRSS reads VmRSS from /proc/<pid>/status. Returns 0 for vanished
// processes.
func procRSS(pid int) int64 {
	f, err := os.Open(fmt.Sprintf("/proc/%d/status", pid))
	if err != nil {
		return 0
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "VmRSS:") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) < 2 {
			return 0
		}
		kb, err := strconv.ParseInt(fields[1], 10, 64)
		if err != nil {
			return 0
		}
		return kb * 1024
	}
	return 0
}

// childPIDs lists direct children via /proc/<pid>/task/*/children.
func childPIDs(pid int) []int {
	taskDirs, err := filepath.Glob(fmt.Sprintf("/proc/%d/task/*/children", pid))
	if err != nil {
		return nil
	}

	var pids []int
	for _, path := range taskDirs {
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		for _, field := range strings.Fields(string(data)) {
			child, err := strconv.Atoi(field)
			if err == nil {
				pids = append(pids, child)
			}
		}
	}
	return pids
}

func limitAddressSpace(pid int, maxMB int) error {
	limit := uint64(maxMB) * 1024 * 1024
	rlim := unix.Rlimit{Cur: limit, Max: limit}
	if err := unix.Prlimit(pid, unix.RLIMIT_AS, &rlim, nil); err != nil {
		return fmt.Errorf("setting address space limit for pid %d: %w", pid, err)
	}
	return nil
}
