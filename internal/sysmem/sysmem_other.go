//go:build !linux

package sysmem

func usedFraction() (float64, error) { return 0, ErrUnsupported }

func treeRSS(pid int) (int64, error) { return 0, ErrUnsupported }

func limitAddressSpace(pid int, maxMB int) error { return ErrUnsupported }
