//go:build !unix && !windows

package checks

import "errors"

func freeBytes(string) (uint64, error) {
	return 0, errors.New("free space lookup not supported on this platform")
}
