//go:build !unix && !windows

package process

import "github.com/tis24dev/jobsave/internal/types"

func setPriority(int, types.ProcessPriority) error { return nil }
