//go:build unix

package process

import (
	"golang.org/x/sys/unix"

	"github.com/tis24dev/jobsave/internal/types"
)

func niceValue(p types.ProcessPriority) int {
	switch p {
	case types.PriorityIdle:
		return 19
	case types.PriorityBelowNormal:
		return 10
	case types.PriorityAboveNormal:
		return -5
	case types.PriorityHigh:
		return -10
	default:
		return 0
	}
}

func setPriority(pid int, p types.ProcessPriority) error {
	return unix.Setpriority(unix.PRIO_PROCESS, pid, niceValue(p))
}
