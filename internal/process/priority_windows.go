//go:build windows

package process

import (
	"golang.org/x/sys/windows"

	"github.com/tis24dev/jobsave/internal/types"
)

func priorityClass(p types.ProcessPriority) uint32 {
	switch p {
	case types.PriorityIdle:
		return windows.IDLE_PRIORITY_CLASS
	case types.PriorityBelowNormal:
		return windows.BELOW_NORMAL_PRIORITY_CLASS
	case types.PriorityAboveNormal:
		return windows.ABOVE_NORMAL_PRIORITY_CLASS
	case types.PriorityHigh:
		return windows.HIGH_PRIORITY_CLASS
	default:
		return windows.NORMAL_PRIORITY_CLASS
	}
}

func setPriority(pid int, p types.ProcessPriority) error {
	h, err := windows.OpenProcess(windows.PROCESS_SET_INFORMATION, false, uint32(pid))
	if err != nil {
		return err
	}
	defer windows.CloseHandle(h)
	return windows.SetPriorityClass(h, priorityClass(p))
}
