package snapshot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/tis24dev/jobsave/internal/process"
)

// Entry is one snapshot reported by the host inventory.
type Entry struct {
	ID         string
	Volume     string
	DevicePath string
	Created    time.Time
}

// Inventory lists the snapshots currently present on the host.
type Inventory interface {
	List(ctx context.Context) ([]Entry, error)
}

// DefaultInventoryCommand queries Win32_ShadowCopy joined to Win32_Volume and
// prints the result as JSON.
var DefaultInventoryCommand = []string{
	"powershell.exe", "-NoProfile", "-NonInteractive", "-Command",
	`Get-CimInstance Win32_ShadowCopy | ForEach-Object { $sc = $_; ` +
		`$vol = Get-CimInstance Win32_Volume | Where-Object DeviceID -eq $sc.VolumeName; ` +
		`[pscustomobject]@{ ID = $sc.ID; VolumeName = $vol.DriveLetter; DeviceObject = $sc.DeviceObject; ` +
		`InstallDate = $sc.InstallDate.ToUniversalTime().ToString('o') } } | ConvertTo-Json -Compress`,
}

// CommandInventory runs an inventory command that prints a JSON array (or a
// single object) of {ID, VolumeName, DeviceObject, InstallDate}.
type CommandInventory struct {
	Runner  process.Runner
	Command []string
}

type inventoryRecord struct {
	ID           string `json:"ID"`
	VolumeName   string `json:"VolumeName"`
	DeviceObject string `json:"DeviceObject"`
	InstallDate  string `json:"InstallDate"`
}

// List runs the command and parses its output.
func (c *CommandInventory) List(ctx context.Context) ([]Entry, error) {
	command := c.Command
	if len(command) == 0 {
		command = DefaultInventoryCommand
	}
	res, err := c.Runner.Run(ctx, process.Command{Path: command[0], Args: command[1:]})
	if err != nil {
		return nil, fmt.Errorf("snapshot inventory: %w", err)
	}
	if res.ExitCode != 0 {
		return nil, fmt.Errorf("snapshot inventory exited with code %d: %s", res.ExitCode, strings.TrimSpace(res.Stderr))
	}
	return ParseInventory([]byte(res.Stdout))
}

// ParseInventory decodes inventory JSON. Entries whose volume cannot be
// determined are dropped.
func ParseInventory(data []byte) ([]Entry, error) {
	data = bytes.TrimSpace(data)
	if len(data) == 0 {
		return nil, nil
	}
	var records []inventoryRecord
	if data[0] == '[' {
		if err := json.Unmarshal(data, &records); err != nil {
			return nil, fmt.Errorf("parse snapshot inventory: %w", err)
		}
	} else {
		var rec inventoryRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("parse snapshot inventory: %w", err)
		}
		records = append(records, rec)
	}

	entries := make([]Entry, 0, len(records))
	for _, rec := range records {
		volume := normalizeVolume(rec.VolumeName)
		if volume == "" || rec.ID == "" {
			continue
		}
		created, err := parseInstallDate(rec.InstallDate)
		if err != nil {
			return nil, fmt.Errorf("snapshot %s: %w", rec.ID, err)
		}
		entries = append(entries, Entry{
			ID:         rec.ID,
			Volume:     volume,
			DevicePath: rec.DeviceObject,
			Created:    created,
		})
	}
	return entries, nil
}

var msDatePattern = regexp.MustCompile(`^/Date\((-?\d+)(?:[+-]\d{4})?\)/$`)

// parseInstallDate accepts RFC 3339 timestamps and the /Date(ms)/ form
// produced by older ConvertTo-Json versions.
func parseInstallDate(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if m := msDatePattern.FindStringSubmatch(s); m != nil {
		ms, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			return time.Time{}, err
		}
		return time.UnixMilli(ms).UTC(), nil
	}
	t, err := time.Parse(time.RFC3339Nano, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid install date %q", s)
	}
	return t, nil
}
