// Package snapshot coordinates point-in-time volume snapshots taken by an
// external snapshot tool and maps source paths onto the snapshot devices.
package snapshot

import (
	"sort"
	"strings"
	"time"
)

// State is the lifecycle position of a Session.
type State string

const (
	StateIdle      State = "idle"
	StateRequested State = "requested"
	StateCreated   State = "created"
	StatePolling   State = "polling"
	StateMapped    State = "mapped"
	StateFailed    State = "failed"
	StateReleased  State = "released"
)

// Session tracks the snapshots taken for one job run.
type Session struct {
	ID        string
	Volumes   []string
	CreatedAt time.Time
	State     State

	// SnapshotIDs maps volume -> snapshot id for every snapshot discovered,
	// including those found before a failure.
	SnapshotIDs map[string]string
	// DevicePaths maps volume -> snapshot device path.
	DevicePaths map[string]string
	// PathMap maps original source path -> path inside the snapshot. Only
	// paths whose volume was resolved appear here.
	PathMap map[string]string

	scripts []string
}

func newSession(id string, sources []string, now time.Time) *Session {
	return &Session{
		ID:          id,
		Volumes:     VolumesOf(sources),
		CreatedAt:   now.Truncate(time.Second),
		State:       StateIdle,
		SnapshotIDs: make(map[string]string),
		DevicePaths: make(map[string]string),
		PathMap:     make(map[string]string),
	}
}

// Mapped reports whether every requested volume has a snapshot.
func (s *Session) Mapped() bool {
	return s != nil && s.State == StateMapped
}

// Path returns the snapshot path for source, or source itself when it is not
// mapped.
func (s *Session) Path(source string) string {
	if s == nil {
		return source
	}
	if p, ok := s.PathMap[source]; ok {
		return p
	}
	return source
}

// Paths applies Path to every source, preserving order.
func (s *Session) Paths(sources []string) []string {
	out := make([]string, len(sources))
	for i, src := range sources {
		out[i] = s.Path(src)
	}
	return out
}

func (s *Session) snapshotIDs() []string {
	ids := make([]string, 0, len(s.SnapshotIDs))
	for _, id := range s.SnapshotIDs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// VolumeOf returns the drive prefix of path ("C:" for `c:\data`), or "" when
// the path carries none.
func VolumeOf(path string) string {
	if len(path) < 2 || path[1] != ':' {
		return ""
	}
	c := path[0]
	if !(c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z') {
		return ""
	}
	return strings.ToUpper(path[:2])
}

// VolumesOf returns the distinct volumes of paths in first-seen order.
func VolumesOf(paths []string) []string {
	var volumes []string
	seen := make(map[string]bool)
	for _, p := range paths {
		v := VolumeOf(p)
		if v == "" || seen[v] {
			continue
		}
		seen[v] = true
		volumes = append(volumes, v)
	}
	return volumes
}

// Substitute replaces the volume prefix of path with device, keeping the rest
// of the path intact.
func Substitute(path, device string) string {
	if VolumeOf(path) == "" {
		return path
	}
	return strings.TrimRight(device, `\`) + path[2:]
}

// normalizeVolume turns inventory spellings such as `c:\` into "C:".
func normalizeVolume(v string) string {
	v = strings.TrimRight(strings.TrimSpace(v), `\/`)
	return VolumeOf(v)
}
