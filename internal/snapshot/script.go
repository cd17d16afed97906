package snapshot

import (
	"fmt"
	"path/filepath"
	"strings"
)

// CreateScript renders the snapshot tool script that snapshots volumes.
func CreateScript(context, metadataDir, sessionID string, volumes []string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "SET CONTEXT %s\r\n", context)
	if metadataDir != "" {
		fmt.Fprintf(&b, "SET METADATA %s\\%s.cab\r\n", strings.TrimRight(metadataDir, `\/`), sessionID)
	}
	b.WriteString("SET VERBOSE ON\r\n")
	b.WriteString("BEGIN BACKUP\r\n")
	for _, v := range volumes {
		fmt.Fprintf(&b, "ADD VOLUME %s ALIAS %s\r\n", v, volumeAlias(v))
	}
	b.WriteString("CREATE\r\n")
	b.WriteString("END BACKUP\r\n")
	return b.String()
}

// ReleaseScript renders the script deleting the given snapshot ids.
func ReleaseScript(ids []string) string {
	var b strings.Builder
	for _, id := range ids {
		fmt.Fprintf(&b, "DELETE SHADOWS ID %s\r\n", id)
	}
	return b.String()
}

func volumeAlias(volume string) string {
	return "vol_" + strings.ToLower(strings.TrimSuffix(volume, ":"))
}

func scriptPattern(sessionID, kind string) string {
	return filepath.Base(fmt.Sprintf("jobsave-%s-%s-*.dsh", kind, sessionID))
}
