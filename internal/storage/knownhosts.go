package storage

import (
	"errors"
	"fmt"
	"net"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// hostKeyCallback verifies server keys against knownHostsPath. Unknown hosts
// are appended to the file when trustOnFirstUse is set; changed keys are
// always rejected.
func hostKeyCallback(logger *logging.Logger, knownHostsPath string, trustOnFirstUse bool) (ssh.HostKeyCallback, error) {
	if strings.TrimSpace(knownHostsPath) == "" {
		return nil, fmt.Errorf("known_hosts path is required")
	}
	if err := ensureKnownHostsFile(knownHostsPath); err != nil {
		return nil, err
	}
	base, err := knownhosts.New(knownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to read known_hosts: %w", err)
	}

	return func(hostname string, remote net.Addr, key ssh.PublicKey) error {
		err := base(hostname, remote, key)
		if err == nil {
			return nil
		}
		var keyErr *knownhosts.KeyError
		if !errors.As(err, &keyErr) {
			return err
		}
		if len(keyErr.Want) > 0 {
			logger.Warning("SSH host key for %s changed (%s)", hostname, ssh.FingerprintSHA256(key))
			return fmt.Errorf("SSH host key changed for %s", hostname)
		}
		if !trustOnFirstUse {
			return fmt.Errorf("unknown SSH host key for %s", hostname)
		}
		if err := appendKnownHost(knownHostsPath, hostname, remote, key); err != nil {
			return err
		}
		logger.Info("Accepted SSH host key for %s (%s)", hostname, ssh.FingerprintSHA256(key))
		return nil
	}, nil
}

func ensureKnownHostsFile(path string) error {
	if err := utils.EnsureDir(filepath.Dir(path), 0o700); err != nil {
		return fmt.Errorf("failed to create known_hosts directory: %w", err)
	}
	if _, err := os.Stat(path); err == nil {
		return nil
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_EXCL|os.O_WRONLY, 0o600)
	if err != nil && !os.IsExist(err) {
		return fmt.Errorf("failed to create known_hosts file: %w", err)
	}
	if f != nil {
		return f.Close()
	}
	return nil
}

func appendKnownHost(path, hostname string, remote net.Addr, key ssh.PublicKey) error {
	line := knownhosts.Line(knownHostsEntries(hostname, remote), key) + "\n"
	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o600)
	if err != nil {
		return fmt.Errorf("failed to open known_hosts file: %w", err)
	}
	defer f.Close()
	if _, err := f.WriteString(line); err != nil {
		return fmt.Errorf("failed to write known_hosts entry: %w", err)
	}
	return nil
}

// knownHostsEntries lists the host name and, when different, the remote
// address, in the form knownhosts.Normalize expects.
func knownHostsEntries(hostname string, remote net.Addr) []string {
	var entries []string
	if hostname != "" {
		entries = append(entries, knownhosts.Normalize(hostname))
	}
	if remote != nil {
		addr := knownhosts.Normalize(remote.String())
		if len(entries) == 0 || addr != entries[0] {
			entries = append(entries, addr)
		}
	}
	return entries
}
