package storage

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"path/filepath"
	"strconv"
	"time"

	"github.com/pkg/sftp"
	"golang.org/x/crypto/ssh"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/pkg/utils"
)

// DefaultKnownHostsFile is used when an SFTP target sets no known_hosts path.
// It lives in the per-user application directory.
var DefaultKnownHostsFile = utils.AppDataDir("known_hosts")

// SFTPTarget uploads archives over SFTP.
type SFTPTarget struct {
	logger     *logging.Logger
	basePath   string
	sshClient  *ssh.Client
	sftpClient *sftp.Client
}

// NewSFTPTarget connects and authenticates to the server of def.
func NewSFTPTarget(ctx context.Context, logger *logging.Logger, def config.TargetDefinition) (*SFTPTarget, error) {
	knownHostsPath := def.KnownHostsPath
	if knownHostsPath == "" {
		knownHostsPath = DefaultKnownHostsFile
	}
	callback, err := hostKeyCallback(logger, knownHostsPath, def.TrustOnFirstUse)
	if err != nil {
		return nil, fmt.Errorf("failed to configure host key verification: %w", err)
	}

	sshConfig := &ssh.ClientConfig{
		User:            def.User,
		HostKeyCallback: callback,
		Timeout:         30 * time.Second,
	}
	switch {
	case def.KeyPath != "":
		keyData, err := os.ReadFile(def.KeyPath)
		if err != nil {
			return nil, fmt.Errorf("failed to read SSH key: %w", err)
		}
		signer, err := ssh.ParsePrivateKey(keyData)
		if err != nil {
			return nil, fmt.Errorf("failed to parse SSH key: %w", err)
		}
		sshConfig.Auth = []ssh.AuthMethod{ssh.PublicKeys(signer)}
	case def.Password != "":
		sshConfig.Auth = []ssh.AuthMethod{ssh.Password(def.Password)}
	default:
		return nil, fmt.Errorf("no authentication method provided for SFTP")
	}

	addr := net.JoinHostPort(def.Host, strconv.Itoa(def.Port))
	logger.Debug("Connecting to SFTP target %s as %s", addr, def.User)
	dialer := &net.Dialer{Timeout: sshConfig.Timeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to %s: %w", addr, err)
	}
	c, chans, reqs, err := ssh.NewClientConn(conn, addr, sshConfig)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("SSH handshake with %s failed: %w", addr, err)
	}
	sshClient := ssh.NewClient(c, chans, reqs)

	sftpClient, err := sftp.NewClient(sshClient,
		sftp.MaxPacketUnchecked(131072),
		sftp.UseConcurrentWrites(true),
		sftp.MaxConcurrentRequestsPerFile(64),
	)
	if err != nil {
		sshClient.Close()
		return nil, fmt.Errorf("failed to create SFTP client: %w", err)
	}

	t := &SFTPTarget{logger: logger, basePath: def.Path, sshClient: sshClient, sftpClient: sftpClient}
	if t.basePath == "" {
		t.basePath = "."
	}
	if err := sftpClient.MkdirAll(t.basePath); err != nil {
		t.Close()
		return nil, fmt.Errorf("failed to create base directory: %w", err)
	}
	return t, nil
}

func (t *SFTPTarget) Type() string { return "sftp" }

func (t *SFTPTarget) Close() error {
	if t.sftpClient != nil {
		t.sftpClient.Close()
	}
	if t.sshClient != nil {
		return t.sshClient.Close()
	}
	return nil
}

// Upload writes to a temporary name and renames it once the size matches.
func (t *SFTPTarget) Upload(ctx context.Context, localPath string) (string, error) {
	src, err := os.Open(localPath)
	if err != nil {
		return "", err
	}
	defer src.Close()
	info, err := src.Stat()
	if err != nil {
		return "", err
	}

	dest := path.Join(t.basePath, filepath.Base(localPath))
	tmp := dest + ".part"
	f, err := t.sftpClient.Create(tmp)
	if err != nil {
		return "", fmt.Errorf("failed to create remote file: %w", err)
	}
	written, err := io.Copy(f, &ctxReader{ctx: ctx, r: src})
	closeErr := f.Close()
	if err == nil {
		err = closeErr
	}
	if err == nil && written != info.Size() {
		err = fmt.Errorf("size mismatch: expected %d bytes, wrote %d bytes", info.Size(), written)
	}
	if err != nil {
		t.sftpClient.Remove(tmp)
		return "", fmt.Errorf("failed to write remote file: %w", err)
	}
	t.sftpClient.Remove(dest)
	if err := t.sftpClient.Rename(tmp, dest); err != nil {
		t.sftpClient.Remove(tmp)
		return "", fmt.Errorf("failed to finalize remote file: %w", err)
	}
	return "sftp://" + t.sshClient.RemoteAddr().String() + dest, nil
}

func (t *SFTPTarget) List(_ context.Context) ([]RemoteFile, error) {
	entries, err := t.sftpClient.ReadDir(t.basePath)
	if err != nil {
		return nil, fmt.Errorf("failed to read remote directory: %w", err)
	}
	var files []RemoteFile
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		files = append(files, RemoteFile{Name: entry.Name(), Size: entry.Size(), Modified: entry.ModTime()})
	}
	return files, nil
}

func (t *SFTPTarget) Delete(_ context.Context, name string) error {
	if err := t.sftpClient.Remove(path.Join(t.basePath, path.Base(name))); err != nil {
		return fmt.Errorf("failed to delete remote file: %w", err)
	}
	return nil
}
