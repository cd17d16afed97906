package storage

import (
	"context"
	"crypto/ed25519"
	"crypto/rand"
	"errors"
	"net"
	"os"
	"path/filepath"
	"runtime"
	"strings"
	"testing"
	"time"

	"golang.org/x/crypto/ssh"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/pkg/utils"
)

func TestLocalTargetUploadListDelete(t *testing.T) {
	logger, _ := newTestLogger()
	src := filepath.Join(t.TempDir(), "Docs [1].7z")
	if err := os.WriteFile(src, []byte("archive"), 0o600); err != nil {
		t.Fatal(err)
	}
	base := filepath.Join(t.TempDir(), "mirror")
	target := NewLocalTarget(logger, base)

	remote, err := target.Upload(context.Background(), src)
	if err != nil {
		t.Fatalf("Upload: %v", err)
	}
	data, err := os.ReadFile(remote)
	if err != nil || string(data) != "archive" {
		t.Fatalf("copied data = %q, %v", data, err)
	}
	files, err := target.List(context.Background())
	if err != nil || len(files) != 1 || files[0].Name != "Docs [1].7z" || files[0].Size != 7 {
		t.Fatalf("List = %+v, %v", files, err)
	}
	if err := target.Delete(context.Background(), "Docs [1].7z"); err != nil {
		t.Fatalf("Delete: %v", err)
	}
	if files, _ := target.List(context.Background()); len(files) != 0 {
		t.Fatalf("file not deleted: %+v", files)
	}
}

type memTarget struct {
	files     []RemoteFile
	uploadErr error
	deleted   []string
	closed    bool
}

func (m *memTarget) Type() string { return "mem" }
func (m *memTarget) Close() error { m.closed = true; return nil }

func (m *memTarget) Upload(_ context.Context, localPath string) (string, error) {
	if m.uploadErr != nil {
		return "", m.uploadErr
	}
	m.files = append(m.files, RemoteFile{Name: filepath.Base(localPath), Modified: time.Now()})
	return "mem://" + filepath.Base(localPath), nil
}

func (m *memTarget) List(context.Context) ([]RemoteFile, error) { return m.files, nil }

func (m *memTarget) Delete(_ context.Context, name string) error {
	m.deleted = append(m.deleted, name)
	return nil
}

func TestShipperContinuesAfterFailure(t *testing.T) {
	logger, _ := newTestLogger()
	src := filepath.Join(t.TempDir(), "Docs [new].7z")
	if err := os.WriteFile(src, []byte("data"), 0o600); err != nil {
		t.Fatal(err)
	}

	old := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	good := &memTarget{files: []RemoteFile{
		{Name: "Docs [a].7z", Modified: old},
		{Name: "Docs [b].7z", Modified: old.Add(time.Hour)},
		{Name: "unrelated.bin", Modified: old},
	}}
	bad := &memTarget{uploadErr: errors.New("quota exceeded")}
	s := NewShipper(logger, false)
	s.open = func(_ context.Context, _ *logging.Logger, def config.TargetDefinition) (Target, error) {
		switch def.Path {
		case "bad":
			return bad, nil
		case "unreachable":
			return nil, errors.New("connection refused")
		}
		return good, nil
	}

	targets := []config.ResolvedTarget{
		{Name: "broken", Definition: config.TargetDefinition{Type: "local", Path: "bad"}},
		{Name: "offline", Definition: config.TargetDefinition{Type: "sftp", Path: "unreachable"}},
		{Name: "mirror", Definition: config.TargetDefinition{Type: "local", Path: "good", RetentionCount: 2}},
	}
	results := s.Ship(context.Background(), targets, src, "Docs", ".7z")
	if len(results) != 3 {
		t.Fatalf("results = %+v", results)
	}
	for _, r := range results[:2] {
		if r.Err == nil || types.IsFatal(r.Err) || types.KindOf(r.Err) != types.KindTarget {
			t.Fatalf("expected recoverable target error for %s, got %v", r.Target, r.Err)
		}
	}
	if results[2].Err != nil || results[2].Remote != "mem://Docs [new].7z" || results[2].Bytes != 4 {
		t.Fatalf("mirror result = %+v", results[2])
	}
	if results[2].Pruned != 1 || len(good.deleted) != 1 || good.deleted[0] != "Docs [a].7z" {
		t.Fatalf("remote retention should delete the oldest archive only: %+v", good.deleted)
	}
	if !bad.closed || !good.closed {
		t.Fatal("targets should be closed after use")
	}
}

func TestShipperDryRun(t *testing.T) {
	logger, buf := newTestLogger()
	s := NewShipper(logger, true)
	s.open = func(context.Context, *logging.Logger, config.TargetDefinition) (Target, error) {
		t.Fatal("dry run must not connect")
		return nil, nil
	}
	results := s.Ship(context.Background(), []config.ResolvedTarget{{Name: "m", Definition: config.TargetDefinition{Type: "local"}}}, "x.7z", "x", ".7z")
	if len(results) != 1 || results[0].Err != nil {
		t.Fatalf("results = %+v", results)
	}
	if !strings.Contains(buf.String(), "[DRY RUN] Would upload") {
		t.Fatalf("dry run not logged:\n%s", buf.String())
	}
}

func TestHostKeyCallbackTrustOnFirstUse(t *testing.T) {
	logger, _ := newTestLogger()
	path := filepath.Join(t.TempDir(), "ssh", "known_hosts")
	remote := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 2222}

	key := newHostKey(t)
	cb, err := hostKeyCallback(logger, path, true)
	if err != nil {
		t.Fatalf("hostKeyCallback: %v", err)
	}
	if err := cb("backup.example:2222", remote, key); err != nil {
		t.Fatalf("first use should be accepted: %v", err)
	}
	data, _ := os.ReadFile(path)
	if !strings.Contains(string(data), "[backup.example]:2222") {
		t.Fatalf("known_hosts not updated:\n%s", data)
	}

	// reload: same key accepted, different key rejected
	cb, err = hostKeyCallback(logger, path, true)
	if err != nil {
		t.Fatal(err)
	}
	if err := cb("backup.example:2222", remote, key); err != nil {
		t.Fatalf("known key rejected: %v", err)
	}
	if err := cb("backup.example:2222", remote, newHostKey(t)); err == nil || !strings.Contains(err.Error(), "changed") {
		t.Fatalf("changed key should be rejected, got %v", err)
	}
}

func TestHostKeyCallbackStrict(t *testing.T) {
	logger, _ := newTestLogger()
	path := filepath.Join(t.TempDir(), "known_hosts")
	cb, err := hostKeyCallback(logger, path, false)
	if err != nil {
		t.Fatal(err)
	}
	remote := &net.TCPAddr{IP: net.ParseIP("192.0.2.10"), Port: 22}
	if err := cb("backup.example:22", remote, newHostKey(t)); err == nil {
		t.Fatal("unknown host should be rejected without trust_on_first_use")
	}
}

func TestDefaultKnownHostsFileIsPrivate(t *testing.T) {
	if DefaultKnownHostsFile != utils.AppDataDir("known_hosts") {
		t.Fatalf("DefaultKnownHostsFile = %q, want the application data dir", DefaultKnownHostsFile)
	}
	if rel, err := filepath.Rel(os.TempDir(), DefaultKnownHostsFile); err == nil && !strings.HasPrefix(rel, "..") {
		t.Fatalf("DefaultKnownHostsFile %q is under the shared temp dir", DefaultKnownHostsFile)
	}
}

func TestKnownHostsDirectoryIsOwnerOnly(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("POSIX permissions")
	}
	path := filepath.Join(t.TempDir(), "jobsave", "known_hosts")
	if err := ensureKnownHostsFile(path); err != nil {
		t.Fatalf("ensureKnownHostsFile: %v", err)
	}
	info, err := os.Stat(filepath.Dir(path))
	if err != nil {
		t.Fatal(err)
	}
	if perm := info.Mode().Perm(); perm&0o077 != 0 {
		t.Fatalf("known_hosts directory mode = %o, want owner-only", perm)
	}
}

func newHostKey(t *testing.T) ssh.PublicKey {
	t.Helper()
	pub, _, err := ed25519.GenerateKey(rand.Reader)
	if err != nil {
		t.Fatal(err)
	}
	key, err := ssh.NewPublicKey(pub)
	if err != nil {
		t.Fatal(err)
	}
	return key
}
