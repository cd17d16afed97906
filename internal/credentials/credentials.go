// Package credentials materializes the archive password into a temporary
// file for the lifetime of one job and removes it afterwards.
package credentials

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"filippo.io/age"

	"github.com/tis24dev/jobsave/internal/config"
	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
)

// PasswordFileName is the name of the materialized password file.
const PasswordFileName = "archive.pw"

// Material is the temporary credential material of one job run.
type Material struct {
	PasswordFile string
	dir          string
}

// Cleanup overwrites and removes the password file. It is safe to call more
// than once and on a nil Material.
func (m *Material) Cleanup() error {
	if m == nil || m.dir == "" {
		return nil
	}
	if info, err := os.Stat(m.PasswordFile); err == nil {
		_ = os.WriteFile(m.PasswordFile, make([]byte, info.Size()), 0o600)
	}
	err := os.RemoveAll(m.dir)
	m.dir = ""
	m.PasswordFile = ""
	return err
}

// Provider resolves the archive password from the environment or an
// age-encrypted vault.
type Provider struct {
	logger *logging.Logger
	getenv func(string) string
}

// NewProvider creates a Provider reading the process environment.
func NewProvider(logger *logging.Logger) *Provider {
	return &Provider{logger: logger, getenv: os.Getenv}
}

// Materialize writes the password described by settings into a private
// temporary directory under tempDir (os.TempDir() when empty). When the
// password is disabled an empty Material is returned. Failures are fatal
// credential errors.
func (p *Provider) Materialize(settings config.PasswordSettings, tempDir string) (*Material, error) {
	if !settings.Enabled {
		return &Material{}, nil
	}
	password, source, err := p.password(settings)
	if err != nil {
		return nil, types.Fatal(types.KindCredential, "password", err)
	}
	defer wipe(password)

	dir, err := os.MkdirTemp(tempDir, "jobsave-cred-")
	if err != nil {
		return nil, types.Fatal(types.KindCredential, "temp dir", err)
	}
	m := &Material{PasswordFile: filepath.Join(dir, PasswordFileName), dir: dir}
	if err := os.WriteFile(m.PasswordFile, password, 0o600); err != nil {
		m.Cleanup()
		return nil, types.Fatal(types.KindCredential, "write password file", err)
	}
	p.logger.Debug("Archive password loaded from %s", source)
	return m, nil
}

func (p *Provider) password(s config.PasswordSettings) ([]byte, string, error) {
	if s.VaultPath != "" {
		identities, err := p.identities(s)
		if err != nil {
			return nil, "", err
		}
		pw, err := OpenVault(s.VaultPath, identities...)
		if err != nil {
			return nil, "", err
		}
		return pw, "vault " + s.VaultPath, nil
	}
	if s.EnvVar == "" {
		return nil, "", errors.New("no password source configured")
	}
	value := p.getenv(s.EnvVar)
	if value == "" {
		return nil, "", fmt.Errorf("environment variable %s is empty or not set", s.EnvVar)
	}
	return []byte(value), "environment variable " + s.EnvVar, nil
}

func (p *Provider) identities(s config.PasswordSettings) ([]age.Identity, error) {
	if s.IdentityPath != "" {
		f, err := os.Open(s.IdentityPath)
		if err != nil {
			return nil, fmt.Errorf("open identity file: %w", err)
		}
		defer f.Close()
		ids, err := age.ParseIdentities(f)
		if err != nil {
			return nil, fmt.Errorf("parse identity file %s: %w", s.IdentityPath, err)
		}
		return ids, nil
	}
	if s.PassphraseEnv != "" {
		passphrase := p.getenv(s.PassphraseEnv)
		if passphrase == "" {
			return nil, fmt.Errorf("environment variable %s is empty or not set", s.PassphraseEnv)
		}
		id, err := age.NewScryptIdentity(passphrase)
		if err != nil {
			return nil, err
		}
		return []age.Identity{id}, nil
	}
	return nil, errors.New("password vault requires password_identity or password_passphrase_env")
}

// OpenVault decrypts the vault at path. A single trailing newline is
// stripped from the password.
func OpenVault(path string, identities ...age.Identity) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open password vault: %w", err)
	}
	defer f.Close()
	r, err := age.Decrypt(f, identities...)
	if err != nil {
		return nil, fmt.Errorf("decrypt password vault: %w", err)
	}
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, fmt.Errorf("read password vault: %w", err)
	}
	data = bytes.TrimSuffix(data, []byte("\n"))
	data = bytes.TrimSuffix(data, []byte("\r"))
	if len(data) == 0 {
		return nil, errors.New("password vault is empty")
	}
	return data, nil
}

// Seal encrypts password into a vault at path, readable by recipients.
func Seal(path string, password []byte, recipients ...age.Recipient) error {
	if len(recipients) == 0 {
		return errors.New("no recipients")
	}
	var buf bytes.Buffer
	w, err := age.Encrypt(&buf, recipients...)
	if err != nil {
		return fmt.Errorf("initialize age encryption: %w", err)
	}
	if _, err := w.Write(password); err != nil {
		return err
	}
	if err := w.Close(); err != nil {
		return err
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, buf.Bytes(), 0o600); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

// ParseRecipient accepts an age X25519 recipient ("age1...").
func ParseRecipient(s string) (age.Recipient, error) {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "age1") {
		return nil, fmt.Errorf("invalid age recipient %q", s)
	}
	return age.ParseX25519Recipient(s)
}

// PassphraseRecipient returns a scrypt recipient for passphrase.
func PassphraseRecipient(passphrase string) (age.Recipient, error) {
	return age.NewScryptRecipient(passphrase)
}

func wipe(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
