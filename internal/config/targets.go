package config

import (
	"fmt"
	"strings"

	"gopkg.in/yaml.v3"
)

// Supported backup-target types.
const (
	TargetLocal = "local"
	TargetSFTP  = "sftp"
	TargetS3    = "s3"
)

// TargetDefinition describes where a finished archive is shipped.
type TargetDefinition struct {
	Type string `yaml:"type"`
	Path string `yaml:"path"` // directory (local, sftp) or key prefix (s3)

	// SFTP
	Host            string `yaml:"host"`
	Port            int    `yaml:"port"`
	User            string `yaml:"user"`
	Password        string `yaml:"password"`
	KeyPath         string `yaml:"key_path"`
	KnownHostsPath  string `yaml:"known_hosts"`
	TrustOnFirstUse bool   `yaml:"trust_on_first_use"`

	// S3
	Bucket    string `yaml:"bucket"`
	Region    string `yaml:"region"`
	Endpoint  string `yaml:"endpoint"`
	AccessKey string `yaml:"access_key"`
	SecretKey string `yaml:"secret_key"`

	// RetentionCount prunes the target after upload; 0 keeps everything.
	RetentionCount int `yaml:"retention_count"`
}

// ResolvedTarget is a validated target referenced by a job.
type ResolvedTarget struct {
	Name       string
	Definition TargetDefinition
}

// Validate reports the first missing or inconsistent field.
func (d *TargetDefinition) Validate() error {
	d.Type = strings.ToLower(strings.TrimSpace(d.Type))
	switch d.Type {
	case TargetLocal:
		if strings.TrimSpace(d.Path) == "" {
			return fmt.Errorf("local target requires path")
		}
	case TargetSFTP:
		if d.Host == "" || d.User == "" {
			return fmt.Errorf("sftp target requires host and user")
		}
		if d.Password == "" && d.KeyPath == "" {
			return fmt.Errorf("sftp target requires password or key_path")
		}
		if d.Port == 0 {
			d.Port = 22
		}
		if d.Port < 0 || d.Port > 65535 {
			return fmt.Errorf("sftp target port out of range: %d", d.Port)
		}
	case TargetS3:
		if d.Bucket == "" {
			return fmt.Errorf("s3 target requires bucket")
		}
		if d.Region == "" && d.Endpoint == "" {
			return fmt.Errorf("s3 target requires region or endpoint")
		}
	case "":
		return fmt.Errorf("target type is missing")
	default:
		return fmt.Errorf("unsupported target type %q", d.Type)
	}
	if d.RetentionCount < 0 {
		d.RetentionCount = 0
	}
	return nil
}

func decodeTarget(node yaml.Node) (TargetDefinition, error) {
	var def TargetDefinition
	if node.Kind != yaml.MappingNode {
		return def, fmt.Errorf("definition is not a mapping")
	}
	if err := node.Decode(&def); err != nil {
		return def, err
	}
	if err := def.Validate(); err != nil {
		return def, err
	}
	return def, nil
}
