// Package archive drives the external 7-Zip compatible archiver.
package archive

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/tis24dev/jobsave/internal/config"
)

// DefaultExclusions are always passed to the archiver.
var DefaultExclusions = []string{
	"-x!$RECYCLE.BIN",
	"-x!System Volume Information",
	"-xr!Thumbs.db",
}

// NormalizeExclusion turns a user pattern into an archiver switch. Patterns
// already carrying a -x or -i switch are kept as they are; bare patterns
// become recursive exclusions ("*.tmp" -> "-xr!*.tmp").
func NormalizeExclusion(pattern string) string {
	pattern = strings.TrimSpace(pattern)
	if pattern == "" {
		return ""
	}
	if strings.HasPrefix(pattern, "-x") || strings.HasPrefix(pattern, "-i") {
		return pattern
	}
	return "-xr!" + pattern
}

// CompressionArgs returns the -t and -m switches for cfg. Unset parameters
// are left to the archiver's defaults.
func CompressionArgs(cfg *config.EffectiveJobConfig) []string {
	args := []string{"-t" + cfg.ArchiveFormat}
	if cfg.CompressionLevel != nil {
		args = append(args, "-mx="+strconv.Itoa(*cfg.CompressionLevel))
	}
	if cfg.CompressionMethod != "" {
		args = append(args, "-m0="+cfg.CompressionMethod)
	}
	if cfg.DictionarySize != "" {
		args = append(args, "-md="+cfg.DictionarySize)
	}
	if cfg.WordSize != "" {
		args = append(args, "-mfb="+cfg.WordSize)
	}
	if cfg.SolidBlockSize != "" {
		args = append(args, "-ms="+cfg.SolidBlockSize)
	}
	if cfg.Threads > 0 {
		args = append(args, fmt.Sprintf("-mmt=%d", cfg.Threads))
	} else {
		args = append(args, "-mmt=on")
	}
	return args
}

// CreateArgs builds the full argument list of an "a" (add) invocation.
func CreateArgs(cfg *config.EffectiveJobConfig, sources []string, archivePath, passwordFile string) []string {
	args := []string{"a"}
	args = append(args, CompressionArgs(cfg)...)
	args = append(args, DefaultExclusions...)
	for _, pattern := range cfg.Exclusions {
		if sw := NormalizeExclusion(pattern); sw != "" {
			args = append(args, sw)
		}
	}
	if passwordFile != "" {
		args = append(args, "-p@"+passwordFile)
	}
	args = append(args, archivePath)
	return append(args, sources...)
}

// TestArgs builds the argument list of a "t" (test) invocation.
func TestArgs(archivePath, passwordFile string) []string {
	args := []string{"t", archivePath}
	if passwordFile != "" {
		args = append(args, "-p@"+passwordFile)
	}
	return args
}

// redact hides the password file location in logged command lines.
func redact(args []string) string {
	out := make([]string, len(args))
	for i, a := range args {
		if strings.HasPrefix(a, "-p@") {
			a = "-p@***"
		}
		out[i] = a
	}
	return strings.Join(out, " ")
}
