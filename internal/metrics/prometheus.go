// Package metrics exports per-job statistics in the node_exporter textfile
// format.
package metrics

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/tis24dev/jobsave/internal/logging"
	"github.com/tis24dev/jobsave/internal/types"
	"github.com/tis24dev/jobsave/internal/version"
	"github.com/tis24dev/jobsave/pkg/utils"
)

const namespace = "jobsave"

// JobMetrics is the snapshot of one job run exported as gauges.
type JobMetrics struct {
	Job string
	Set string

	Status    types.JobStatus
	StartTime time.Time
	EndTime   time.Time

	ArchiverExitCode int
	Attempts         int
	ArchiveSize      int64
	RetentionDeleted int
	TargetsOK        int
	TargetsFailed    int
	HookFailures     int
	Warnings         int64
	Errors           int64
	SnapshotUsed     bool
	DryRun           bool
}

// PrometheusExporter writes job metrics to <dir>/jobsave_<job>.prom.
type PrometheusExporter struct {
	textfileDir string
	logger      *logging.Logger
	hostname    string
}

// NewPrometheusExporter creates an exporter writing into textfileDir.
func NewPrometheusExporter(textfileDir string, logger *logging.Logger) *PrometheusExporter {
	host, _ := os.Hostname()
	return &PrometheusExporter{
		textfileDir: strings.TrimRight(textfileDir, `/\`),
		logger:      logger,
		hostname:    host,
	}
}

// FileName returns the textfile name used for job.
func FileName(job string) string {
	return fmt.Sprintf("%s_%s.prom", namespace, logging.SanitizeName(job, "job"))
}

// Export replaces the textfile of m.Job atomically.
func (pe *PrometheusExporter) Export(m *JobMetrics) error {
	if pe == nil || m == nil {
		return nil
	}
	if pe.textfileDir == "" {
		return fmt.Errorf("metrics textfile directory is empty")
	}
	if err := utils.EnsureDir(pe.textfileDir, 0o755); err != nil {
		return fmt.Errorf("metrics directory: %w", err)
	}

	registry := prometheus.NewRegistry()
	labels := prometheus.Labels{"job": m.Job}
	gauge := func(name, help string, value float64) {
		g := prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace:   namespace,
			Name:        name,
			Help:        help,
			ConstLabels: labels,
		})
		g.Set(value)
		registry.MustRegister(g)
	}

	end := m.EndTime
	if end.IsZero() {
		end = m.StartTime
	}
	gauge("start_time_seconds", "Unix timestamp of the last run start", float64(m.StartTime.Unix()))
	gauge("end_time_seconds", "Unix timestamp of the last run end", float64(end.Unix()))
	gauge("duration_seconds", "Duration of the last run in seconds", end.Sub(m.StartTime).Seconds())
	gauge("status", "Status of the last run (0=success,1=warnings,2=failure)", float64(m.Status.Severity()))
	gauge("archiver_exit_code", "Exit code of the last archiver invocation", float64(m.ArchiverExitCode))
	gauge("archiver_attempts", "Archiver attempts used by the last run", float64(m.Attempts))
	gauge("archive_size_bytes", "Size of the archive produced by the last run", float64(m.ArchiveSize))
	gauge("retention_deleted", "Archives removed by retention in the last run", float64(m.RetentionDeleted))
	gauge("hook_failures", "Hook scripts that failed in the last run", float64(m.HookFailures))
	gauge("warnings", "Warnings logged during the last run", float64(m.Warnings))
	gauge("errors", "Errors logged during the last run", float64(m.Errors))
	gauge("snapshot_used", "Whether the last run read from a volume snapshot", boolValue(m.SnapshotUsed))
	gauge("dry_run", "Whether the last run was simulated", boolValue(m.DryRun))

	transfers := prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "target_transfers",
		Help:        "Backup-target transfers of the last run by result",
		ConstLabels: labels,
	}, []string{"result"})
	transfers.WithLabelValues("ok").Set(float64(m.TargetsOK))
	transfers.WithLabelValues("failed").Set(float64(m.TargetsFailed))
	registry.MustRegister(transfers)

	info := prometheus.Labels{"job": m.Job, "hostname": pe.hostname, "version": version.String()}
	if m.Set != "" {
		info["set"] = m.Set
	}
	infoGauge := prometheus.NewGauge(prometheus.GaugeOpts{
		Namespace:   namespace,
		Name:        "info",
		Help:        "Static information about the job",
		ConstLabels: info,
	})
	infoGauge.Set(1)
	registry.MustRegister(infoGauge)

	finalPath := filepath.Join(pe.textfileDir, FileName(m.Job))
	if err := prometheus.WriteToTextfile(finalPath, registry); err != nil {
		return fmt.Errorf("write metrics file %s: %w", finalPath, err)
	}
	if pe.logger != nil {
		pe.logger.Debug("Prometheus metrics exported to %s", finalPath)
	}
	return nil
}

func boolValue(b bool) float64 {
	if b {
		return 1
	}
	return 0
}
