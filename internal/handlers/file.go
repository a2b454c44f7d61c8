package handlers

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"layerlog/internal/metrics"
	"layerlog/internal/render"
	"layerlog/pkg/durable"
	delerrors "layerlog/pkg/errors"
	"layerlog/pkg/types"

	"github.com/sirupsen/logrus"
)

const fileMode = 0o644

// FileHandler appends rendered records to one destination file through
// the durable write primitives: every batch is a backup, an atomic
// full-file replace, then a backup confirmation. A write that dies
// mid-flight leaves either the previous content or the new content,
// never a torn file.
type FileHandler struct {
	name        string
	path        string
	failFast    bool
	format      durable.Format
	maxFileSize int64
	renderer    types.Renderer
	backups     *durable.BackupManager
	logger      *logrus.Logger
	health      *healthTracker

	// mu serializes all writes to the destination file.
	mu sync.Mutex
}

// NewFileHandler creates the handler and runs startup recovery on its
// destination file: orphaned temp files are removed and a corrupt tail
// is cut back to the last complete record (or the newest backup when
// nothing is salvageable).
func NewFileHandler(cfg types.FileHandlerConfig, durableCfg types.DurableConfig, unhealthyThreshold int, logger *logrus.Logger) (*FileHandler, error) {
	if cfg.Path == "" {
		return nil, fmt.Errorf("file handler: no path configured")
	}
	name := cfg.Name
	if name == "" {
		name = "file:" + filepath.Base(cfg.Path)
	}

	renderer, err := render.NewRenderer(cfg.Format)
	if err != nil {
		return nil, fmt.Errorf("file handler %s: %w", name, err)
	}
	backups, err := durable.NewBackupManager(durableCfg, logger)
	if err != nil {
		return nil, fmt.Errorf("file handler %s: %w", name, err)
	}

	if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o755); err != nil {
		return nil, fmt.Errorf("file handler %s: %w", name, err)
	}

	maxFileSize := cfg.MaxFileSize
	if maxFileSize <= 0 {
		maxFileSize = 100 // MB
	}

	h := &FileHandler{
		name:        name,
		path:        cfg.Path,
		failFast:    cfg.FailFast,
		format:      formatFor(renderer.Format()),
		maxFileSize: maxFileSize * 1024 * 1024,
		renderer:    renderer,
		backups:     backups,
		logger:      logger,
		health:      newHealthTracker(unhealthyThreshold),
	}
	h.recoverOnStartup()
	return h, nil
}

func formatFor(renderFormat string) durable.Format {
	switch renderFormat {
	case "json":
		return durable.FormatRecords
	case "csv":
		return durable.FormatTabular
	}
	return durable.FormatLines
}

// recoverOnStartup repairs the destination file before the first write.
func (h *FileHandler) recoverOnStartup() {
	if removed, err := durable.CleanupOrphans(filepath.Dir(h.path)); err == nil && removed > 0 {
		h.logger.WithFields(logrus.Fields{
			"handler": h.name,
			"removed": removed,
		}).Info("Removed orphaned temp files")
	}

	if !durable.IsCorrupt(h.path, h.format) {
		return
	}

	records, discarded, fromBackup, err := durable.RecoverOrRestore(h.path, h.format, h.backups)
	if err != nil {
		h.logger.WithError(err).WithField("handler", h.name).Error("Startup recovery failed, truncating destination")
		metrics.RecordError("file_handler", delerrors.ClassIntegrity.String())
		return
	}

	var buf bytes.Buffer
	for _, line := range records {
		buf.Write(line)
		buf.WriteByte('\n')
	}
	if werr := durable.AtomicWrite(h.path, buf.Bytes(), fileMode); werr != nil {
		h.logger.WithError(werr).WithField("handler", h.name).Error("Failed to rewrite recovered destination")
		metrics.RecordError("file_handler", delerrors.ClassIntegrity.String())
		return
	}

	metrics.RecordError("file_handler", delerrors.ClassIntegrity.String())
	h.logger.WithFields(logrus.Fields{
		"handler":         h.name,
		"recovered_lines": len(records),
		"discarded_bytes": discarded,
		"from_backup":     fromBackup,
	}).Warn("Destination file recovered on startup")
}

func (h *FileHandler) Name() string   { return h.name }
func (h *FileHandler) FailFast() bool { return h.failFast }
func (h *FileHandler) Healthy() bool  { return h.health.healthy() }
func (h *FileHandler) Close() error   { return nil }

// Write renders the whole batch and appends it in one durable replace.
func (h *FileHandler) Write(ctx context.Context, batch *types.Batch) types.HandlerOutcome {
	out := types.HandlerOutcome{Handler: h.name}

	var payload bytes.Buffer
	rendered := make([]uint64, 0, len(batch.Items))
	for _, item := range batch.Items {
		line, err := h.renderer.Render(item.Record)
		if err != nil {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: item.Record.Seq, Reason: err.Error()})
			continue
		}
		payload.Write(line)
		rendered = append(rendered, item.Record.Seq)
	}
	if len(rendered) == 0 {
		return out
	}

	if err := ctx.Err(); err != nil {
		h.health.fail()
		return failAll(h.name, batch, err.Error())
	}

	if err := h.appendDurably(payload.Bytes()); err != nil {
		h.health.fail()
		metrics.RecordError("file_handler", delerrors.ClassOf(err).String())
		for _, seq := range rendered {
			out.Failed = append(out.Failed, types.ItemFailure{Seq: seq, Reason: err.Error()})
		}
		return out
	}

	h.health.ok()
	out.Succeeded = len(rendered)
	return out
}

// WriteDirect appends one item inline, with the same durability as the
// batch path.
func (h *FileHandler) WriteDirect(ctx context.Context, item types.QueueItem) error {
	line, err := h.renderer.Render(item.Record)
	if err != nil {
		return delerrors.Permanent(h.name, "render", err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := h.appendDurably(line); err != nil {
		h.health.fail()
		return err
	}
	h.health.ok()
	return nil
}

// appendDurably performs the backup / replace / confirm cycle. On a
// failed replace the unconfirmed backup stays on disk, preserving the
// pre-write content for the next startup recovery.
func (h *FileHandler) appendDurably(payload []byte) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	existing, err := os.ReadFile(h.path)
	if err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("read %s: %w", h.path, err)
	}

	// Rotation bounds the read-rewrite cycle: once the destination
	// would grow past the limit it is renamed aside and the new payload
	// starts a fresh file.
	if len(existing) > 0 && int64(len(existing)+len(payload)) > h.maxFileSize {
		if rerr := h.rotateLocked(); rerr != nil {
			h.logger.WithError(rerr).WithField("handler", h.name).Error("Rotation failed, appending to oversized file")
		} else {
			existing = nil
		}
	}

	entry, err := h.backups.Backup(h.path)
	if err != nil {
		return fmt.Errorf("backup %s: %w", h.path, err)
	}

	next := make([]byte, 0, len(existing)+len(payload))
	next = append(next, existing...)
	next = append(next, payload...)

	if err := durable.AtomicWrite(h.path, next, fileMode); err != nil {
		return err
	}

	if entry != nil {
		h.backups.Confirm(entry)
	}
	return nil
}

// rotateLocked renames the grown destination to a timestamped sibling.
// Requires h.mu.
func (h *FileHandler) rotateLocked() error {
	rotated := fmt.Sprintf("%s.%s", h.path, time.Now().UTC().Format("20060102T150405.000000000"))
	if err := os.Rename(h.path, rotated); err != nil {
		return fmt.Errorf("rotate %s: %w", h.path, err)
	}
	h.logger.WithFields(logrus.Fields{
		"handler": h.name,
		"rotated": rotated,
	}).Info("Destination file rotated")
	return nil
}
