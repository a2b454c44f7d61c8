package pipeline

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"layerlog/internal/metrics"
	"layerlog/pkg/types"

	"github.com/golang/snappy"
	"github.com/sirupsen/logrus"
)

const (
	journalFileName   = "sidechannel.jsonl"
	archiveSuffix     = ".jsonl.sz"
	defaultJournalCap = 1024
)

// Event is one side-channel journal entry: an item the delivery paths
// could not place anywhere, with why and when.
type Event struct {
	Kind   string          `json:"kind"`
	Reason string          `json:"reason"`
	At     time.Time       `json:"at"`
	Item   types.QueueItem `json:"item"`
}

// Journal is the last-resort side channel. Writes are asynchronous and
// never block a delivery path: events go through a bounded channel and
// a single writer goroutine appends them as JSON lines. A full channel
// means the event is counted and lost; the side channel never creates
// backpressure of its own.
//
// The active file rotates at the size limit into a snappy-compressed
// archive segment; the oldest segments are pruned beyond the cap.
type Journal struct {
	dir         string
	maxFileSize int64
	maxSegments int
	logger      *logrus.Logger

	events chan Event

	mu   sync.Mutex
	file *os.File
	size int64

	cancel context.CancelFunc
	done   chan struct{}
}

// NewJournal creates the journal under cfg.Directory.
func NewJournal(cfg types.SideChannelConfig, logger *logrus.Logger) (*Journal, error) {
	if cfg.Directory == "" {
		cfg.Directory = "sidechannel"
	}
	if cfg.MaxFileSize <= 0 {
		cfg.MaxFileSize = 64 // MB
	}
	if cfg.MaxSegments <= 0 {
		cfg.MaxSegments = 8
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultJournalCap
	}
	if err := os.MkdirAll(cfg.Directory, 0o755); err != nil {
		return nil, fmt.Errorf("side channel: %w", err)
	}

	return &Journal{
		dir:         cfg.Directory,
		maxFileSize: cfg.MaxFileSize * 1024 * 1024,
		maxSegments: cfg.MaxSegments,
		logger:      logger,
		events:      make(chan Event, cfg.QueueSize),
	}, nil
}

// Start opens the active file and launches the writer.
func (j *Journal) Start(ctx context.Context) error {
	file, err := os.OpenFile(j.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return fmt.Errorf("side channel: %w", err)
	}
	info, err := file.Stat()
	if err != nil {
		file.Close()
		return fmt.Errorf("side channel: %w", err)
	}
	j.file = file
	j.size = info.Size()

	ctx, j.cancel = context.WithCancel(ctx)
	j.done = make(chan struct{})
	go j.run(ctx)
	return nil
}

// Stop drains buffered events and closes the file.
func (j *Journal) Stop() {
	if j.cancel == nil {
		return
	}
	j.cancel()
	<-j.done

	// Flush whatever raced the shutdown.
	for {
		select {
		case event := <-j.events:
			j.append(event)
		default:
			j.mu.Lock()
			if j.file != nil {
				j.file.Sync()
				j.file.Close()
				j.file = nil
			}
			j.mu.Unlock()
			return
		}
	}
}

// Journal records one event. It never blocks: when the buffer is full
// the event is dropped and counted.
func (j *Journal) Journal(kind string, item types.QueueItem, reason string) {
	event := Event{Kind: kind, Reason: reason, At: time.Now(), Item: item}
	select {
	case j.events <- event:
		metrics.SideChannelEventsTotal.WithLabelValues(kind).Inc()
	default:
		metrics.SideChannelEventsTotal.WithLabelValues("journal_overflow").Inc()
		j.logger.WithFields(logrus.Fields{
			"kind": kind,
			"seq":  item.Record.Seq,
		}).Error("Side channel buffer full, event lost")
	}
}

// SetAside moves the journal files a previous run left in
// cfg.Directory into a timestamped recovery subdirectory and returns
// an unstarted Journal over them. Replay on the returned journal only
// ever sees the prior run's events, so a fresh pipeline can re-submit
// them without consuming its own writes. ok is false when there is
// nothing to recover.
func SetAside(cfg types.SideChannelConfig, logger *logrus.Logger) (recovered *Journal, ok bool, err error) {
	if cfg.Directory == "" {
		cfg.Directory = "sidechannel"
	}
	entries, err := os.ReadDir(cfg.Directory)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, false, nil
		}
		return nil, false, fmt.Errorf("side channel: %w", err)
	}

	var names []string
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		if entry.Name() == journalFileName || strings.HasSuffix(entry.Name(), archiveSuffix) {
			names = append(names, entry.Name())
		}
	}
	if len(names) == 0 {
		return nil, false, nil
	}

	recoveryDir := filepath.Join(cfg.Directory, fmt.Sprintf("recovered-%d", time.Now().UnixNano()))
	if err := os.MkdirAll(recoveryDir, 0o755); err != nil {
		return nil, false, fmt.Errorf("side channel: %w", err)
	}
	for _, name := range names {
		if err := os.Rename(filepath.Join(cfg.Directory, name), filepath.Join(recoveryDir, name)); err != nil {
			return nil, false, fmt.Errorf("side channel: set aside %s: %w", name, err)
		}
	}

	priorCfg := cfg
	priorCfg.Directory = recoveryDir
	prior, err := NewJournal(priorCfg, logger)
	if err != nil {
		return nil, false, err
	}
	return prior, true, nil
}

// Replay walks every journaled event, oldest segment first, then the
// active file. The callback returning an error stops the walk.
func (j *Journal) Replay(fn func(Event) error) error {
	segments, err := j.segments()
	if err != nil {
		return err
	}
	for _, seg := range segments {
		compressed, err := os.ReadFile(seg)
		if err != nil {
			return fmt.Errorf("side channel replay %s: %w", seg, err)
		}
		raw, err := snappy.Decode(nil, compressed)
		if err != nil {
			return fmt.Errorf("side channel replay %s: %w", seg, err)
		}
		if err := replayLines(raw, fn); err != nil {
			return err
		}
	}

	j.mu.Lock()
	if j.file != nil {
		j.file.Sync()
	}
	j.mu.Unlock()

	raw, err := os.ReadFile(j.activePath())
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("side channel replay: %w", err)
	}
	return replayLines(raw, fn)
}

func replayLines(raw []byte, fn func(Event) error) error {
	scanner := bufio.NewScanner(strings.NewReader(string(raw)))
	scanner.Buffer(make([]byte, 0, 64*1024), 4*1024*1024)
	for scanner.Scan() {
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		var event Event
		if err := json.Unmarshal(line, &event); err != nil {
			// A torn trailing line is expected after a crash.
			continue
		}
		if err := fn(event); err != nil {
			return err
		}
	}
	return scanner.Err()
}

func (j *Journal) run(ctx context.Context) {
	defer close(j.done)
	for {
		select {
		case <-ctx.Done():
			return
		case event := <-j.events:
			j.append(event)
		}
	}
}

func (j *Journal) append(event Event) {
	line, err := json.Marshal(event)
	if err != nil {
		j.logger.WithError(err).Error("Side channel event not serializable")
		return
	}
	line = append(line, '\n')

	j.mu.Lock()
	defer j.mu.Unlock()
	if j.file == nil {
		metrics.SideChannelEventsTotal.WithLabelValues("journal_closed").Inc()
		j.logger.WithFields(logrus.Fields{
			"kind": event.Kind,
			"seq":  event.Item.Record.Seq,
		}).Error("Side channel closed, event lost")
		return
	}
	if j.size+int64(len(line)) > j.maxFileSize {
		j.rotateLocked()
	}
	n, err := j.file.Write(line)
	if err != nil {
		j.logger.WithError(err).Error("Side channel write failed")
		return
	}
	j.size += int64(n)
}

// rotateLocked archives the active file as a snappy block and starts a
// fresh one. Requires j.mu.
func (j *Journal) rotateLocked() {
	j.file.Sync()
	j.file.Close()
	j.file = nil

	raw, err := os.ReadFile(j.activePath())
	if err == nil {
		archive := filepath.Join(j.dir, fmt.Sprintf("sidechannel-%d%s", time.Now().UnixNano(), archiveSuffix))
		if werr := os.WriteFile(archive, snappy.Encode(nil, raw), 0o644); werr != nil {
			j.logger.WithError(werr).Error("Side channel archive failed")
		}
	}
	os.Remove(j.activePath())
	j.pruneLocked()

	file, err := os.OpenFile(j.activePath(), os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		j.logger.WithError(err).Error("Side channel reopen failed")
		return
	}
	j.file = file
	j.size = 0
}

func (j *Journal) pruneLocked() {
	segments, err := j.segments()
	if err != nil {
		return
	}
	for len(segments) > j.maxSegments {
		os.Remove(segments[0])
		segments = segments[1:]
	}
}

// segments returns archive paths sorted oldest first.
func (j *Journal) segments() ([]string, error) {
	entries, err := os.ReadDir(j.dir)
	if err != nil {
		return nil, fmt.Errorf("side channel: %w", err)
	}
	var out []string
	for _, entry := range entries {
		if !entry.IsDir() && strings.HasSuffix(entry.Name(), archiveSuffix) {
			out = append(out, filepath.Join(j.dir, entry.Name()))
		}
	}
	sort.Strings(out)
	return out, nil
}

func (j *Journal) activePath() string {
	return filepath.Join(j.dir, journalFileName)
}
