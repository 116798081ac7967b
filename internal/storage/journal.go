package storage

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"gopkg.in/natefinch/lumberjack.v2"
)

var (
	errJournalClosed = errors.New("journal writer is closed")
	errJournalFull   = errors.New("journal buffer full")
)

// JournalWriter appends JSON lines for one recording session. Lines are
// written from a background goroutine into <base>/<date>/<segment>/http/<session>.jsonl.
type JournalWriter struct {
	baseDir   string
	segment   string
	sessionID string
	maxSizeMB int

	lines chan any
	done  chan struct{}
	wg    sync.WaitGroup

	mu          sync.Mutex
	closed      bool
	currentDate string
	out         *lumberjack.Logger
}

func newJournalWriter(baseDir, segment, sessionID string, bufferSize, maxSizeMB int) *JournalWriter {
	if bufferSize <= 0 {
		bufferSize = 1
	}
	w := &JournalWriter{
		baseDir:   baseDir,
		segment:   segment,
		sessionID: sessionID,
		maxSizeMB: maxSizeMB,
		lines:     make(chan any, bufferSize),
		done:      make(chan struct{}),
	}
	w.wg.Add(1)
	go w.loop()
	return w
}

// Append queues v. It never blocks; a full buffer drops the line.
func (w *JournalWriter) Append(v any) error {
	w.mu.Lock()
	closed := w.closed
	w.mu.Unlock()
	if closed {
		return errJournalClosed
	}
	select {
	case w.lines <- v:
		return nil
	default:
		slog.Warn("journal buffer full, dropping line", "segment", w.segment, "session_id", w.sessionID)
		return errJournalFull
	}
}

// Close flushes queued lines and closes the underlying file.
func (w *JournalWriter) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	w.mu.Unlock()

	close(w.done)
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()
	if w.out != nil {
		return w.out.Close()
	}
	return nil
}

func (w *JournalWriter) loop() {
	defer w.wg.Done()
	for {
		select {
		case v := <-w.lines:
			w.write(v)
		case <-w.done:
			drain := time.After(5 * time.Second)
			for {
				select {
				case v := <-w.lines:
					w.write(v)
				case <-drain:
					slog.Warn("journal close timeout, lines may be lost", "segment", w.segment)
					return
				default:
					return
				}
			}
		}
	}
}

func (w *JournalWriter) write(v any) {
	data, err := json.Marshal(v)
	if err != nil {
		slog.Error("journal marshal failed", "error", err, "segment", w.segment)
		return
	}

	w.mu.Lock()
	defer w.mu.Unlock()

	date := time.Now().UTC().Format("2006-01-02")
	if w.out == nil || date != w.currentDate {
		if err := w.openForDate(date); err != nil {
			slog.Error("journal open failed", "error", err, "segment", w.segment)
			return
		}
	}
	if _, err := w.out.Write(append(data, '\n')); err != nil {
		slog.Error("journal write failed", "error", err, "segment", w.segment)
	}
}

func (w *JournalWriter) openForDate(date string) error {
	if w.out != nil {
		_ = w.out.Close()
	}
	dir := filepath.Join(w.baseDir, date, w.segment, "http")
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("mkdir %s: %w", dir, err)
	}
	filename := filepath.Join(dir, w.sessionID+".jsonl")
	w.out = &lumberjack.Logger{
		Filename:   filename,
		MaxSize:    w.maxSizeMB,
		MaxBackups: 100,
		MaxAge:     30,
	}
	w.currentDate = date
	slog.Info("opened journal file", "file", filename, "segment", w.segment)
	return nil
}

// Journal hands out one JournalWriter per recording session.
type Journal struct {
	baseDir    string
	bufferSize int
	maxSizeMB  int

	mu      sync.Mutex
	writers map[string]*JournalWriter
}

func NewJournal(baseDir string, bufferSize, maxSizeMB int) *Journal {
	return &Journal{
		baseDir:    baseDir,
		bufferSize: bufferSize,
		maxSizeMB:  maxSizeMB,
		writers:    make(map[string]*JournalWriter),
	}
}

// Writer returns the writer for a recording session, creating it on first use.
func (j *Journal) Writer(recordingName, sessionID string) *JournalWriter {
	segment := SegmentFromName(recordingName)
	id := ShortID(sessionID)
	key := segment + "/" + id

	j.mu.Lock()
	defer j.mu.Unlock()
	if w, ok := j.writers[key]; ok {
		return w
	}
	w := newJournalWriter(j.baseDir, segment, id, j.bufferSize, j.maxSizeMB)
	j.writers[key] = w
	slog.Info("created journal writer", "segment", segment, "session_id", id)
	return w
}

// Release closes and forgets the writer for a recording session.
func (j *Journal) Release(recordingName, sessionID string) error {
	key := SegmentFromName(recordingName) + "/" + ShortID(sessionID)
	j.mu.Lock()
	w, ok := j.writers[key]
	delete(j.writers, key)
	j.mu.Unlock()
	if !ok {
		return nil
	}
	return w.Close()
}

// Close closes every open writer.
func (j *Journal) Close() error {
	j.mu.Lock()
	writers := j.writers
	j.writers = make(map[string]*JournalWriter)
	j.mu.Unlock()

	var lastErr error
	for key, w := range writers {
		if err := w.Close(); err != nil {
			slog.Error("journal close failed", "writer", key, "error", err)
			lastErr = err
		}
	}
	return lastErr
}
