// Package archive persists terminal orders, settled obligations, daily
// reports and periodic snapshots as JSON lines under dated directories, and
// enforces the retention window that keeps both the disk and the in-memory
// indexes bounded.
package archive

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/sirupsen/logrus"
)

// Record categories. Each maps to one file name inside a day directory.
const (
	CategoryOrders      = "orders"
	CategorySettlements = "settlements"
	CategoryReports     = "reports"
	CategorySnapshots   = "snapshots"
)

const dayLayout = "2006-01-02"

// Writer appends JSON-lines records into <dir>/<yyyy-mm-dd>/<category>.jsonl.
// A segment that would grow past the size limit rolls over to
// <category>-2.jsonl, <category>-3.jsonl and so on. Appends are buffered; a
// background loop flushes them and closes segments for past days.
type Writer struct {
	dir           string
	maxSize       int64
	flushInterval time.Duration
	logger        *logrus.Entry

	mu       sync.Mutex
	segments map[string]*segment

	stopCh   chan struct{}
	stopOnce sync.Once
	wg       sync.WaitGroup
}

// segment is one open archive file. size counts bytes written plus bytes
// already on disk when the file was reopened after a restart.
type segment struct {
	file *os.File
	buf  *bufio.Writer
	size int64
	seq  int
	day  string
}

// NewWriter creates the archive directory and starts the flush loop.
func NewWriter(dir string, maxSize int64, flushInterval time.Duration) (*Writer, error) {
	if dir == "" {
		dir = "data/archive"
	}
	if maxSize <= 0 {
		maxSize = 64 << 20
	}
	if flushInterval <= 0 {
		flushInterval = 5 * time.Second
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create archive dir: %w", err)
	}

	w := &Writer{
		dir:           dir,
		maxSize:       maxSize,
		flushInterval: flushInterval,
		logger:        logrus.WithField("component", "archive-writer"),
		segments:      make(map[string]*segment),
		stopCh:        make(chan struct{}),
	}
	w.wg.Add(1)
	go w.flushLoop()
	return w, nil
}

// Dir returns the archive root.
func (w *Writer) Dir() string { return w.dir }

// Append marshals record and writes it as one line into the category file of
// at's day.
func (w *Writer) Append(category string, at time.Time, record any) error {
	line, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("marshal %s record: %w", category, err)
	}
	line = append(line, '\n')
	day := at.UTC().Format(dayLayout)

	w.mu.Lock()
	defer w.mu.Unlock()

	seg, err := w.segmentFor(day, category)
	if err != nil {
		return err
	}
	if seg.size > 0 && seg.size+int64(len(line)) > w.maxSize {
		seg, err = w.rotate(day, category, seg)
		if err != nil {
			return err
		}
	}
	n, err := seg.buf.Write(line)
	seg.size += int64(n)
	if err != nil {
		return fmt.Errorf("append %s/%s: %w", day, category, err)
	}
	return nil
}

// Flush drains every buffered segment to disk.
func (w *Writer) Flush() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.flushLocked()
}

// Close flushes and closes every segment and stops the flush loop.
func (w *Writer) Close() error {
	w.stopOnce.Do(func() { close(w.stopCh) })
	w.wg.Wait()

	w.mu.Lock()
	defer w.mu.Unlock()

	err := w.flushLocked()
	for key, seg := range w.segments {
		if cerr := seg.file.Close(); cerr != nil && err == nil {
			err = cerr
		}
		delete(w.segments, key)
	}
	return err
}

func (w *Writer) flushLoop() {
	defer w.wg.Done()
	ticker := time.NewTicker(w.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.mu.Lock()
			if err := w.flushLocked(); err != nil {
				w.logger.WithError(err).Warn("archive flush failed")
			}
			w.closeStaleLocked(time.Now().UTC().Format(dayLayout))
			w.mu.Unlock()
		case <-w.stopCh:
			return
		}
	}
}

func (w *Writer) flushLocked() error {
	var err error
	for _, seg := range w.segments {
		if ferr := seg.buf.Flush(); ferr != nil && err == nil {
			err = ferr
		}
	}
	return err
}

// closeStaleLocked releases segments belonging to past days. Their files are
// complete once the day rolls over.
func (w *Writer) closeStaleLocked(today string) {
	for key, seg := range w.segments {
		if seg.day == today {
			continue
		}
		if err := seg.buf.Flush(); err != nil {
			w.logger.WithError(err).WithField("day", seg.day).Warn("stale segment flush failed")
		}
		if err := seg.file.Close(); err != nil {
			w.logger.WithError(err).WithField("day", seg.day).Warn("stale segment close failed")
		}
		delete(w.segments, key)
	}
}

func (w *Writer) segmentFor(day, category string) (*segment, error) {
	key := day + "/" + category
	if seg, ok := w.segments[key]; ok {
		return seg, nil
	}

	dir := filepath.Join(w.dir, day)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create day dir: %w", err)
	}

	// Continue the highest existing segment so a restart appends rather
	// than truncates.
	seq := 1
	for {
		if _, err := os.Stat(segmentPath(dir, category, seq+1)); err != nil {
			break
		}
		seq++
	}
	seg, err := w.openSegment(dir, day, category, seq)
	if err != nil {
		return nil, err
	}
	w.segments[key] = seg
	return seg, nil
}

func (w *Writer) openSegment(dir, day, category string, seq int) (*segment, error) {
	path := segmentPath(dir, category, seq)
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open segment: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("stat segment: %w", err)
	}
	return &segment{
		file: f,
		buf:  bufio.NewWriterSize(f, 32<<10),
		size: info.Size(),
		seq:  seq,
		day:  day,
	}, nil
}

func (w *Writer) rotate(day, category string, seg *segment) (*segment, error) {
	if err := seg.buf.Flush(); err != nil {
		return nil, fmt.Errorf("flush before rotate: %w", err)
	}
	if err := seg.file.Close(); err != nil {
		return nil, fmt.Errorf("close before rotate: %w", err)
	}

	next, err := w.openSegment(filepath.Join(w.dir, day), day, category, seg.seq+1)
	if err != nil {
		return nil, err
	}
	w.segments[day+"/"+category] = next
	w.logger.WithFields(logrus.Fields{
		"day":      day,
		"category": category,
		"segment":  next.seq,
	}).Debug("archive segment rotated")
	return next, nil
}

// segmentPath names segment files: the first keeps the bare category name,
// later ones carry their sequence number.
func segmentPath(dir, category string, seq int) string {
	if seq <= 1 {
		return filepath.Join(dir, category+".jsonl")
	}
	return filepath.Join(dir, fmt.Sprintf("%s-%d.jsonl", category, seq))
}
