// Package audit keeps a tamper-evident, hash-chained JSONL log of every
// lifecycle event a run goes through.
package audit

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"syscall"

	"github.com/jonboulle/clockwork"

	"github.com/jvs-project/lvsnap/internal/callback"
	"github.com/jvs-project/lvsnap/internal/snapshot"
	"github.com/jvs-project/lvsnap/pkg/errclass"
	"github.com/jvs-project/lvsnap/pkg/jsonutil"
	"github.com/jvs-project/lvsnap/pkg/model"
)

// Priority is the callback priority of the audit handler. It is the
// lowest of all so that the record is written after every other handler.
const Priority = -1 << 20

// FileAppender appends audit records to a JSONL file with hash chain.
type FileAppender struct {
	path  string
	clock clockwork.Clock
	mu    sync.Mutex
}

// NewFileAppender creates a new FileAppender.
func NewFileAppender(path string, clock clockwork.Clock) *FileAppender {
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &FileAppender{path: path, clock: clock}
}

// Path returns the log file.
func (a *FileAppender) Path() string {
	return a.path
}

// Append adds a new audit record to the log. Timestamp, PrevHash and
// RecordHash of rec are filled in.
func (a *FileAppender) Append(rec *model.AuditRecord) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	if err := os.MkdirAll(filepath.Dir(a.path), 0755); err != nil {
		return fmt.Errorf("create audit dir: %w", err)
	}

	file, err := os.OpenFile(a.path, os.O_CREATE|os.O_RDWR, 0644)
	if err != nil {
		return fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	// Serialises writers across processes.
	if err := syscall.Flock(int(file.Fd()), syscall.LOCK_EX); err != nil {
		return fmt.Errorf("flock audit log: %w", err)
	}
	defer syscall.Flock(int(file.Fd()), syscall.LOCK_UN)

	prevHash, err := lastRecordHash(file)
	if err != nil {
		return fmt.Errorf("get last record hash: %w", err)
	}

	rec.Timestamp = a.clock.Now().UTC()
	rec.PrevHash = prevHash
	rec.RecordHash = ""
	recordHash, err := computeRecordHash(rec)
	if err != nil {
		return fmt.Errorf("compute record hash: %w", err)
	}
	rec.RecordHash = recordHash

	line, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	if _, err := file.Seek(0, 2); err != nil {
		return fmt.Errorf("seek to end: %w", err)
	}
	if _, err := file.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("write audit record: %w", err)
	}
	if err := file.Sync(); err != nil {
		return fmt.Errorf("sync audit log: %w", err)
	}
	return nil
}

// Handler returns a lifecycle callback that records every event of a run
// on volume (vg/lv). Register it with Priority.
func (a *FileAppender) Handler(volume string) snapshot.Handler {
	return func(_ context.Context, event model.Event, ev *snapshot.Event) error {
		rec := &model.AuditRecord{
			RunID:    ev.RunID,
			Event:    event,
			Volume:   volume,
			Snapshot: ev.Spec.Name,
			Details:  map[string]any{"state": string(ev.State)},
		}
		if ev.Handle != nil {
			rec.Details["device"] = ev.Handle.DevicePath()
		}
		if event == model.EventPostMount || event == model.EventPreUnmount {
			rec.Mountpoint = ev.Spec.Mountpoint
		}
		if ev.Err != nil {
			rec.Error = ev.Err.Error()
		}
		return a.Append(rec)
	}
}

// Register adds the audit handler to every lifecycle event of m.
func (a *FileAppender) Register(m *snapshot.Machine, volume string) {
	h := a.Handler(volume)
	for _, event := range model.Events() {
		m.Register(event, h, callback.WithPriority(Priority), callback.WithName("audit"))
	}
}

// GetLastRecordHash returns the hash of the last record in the log.
func (a *FileAppender) GetLastRecordHash() (model.HashValue, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	file, err := os.Open(a.path)
	if err != nil {
		if os.IsNotExist(err) {
			return "", nil
		}
		return "", fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	return lastRecordHash(file)
}

func lastRecordHash(file *os.File) (model.HashValue, error) {
	if _, err := file.Seek(0, 0); err != nil {
		return "", fmt.Errorf("seek to start: %w", err)
	}

	var lastHash model.HashValue
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		var record model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &record); err != nil {
			continue // skip malformed lines
		}
		lastHash = record.RecordHash
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("scan audit log: %w", err)
	}
	return lastHash, nil
}

// Verify walks the log at path and checks every record hash and link.
// It returns the number of records checked. A missing log is empty.
func Verify(path string) (int, error) {
	file, err := os.Open(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return 0, nil
		}
		return 0, fmt.Errorf("open audit log: %w", err)
	}
	defer file.Close()

	var (
		prev  model.HashValue
		count int
		line  int
	)
	scanner := bufio.NewScanner(file)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line++
		if len(scanner.Bytes()) == 0 {
			continue
		}
		var rec model.AuditRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			return count, errclass.ErrAuditChainBroken.WithMessagef("line %d: malformed record: %v", line, err)
		}
		if rec.PrevHash != prev {
			return count, errclass.ErrAuditChainBroken.WithMessagef("line %d: prev_hash does not match the previous record", line)
		}
		want := rec.RecordHash
		rec.RecordHash = ""
		got, err := computeRecordHash(&rec)
		if err != nil {
			return count, err
		}
		if got != want {
			return count, errclass.ErrAuditChainBroken.WithMessagef("line %d: record_hash mismatch", line)
		}
		prev = want
		count++
	}
	if err := scanner.Err(); err != nil {
		return count, fmt.Errorf("scan audit log: %w", err)
	}
	return count, nil
}

func computeRecordHash(record *model.AuditRecord) (model.HashValue, error) {
	hashRecord := *record
	hashRecord.RecordHash = ""

	digest, err := jsonutil.Digest(&hashRecord)
	if err != nil {
		return "", fmt.Errorf("hash audit record: %w", err)
	}
	return model.HashValue(digest), nil
}
