package cfw

import (
	"bufio"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"time"
)

// ThreatRecord is the persisted, immutable audit entry for one handled
// detection event. Records are appended to the threat log as one JSON
// object per line and never mutated after write.
type ThreatRecord struct {
	ThreatID    string      `json:"threat_id"`
	Timestamp   time.Time   `json:"timestamp"`
	ThreatLevel ThreatLevel `json:"threat_level"`
	Detections  []Detection `json:"detections"`
	Meta        RecordMeta  `json:"metadata"`
	DataSample  string      `json:"data_sample"`
	ActionTaken string      `json:"action_taken"`
	BlockReason string      `json:"block_reason,omitempty"`
	AlertSent   bool        `json:"alert_sent"`
}

// RecordMeta is the connection snapshot stored with each record.
type RecordMeta struct {
	SrcAddr  string `json:"src_addr"`
	DstHost  string `json:"dst_host"`
	Protocol string `json:"protocol"`
	DataSize int    `json:"data_size"`
}

// sampleLimit caps the stored data prefix per record.
const sampleLimit = 200

// ThreatLog is an append-only newline-delimited JSON log with size-based
// rotation. Appends are serialized; rotation renames the active file with
// an incrementing numeric suffix before the triggering write.
type ThreatLog struct {
	mu sync.Mutex

	path        string
	maxSize     int64
	backupCount int

	// RetentionDays drops rotated backups older than this many days during
	// rotation. Zero disables age-based cleanup.
	RetentionDays int

	writeErrs uint64
	appended  uint64
	rotations uint64

	// OnRotate is called after each rotation.
	OnRotate func()
}

// NewThreatLog creates a threat log writing to path. The parent directory is
// created if missing. maxSize is the rotation threshold in bytes;
// backupCount is the number of suffix-numbered backups to keep.
func NewThreatLog(path string, maxSize int64, backupCount int) (*ThreatLog, error) {
	if dir := filepath.Dir(path); dir != "." && dir != "" {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("create threat log directory: %w", err)
		}
	}

	if maxSize <= 0 {
		maxSize = 50 * 1024 * 1024
	}
	if backupCount <= 0 {
		backupCount = 10
	}

	return &ThreatLog{
		path:        path,
		maxSize:     maxSize,
		backupCount: backupCount,
	}, nil
}

// Append writes one record as a JSON line, rotating first if the active file
// already exceeds the size threshold. I/O failures are reported to the
// caller but must never affect the traffic decision that produced the record.
func (tl *ThreatLog) Append(rec ThreatRecord) error {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	if err := tl.rotateIfNeeded(); err != nil {
		tl.writeErrs++
		return err
	}

	f, err := os.OpenFile(tl.path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		tl.writeErrs++
		return fmt.Errorf("open threat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	line, err := json.Marshal(rec)
	if err != nil {
		tl.writeErrs++
		return fmt.Errorf("encode threat record: %w", err)
	}

	if _, err := f.Write(append(line, '\n')); err != nil {
		tl.writeErrs++
		return fmt.Errorf("append threat record: %w", err)
	}

	tl.appended++
	return nil
}

// rotateIfNeeded shifts backups and renames the active file when it exceeds
// the size threshold. Callers must hold the lock.
func (tl *ThreatLog) rotateIfNeeded() error {
	info, err := os.Stat(tl.path)
	if err != nil {
		return nil // nothing to rotate
	}
	if info.Size() <= tl.maxSize {
		return nil
	}

	// Shift .i -> .i+1 from the oldest down; the last backup falls off.
	for i := tl.backupCount - 1; i >= 1; i-- {
		oldFile := fmt.Sprintf("%s.%d", tl.path, i)
		newFile := fmt.Sprintf("%s.%d", tl.path, i+1)
		if _, err := os.Stat(oldFile); err == nil {
			_ = os.Rename(oldFile, newFile)
		}
	}

	if err := os.Rename(tl.path, tl.path+".1"); err != nil {
		return fmt.Errorf("rotate threat log: %w", err)
	}

	tl.rotations++
	tl.cleanupExpired()

	if tl.OnRotate != nil {
		tl.OnRotate()
	}
	return nil
}

// cleanupExpired removes rotated backups past the retention window and any
// backups beyond the configured count.
func (tl *ThreatLog) cleanupExpired() {
	if over := fmt.Sprintf("%s.%d", tl.path, tl.backupCount+1); fileExists(over) {
		_ = os.Remove(over)
	}

	if tl.RetentionDays <= 0 {
		return
	}
	cutoff := time.Now().AddDate(0, 0, -tl.RetentionDays)
	for i := 1; i <= tl.backupCount; i++ {
		backup := fmt.Sprintf("%s.%d", tl.path, i)
		info, err := os.Stat(backup)
		if err != nil {
			continue
		}
		if info.ModTime().Before(cutoff) {
			_ = os.Remove(backup)
		}
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// Recent returns records from the active log file newer than the window,
// newest first. Unparseable lines are skipped.
func (tl *ThreatLog) Recent(window time.Duration) ([]ThreatRecord, error) {
	tl.mu.Lock()
	defer tl.mu.Unlock()

	f, err := os.Open(tl.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("open threat log: %w", err)
	}
	defer func() { _ = f.Close() }()

	cutoff := time.Now().Add(-window)

	var records []ThreatRecord
	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var rec ThreatRecord
		if err := json.Unmarshal(scanner.Bytes(), &rec); err != nil {
			continue
		}
		if rec.Timestamp.After(cutoff) {
			records = append(records, rec)
		}
	}
	if err := scanner.Err(); err != nil {
		return records, fmt.Errorf("read threat log: %w", err)
	}

	sort.Slice(records, func(i, j int) bool {
		return records[i].Timestamp.After(records[j].Timestamp)
	})

	return records, nil
}

// ThreatReport is the export format produced by ExportReport.
type ThreatReport struct {
	Generated time.Time      `json:"report_generated"`
	Window    string         `json:"time_range"`
	Stats     ThreatLogStats `json:"statistics"`
	Threats   []ThreatRecord `json:"threats"`
}

// ExportReport writes a JSON report of the records within the window.
func (tl *ThreatLog) ExportReport(path string, window time.Duration) error {
	records, err := tl.Recent(window)
	if err != nil {
		return err
	}

	report := ThreatReport{
		Generated: time.Now(),
		Window:    window.String(),
		Stats:     tl.Stats(),
		Threats:   records,
	}

	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return fmt.Errorf("encode threat report: %w", err)
	}

	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("write threat report: %w", err)
	}

	return nil
}

// ThreatLogStats is a snapshot of threat log counters.
type ThreatLogStats struct {
	Appended    uint64 `json:"records_appended"`
	Rotations   uint64 `json:"rotations"`
	WriteErrors uint64 `json:"write_errors"`
}

// Stats returns a snapshot of the log's counters.
func (tl *ThreatLog) Stats() ThreatLogStats {
	tl.mu.Lock()
	defer tl.mu.Unlock()
	return ThreatLogStats{
		Appended:    tl.appended,
		Rotations:   tl.rotations,
		WriteErrors: tl.writeErrs,
	}
}

// Path returns the active log file path.
func (tl *ThreatLog) Path() string {
	return tl.path
}
