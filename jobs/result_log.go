package jobsdb

import (
	"encoding/csv"
	"fmt"
	"os"
	"path/filepath"
	"time"

	jsoniter "github.com/json-iterator/go"
	"kassette.ai/sailthru-writer/misc"
)

var (
	jsonfast = jsoniter.ConfigCompatibleWithStandardLibrary

	ResultLogColumns    = []string{"row_id", "status", "detail", "timestamp"}
	ResultLogPrimaryKey = []string{"row_id", "status"}
)

// ResultLogT appends one CSV row per processed input row. The file is truncated on open and
// the header is written immediately, so the file exists even when nothing else is written.
type ResultLogT struct {
	Path    string
	file    *os.File
	writer  *csv.Writer
	now     func() time.Time
	written int
	closed  bool
}

func NewResultLog(path string) (*ResultLogT, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create result log dir: %w", err)
	}
	f, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("create result log: %w", err)
	}
	log := &ResultLogT{Path: path, file: f, writer: csv.NewWriter(f), now: time.Now}
	if err := log.writer.Write(ResultLogColumns); err != nil {
		f.Close()
		return nil, fmt.Errorf("write result log header: %w", err)
	}
	return log, nil
}

func (log *ResultLogT) WriteRecord(rowID string, status string, detail string) error {
	return log.Write(LogRecordT{RowID: rowID, Status: status, Detail: detail, Timestamp: log.now()})
}

func (log *ResultLogT) Write(record LogRecordT) error {
	row := []string{record.RowID, record.Status, record.Detail, record.Timestamp.UTC().Format(misc.RFC3339Milli)}
	if err := log.writer.Write(row); err != nil {
		return fmt.Errorf("write result log: %w", err)
	}
	log.written++
	return nil
}

// Written is the number of records written, header excluded.
func (log *ResultLogT) Written() int {
	return log.written
}

// Close flushes and closes the file. Calling it more than once is a no-op.
func (log *ResultLogT) Close() error {
	if log.closed {
		return nil
	}
	log.closed = true
	log.writer.Flush()
	if err := log.writer.Error(); err != nil {
		log.file.Close()
		return fmt.Errorf("flush result log: %w", err)
	}
	return log.file.Close()
}

type manifestT struct {
	Incremental bool     `json:"incremental"`
	PrimaryKey  []string `json:"primary_key"`
	WriteAlways bool     `json:"write_always,omitempty"`
}

// WriteManifest writes <path>.manifest next to the result log.
func WriteManifest(path string, writeAlways bool) error {
	data, err := jsonfast.Marshal(manifestT{
		Incremental: false,
		PrimaryKey:  ResultLogPrimaryKey,
		WriteAlways: writeAlways,
	})
	if err != nil {
		return err
	}
	if err := os.WriteFile(path+".manifest", data, 0o644); err != nil {
		return fmt.Errorf("write result log manifest: %w", err)
	}
	return nil
}
