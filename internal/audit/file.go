package audit

import (
	"context"
	"encoding/json"
	"sync"

	"gopkg.in/natefinch/lumberjack.v2"
)

// FileSink appends one JSON line per record to a rotated log file.
type FileSink struct {
	mu     sync.Mutex
	writer *lumberjack.Logger
}

// NewFileSink opens (creating if needed) a rotating JSONL audit log at path.
func NewFileSink(path string) *FileSink {
	return &FileSink{
		writer: &lumberjack.Logger{
			Filename:   path,
			MaxSize:    100, // megabytes
			MaxBackups: 5,
			MaxAge:     30, // days
			Compress:   true,
		},
	}
}

// Write appends rec as a single JSON line.
func (f *FileSink) Write(ctx context.Context, rec Record) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	data = append(data, '\n')

	f.mu.Lock()
	defer f.mu.Unlock()
	_, err = f.writer.Write(data)
	return err
}

// Close flushes and closes the underlying rotated file.
func (f *FileSink) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.writer.Close()
}
