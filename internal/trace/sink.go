package trace

import (
	"bufio"
	"encoding/json"
	"os"
	"sync"

	"go.uber.org/zap"

	"github.com/portcullis-proxy/portcullis/internal/logging"
)

// LogSink emits completed traces through the structured logger.
type LogSink struct{}

func (LogSink) Emit(r *Record) {
	logging.Info("request completed",
		zap.String("trace_id", r.TraceID),
		zap.String("method", r.Method),
		zap.String("path", r.Path),
		zap.String("client_ip", r.ClientIP),
		zap.String("user_id", r.UserID),
		zap.String("route", r.RouteID),
		zap.String("upstream", r.Upstream),
		zap.String("outcome", r.Outcome),
		zap.Int("status", r.StatusCode),
		zap.Duration("duration", r.Duration),
		zap.Duration("upstream_time", r.UpstreamTime),
	)
}

// FileSink appends completed traces as JSON lines.
type FileSink struct {
	mu  sync.Mutex
	f   *os.File
	buf *bufio.Writer
	enc *json.Encoder
}

// NewFileSink opens (or creates) the trace file for appending.
func NewFileSink(path string) (*FileSink, error) {
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	buf := bufio.NewWriter(f)
	return &FileSink{f: f, buf: buf, enc: json.NewEncoder(buf)}, nil
}

func (s *FileSink) Emit(r *Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.enc.Encode(r); err != nil {
		logging.Warn("trace file write failed", zap.Error(err))
		return
	}
	// Flush per trace so the file stays current while the gateway runs.
	if err := s.buf.Flush(); err != nil {
		logging.Warn("trace file flush failed", zap.Error(err))
	}
}

// Close flushes and closes the trace file.
func (s *FileSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.buf.Flush(); err != nil {
		s.f.Close()
		return err
	}
	return s.f.Close()
}
