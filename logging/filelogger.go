package logging

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/acarl005/stripansi"

	"github.com/ethereum-optimism/infra/op-crosstest/types"
)

const (
	AllLogsFilename = "all.log"
	SummaryFilename = "summary.log"
)

// ResultSink is an interface for different ways of consuming suite results
type ResultSink interface {
	// Consume processes a single suite result
	Consume(result *types.Result) error
	// Complete is called when all results have been consumed
	Complete() error
}

// FileLogger writes the output of every suite of one run below
// <baseDir>/<runID>.
type FileLogger struct {
	baseDir string
	logDir  string
	runID   string

	mu           sync.Mutex
	sinks        []ResultSink
	asyncWriters map[string]*AsyncFile
}

// AsyncFile provides non-blocking file writing capabilities
type AsyncFile struct {
	file    *os.File
	queue   chan []byte
	wg      sync.WaitGroup
	mu      sync.Mutex
	stopped bool
	err     error
}

// NewAsyncFile creates a new AsyncFile for non-blocking writes
func NewAsyncFile(path string) (*AsyncFile, error) {
	file, err := os.Create(path)
	if err != nil {
		return nil, fmt.Errorf("failed to create file %s: %w", path, err)
	}

	af := &AsyncFile{
		file:  file,
		queue: make(chan []byte, 100),
	}
	af.wg.Add(1)
	go af.processQueue()
	return af, nil
}

// Write queues data to be written asynchronously
func (af *AsyncFile) Write(data []byte) error {
	af.mu.Lock()
	defer af.mu.Unlock()

	if af.stopped {
		return fmt.Errorf("async file is closed")
	}
	af.queue <- append([]byte(nil), data...)
	return nil
}

func (af *AsyncFile) processQueue() {
	defer af.wg.Done()

	for data := range af.queue {
		if _, err := af.file.Write(data); err != nil && af.err == nil {
			af.err = err
		}
	}
}

// Close stops the writer, waits for queued writes and closes the file. It
// returns the first write error, if any.
func (af *AsyncFile) Close() error {
	af.mu.Lock()
	if !af.stopped {
		af.stopped = true
		close(af.queue)
	}
	af.mu.Unlock()

	af.wg.Wait()
	if err := af.file.Close(); err != nil {
		return err
	}
	return af.err
}

// NewFileLogger creates the run directory and the default sinks.
func NewFileLogger(baseDir string, runID string) (*FileLogger, error) {
	if runID == "" {
		return nil, fmt.Errorf("runID cannot be empty")
	}
	if baseDir == "" {
		return nil, fmt.Errorf("baseDir cannot be empty")
	}

	logDir := filepath.Join(baseDir, runID)
	if err := os.MkdirAll(logDir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create directory %s: %w", logDir, err)
	}

	l := &FileLogger{
		baseDir:      baseDir,
		logDir:       logDir,
		runID:        runID,
		asyncWriters: make(map[string]*AsyncFile),
	}
	l.sinks = []ResultSink{
		&AllLogsFileSink{logger: l},
		&PerSuiteFileSink{logger: l},
	}
	return l, nil
}

func (l *FileLogger) getAsyncWriter(path string) (*AsyncFile, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	if writer, exists := l.asyncWriters[path]; exists {
		return writer, nil
	}
	writer, err := NewAsyncFile(path)
	if err != nil {
		return nil, err
	}
	l.asyncWriters[path] = writer
	return writer, nil
}

func (l *FileLogger) closeAllWriters() error {
	l.mu.Lock()
	defer l.mu.Unlock()

	var firstErr error
	for _, writer := range l.asyncWriters {
		if err := writer.Close(); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	l.asyncWriters = make(map[string]*AsyncFile)
	return firstErr
}

// LogResult feeds result to every sink.
func (l *FileLogger) LogResult(result *types.Result) error {
	for _, sink := range l.sinks {
		if err := sink.Consume(result); err != nil {
			return fmt.Errorf("error in sink: %w", err)
		}
	}
	return nil
}

// LogSummary writes the run summary next to the suite logs.
func (l *FileLogger) LogSummary(summary string) error {
	return os.WriteFile(l.SummaryFile(), []byte(stripansi.Strip(summary)), 0644)
}

// Complete flushes every sink and closes the open files.
func (l *FileLogger) Complete() error {
	for _, sink := range l.sinks {
		if err := sink.Complete(); err != nil {
			return fmt.Errorf("error completing sink: %w", err)
		}
	}
	return l.closeAllWriters()
}

// RunDir returns the directory of the run.
func (l *FileLogger) RunDir() string {
	return l.logDir
}

// SummaryFile returns the path of the summary file.
func (l *FileLogger) SummaryFile() string {
	return filepath.Join(l.logDir, SummaryFilename)
}

// AllLogsFile returns the path of the combined log.
func (l *FileLogger) AllLogsFile() string {
	return filepath.Join(l.logDir, AllLogsFilename)
}

// SuiteFile returns the path of the log of suite id of mapping. The path-like
// suite id maps onto nested directories.
func (l *FileLogger) SuiteFile(mapping, id string) string {
	parts := strings.Split(id, "/")
	for i, p := range parts {
		parts[i] = safeFilename(p)
	}
	path := filepath.Join(append([]string{l.logDir, safeFilename(mapping)}, parts...)...)
	return path + ".log"
}

// safeFilename replaces characters that are invalid in filenames
func safeFilename(s string) string {
	if s == "" || s == "." || s == ".." {
		return "_"
	}
	replacer := strings.NewReplacer(
		"/", "_",
		"\\", "_",
		":", "_",
		"*", "_",
		"?", "_",
		"\"", "_",
		"<", "_",
		">", "_",
		"|", "_",
		" ", "_",
	)
	return replacer.Replace(s)
}

// AllLogsFileSink appends every result to one combined file.
type AllLogsFileSink struct {
	logger *FileLogger
}

func (s *AllLogsFileSink) Consume(result *types.Result) error {
	writer, err := s.logger.getAsyncWriter(s.logger.AllLogsFile())
	if err != nil {
		return err
	}

	var b strings.Builder
	fmt.Fprintf(&b, "=== %s [%s] %s on %s in %s\n", result.Name(), progress(result), strings.ToUpper(string(result.Status())), result.Worker, formatDuration(result.Duration))
	b.WriteString(stripansi.Strip(result.Output()))
	if !strings.HasSuffix(b.String(), "\n") {
		b.WriteString("\n")
	}
	return writer.Write([]byte(b.String()))
}

func (s *AllLogsFileSink) Complete() error {
	return nil
}

// PerSuiteFileSink writes one file per suite.
type PerSuiteFileSink struct {
	logger *FileLogger
}

func (s *PerSuiteFileSink) Consume(result *types.Result) error {
	path := s.logger.SuiteFile(result.Mapping, result.Suite)
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create directory for %s: %w", result.Name(), err)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Suite:    %s\n", result.Name())
	fmt.Fprintf(&b, "Status:   %s\n", result.Status())
	fmt.Fprintf(&b, "Worker:   %s\n", result.Worker)
	fmt.Fprintf(&b, "Duration: %s\n", formatDuration(result.Duration))
	for _, variant := range result.FailedVariants() {
		fmt.Fprintf(&b, "Failed:   %s: %v\n", variant, result.Failures[variant])
	}
	b.WriteString("\n")
	b.WriteString(stripansi.Strip(result.Output()))

	if err := os.WriteFile(path, []byte(b.String()), 0644); err != nil {
		return fmt.Errorf("failed to write log of %s: %w", result.Name(), err)
	}
	return nil
}

func (s *PerSuiteFileSink) Complete() error {
	return nil
}

func progress(result *types.Result) string {
	return fmt.Sprintf("%d/%d", result.Index, result.Total)
}

func formatDuration(d time.Duration) string {
	return fmt.Sprintf("%.2fs", d.Seconds())
}
