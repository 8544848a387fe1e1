package mealscan

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

// ResolutionLogger is the interface for nutrition-resolution logging.
type ResolutionLogger interface {
	LogIteration(iteration IterationLog) error
}

// NewResolutionLogFilePath returns a file path based on a cleaned up model name or id to make it easier to identify specific logs produced with various models.
func NewResolutionLogFilePath(model string) string {
	return fmt.Sprintf(
		"./logs/%d.%s.json",
		time.Now().Unix(),
		strings.ReplaceAll(strings.ToLower(model), ":", "_"),
	)
}

// IterationLog represents a single iteration of one food's resolution loop
type IterationLog struct {
	FoodName  string        `json:"food_name,omitempty"`
	Iteration int           `json:"iteration"`
	Timestamp time.Time     `json:"timestamp"`
	LLMInput  string        `json:"llm_input,omitempty"`
	LLMOutput any           `json:"llm_output"`
	ToolCalls []ToolCallLog `json:"tool_calls,omitempty"`
	Error     string        `json:"error,omitempty"`
}

// ToolCallLog represents a tool execution within an iteration
type ToolCallLog struct {
	Name   string         `json:"name"`
	Input  map[string]any `json:"input"`
	Output map[string]any `json:"output"`
	Error  string         `json:"error,omitempty"`
}

// FileResolutionLogger logs to a file, accumulating iterations and flushing
// at the end. Safe for use from concurrent resolution tasks.
type FileResolutionLogger struct {
	mu         sync.Mutex
	iterations []IterationLog
	writer     io.Writer
}

// NewFileResolutionLogger creates a new file-based resolution logger
func NewFileResolutionLogger(writer io.Writer) *FileResolutionLogger {
	return &FileResolutionLogger{
		iterations: make([]IterationLog, 0),
		writer:     writer,
	}
}

// LogIteration logs an iteration to the buffer (does not flush immediately)
func (frl *FileResolutionLogger) LogIteration(iteration IterationLog) error {
	frl.mu.Lock()
	frl.iterations = append(frl.iterations, iteration)
	frl.mu.Unlock()
	return nil
}

// Flush flushes all accumulated iterations to the writer
func (frl *FileResolutionLogger) Flush() error {
	frl.mu.Lock()
	defer frl.mu.Unlock()

	if frl.writer == nil {
		return nil
	}

	data, err := json.MarshalIndent(map[string]any{
		"resolution_session": map[string]any{
			"timestamp":  time.Now(),
			"iterations": frl.iterations,
		},
	}, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal resolution log: %w", err)
	}

	if _, err := frl.writer.Write(data); err != nil {
		return fmt.Errorf("failed to write resolution log: %w", err)
	}

	// Clear the buffer after successful write
	frl.iterations = frl.iterations[:0]
	return nil
}

// NoOpResolutionLogger is a logger that discards all log entries
type NoOpResolutionLogger struct{}

// NewNoOpResolutionLogger creates a new no-op resolution logger
func NewNoOpResolutionLogger() *NoOpResolutionLogger {
	return &NoOpResolutionLogger{}
}

// LogIteration discards the iteration log (no-op)
func (nop *NoOpResolutionLogger) LogIteration(iteration IterationLog) error {
	return nil
}

// StdoutResolutionLogger logs each iteration as a JSON line to stdout (for Lambda/CloudWatch)
type StdoutResolutionLogger struct{}

// NewStdoutResolutionLogger creates a new stdout-based resolution logger
func NewStdoutResolutionLogger() *StdoutResolutionLogger {
	return &StdoutResolutionLogger{}
}

// LogIteration writes the iteration as a JSON line to os.Stdout
func (l *StdoutResolutionLogger) LogIteration(iteration IterationLog) error {
	data, err := json.Marshal(iteration)
	if err != nil {
		return err
	}
	fmt.Fprintln(os.Stdout, string(data))
	return nil
}
