package output

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"
	"sync"

	"github.com/fatih/color"

	"ssh-commander/internal/executor"
)

// OutputMode defines the available output formatting modes
type OutputMode string

const (
	// StreamedMode prints each host's lines with a [host] prefix as soon as the host completes
	StreamedMode OutputMode = "streamed"

	// BufferedMode shows complete output per host, in host-list order, after every host completed
	BufferedMode OutputMode = "buffered"

	// JSONMode emits NDJSON objects with structured result data
	JSONMode OutputMode = "json"
)

// ParseMode validates an output mode name.
func ParseMode(s string) (OutputMode, error) {
	switch m := OutputMode(s); m {
	case StreamedMode, BufferedMode, JSONMode:
		return m, nil
	}
	return "", fmt.Errorf("invalid output mode '%s': must be one of streamed, buffered, json", s)
}

// Formatter defines the interface for formatting and displaying host results
type Formatter interface {
	// Format processes and outputs a single result
	Format(result *executor.Result) error

	// Finalize performs any cleanup or final output operations
	Finalize() error
}

// DefaultFormatter implements the Formatter interface with support for all output modes
type DefaultFormatter struct {
	mode     OutputMode
	writer   io.Writer
	mu       sync.Mutex
	buffered []*executor.Result // For buffered mode

	hostColor  *color.Color
	errorColor *color.Color
}

// NewFormatter creates a new formatter with the specified mode and writer.
// Colors follow the terminal detection of the color package.
func NewFormatter(mode OutputMode, writer io.Writer) *DefaultFormatter {
	if writer == nil {
		writer = os.Stdout
	}

	return &DefaultFormatter{
		mode:       mode,
		writer:     writer,
		hostColor:  color.New(color.FgCyan, color.Bold),
		errorColor: color.New(color.FgRed),
	}
}

// EnableColor forces colored host tags on or off.
func (f *DefaultFormatter) EnableColor(enabled bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, c := range []*color.Color{f.hostColor, f.errorColor} {
		if enabled {
			c.EnableColor()
		} else {
			c.DisableColor()
		}
	}
}

// Format processes and outputs a single result based on the current mode
func (f *DefaultFormatter) Format(result *executor.Result) error {
	f.mu.Lock()
	defer f.mu.Unlock()

	switch f.mode {
	case StreamedMode:
		return f.formatStreamed(result)
	case BufferedMode:
		f.buffered = append(f.buffered, result)
		return nil
	case JSONMode:
		return f.formatJSON(result)
	default:
		return fmt.Errorf("unknown output mode: %s", f.mode)
	}
}

// Finalize performs any cleanup or final output operations
func (f *DefaultFormatter) Finalize() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	if f.mode == BufferedMode {
		return f.flushBuffered()
	}
	return nil
}

// formatStreamed writes every line of one host with a [host] prefix
func (f *DefaultFormatter) formatStreamed(result *executor.Result) error {
	hostPrefix := f.hostColor.Sprintf("[%s]", result.Host)

	for _, line := range result.Lines {
		if _, err := fmt.Fprintf(f.writer, "%s %s\n", hostPrefix, line); err != nil {
			return fmt.Errorf("failed to write output: %w", err)
		}
	}

	if result.Err != nil {
		if _, err := fmt.Fprintf(f.writer, "%s %s\n", hostPrefix, f.errorColor.Sprintf("ERROR: %s", result.Err.Error())); err != nil {
			return fmt.Errorf("failed to write error: %w", err)
		}
	}

	return nil
}

// flushBuffered outputs all buffered results in host-list order
func (f *DefaultFormatter) flushBuffered() error {
	sort.SliceStable(f.buffered, func(i, j int) bool {
		return f.buffered[i].Index < f.buffered[j].Index
	})

	for i, result := range f.buffered {
		// Add separator between hosts (except for the first one)
		if i > 0 {
			if _, err := fmt.Fprintln(f.writer, ""); err != nil {
				return fmt.Errorf("failed to write separator: %w", err)
			}
		}

		if _, err := fmt.Fprintln(f.writer, f.hostColor.Sprintf("=== %s ===", result.Host)); err != nil {
			return fmt.Errorf("failed to write host header: %w", err)
		}

		for _, line := range result.Lines {
			if _, err := fmt.Fprintln(f.writer, line); err != nil {
				return fmt.Errorf("failed to write output: %w", err)
			}
		}

		if result.Err != nil {
			if _, err := fmt.Fprintln(f.writer, f.errorColor.Sprintf("ERROR: %s", result.Err.Error())); err != nil {
				return fmt.Errorf("failed to write error: %w", err)
			}
		}
	}

	f.buffered = nil
	return nil
}

// JSONOutput represents the JSON structure for NDJSON output
type JSONOutput struct {
	Host       string   `json:"host"`
	Lines      []string `json:"lines"`
	DurationMs int64    `json:"duration_ms"`
	Error      string   `json:"error,omitempty"`
}

// formatJSON outputs results as NDJSON (newline-delimited JSON)
func (f *DefaultFormatter) formatJSON(result *executor.Result) error {
	output := JSONOutput{
		Host:       result.Host,
		Lines:      result.Lines,
		DurationMs: result.Duration.Milliseconds(),
	}
	if output.Lines == nil {
		output.Lines = []string{}
	}

	if result.Err != nil {
		output.Error = result.Err.Error()
	}

	jsonBytes, err := json.Marshal(output)
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}

	if _, err := fmt.Fprintf(f.writer, "%s\n", jsonBytes); err != nil {
		return fmt.Errorf("failed to write JSON: %w", err)
	}

	return nil
}
