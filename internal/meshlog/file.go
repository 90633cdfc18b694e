package meshlog

import (
	"bufio"
	"fmt"
	"os"
	"path/filepath"
	"sync"
)

// FileSink appends one line per entry to an activity log file. Status updates are
// appended as new lines; the file is a history, not a table.
type FileSink struct {
	path string
	mu   sync.Mutex
}

func NewFileSink(path string) (*FileSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("meshlog: mkdir: %w", err)
	}
	return &FileSink{path: path}, nil
}

func (s *FileSink) Path() string { return s.path }

func (s *FileSink) WriteEntry(e Entry) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.OpenFile(s.path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return err
	}
	if _, err := fmt.Fprintln(f, e.Line()); err != nil {
		_ = f.Close()
		return err
	}
	return f.Close()
}

// Clear truncates the file.
func (s *FileSink) Clear() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return os.WriteFile(s.path, nil, 0o644)
}

// Lines reads the file back. A missing file has no lines.
func (s *FileSink) Lines() ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	f, err := os.Open(s.path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		lines = append(lines, sc.Text())
	}
	return lines, sc.Err()
}
