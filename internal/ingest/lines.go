package ingest

import (
	"bufio"
	"fmt"
	"os"
)

// LineCounter samples the on-disk line count of a file.
type LineCounter interface {
	CountLines(path string) (int64, error)
}

// FileLineCounter counts lines by scanning the file.
type FileLineCounter struct{}

// CountLines returns the number of lines in path.
func (FileLineCounter) CountLines(path string) (int64, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, fmt.Errorf("opening %s: %w", path, err)
	}
	defer f.Close()

	scanner := bufio.NewScanner(f)
	scanner.Buffer(make([]byte, 64*1024), 4*1024*1024)
	var n int64
	for scanner.Scan() {
		n++
	}
	if err := scanner.Err(); err != nil {
		return 0, fmt.Errorf("scanning %s: %w", path, err)
	}
	return n, nil
}
