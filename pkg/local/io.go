package local

import (
	"bufio"
	"fmt"
	"os"
	"slices"
	"strconv"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nemanja-m/distrib/pkg/core"
)

const (
	DefaultBufferSize = 1024 * 1024 // 1MB
)

type Line struct {
	Filename string
	Number   int
	Text     string
}

// Key names the line as "<file>:<number>".
func (l Line) Key() string {
	return l.Filename + ":" + strconv.Itoa(l.Number)
}

// FindFiles expands glob patterns (with ** support) into regular files,
// sorted and without duplicates.
func FindFiles(patterns ...string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, fmt.Errorf("invalid pattern %q: %w", pattern, err)
		}
		for _, name := range matches {
			info, err := os.Lstat(name)
			if err != nil {
				continue
			}
			if info.Mode().IsRegular() {
				files = append(files, name)
			}
		}
	}
	slices.Sort(files)
	return slices.Compact(files), nil
}

func ReadLines(filePath string, bufferSize ...int) ([]Line, error) {
	file, err := os.Open(filePath)
	if err != nil {
		return nil, err
	}
	defer file.Close()

	if len(bufferSize) == 0 {
		bufferSize = []int{DefaultBufferSize}
	}
	buffer := make([]byte, bufferSize[0])

	scanner := bufio.NewScanner(file)
	scanner.Buffer(buffer, bufferSize[0])

	var lines []Line
	for i := 1; scanner.Scan(); i++ {
		lines = append(lines, Line{
			Filename: filePath,
			Number:   i,
			Text:     scanner.Text(),
		})
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}

	return lines, nil
}

// ReadRecords reads every line of the files matching patterns as a
// (file:line, text) record. Blank lines are skipped.
func ReadRecords(patterns ...string) ([]core.KeyValue, error) {
	files, err := FindFiles(patterns...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("%w: %v", ErrNoInput, patterns)
	}

	var records []core.KeyValue
	for _, file := range files {
		lines, err := ReadLines(file)
		if err != nil {
			return nil, err
		}
		for _, line := range lines {
			if line.Text == "" {
				continue
			}
			records = append(records, core.KeyValue{Key: line.Key(), Value: line.Text})
		}
	}
	return records, nil
}

func WriteLines(filePath string, lines []string) error {
	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer file.Close()

	for _, line := range lines {
		if _, err := file.WriteString(line); err != nil {
			return err
		}
	}

	return nil
}
