package recordio

import (
	"errors"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/nemanja-m/streamlocal/pkg/core"
)

// FindFiles expands glob patterns (with ** support) into regular files.
// Directories and unreadable entries are skipped.
func FindFiles(patterns ...string) ([]string, error) {
	var files []string
	for _, pattern := range patterns {
		matches, err := doublestar.FilepathGlob(pattern)
		if err != nil {
			return nil, err
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
	return files, nil
}

// All adapts a Reader into a sequence that ends at io.EOF.
func All(reader Reader) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		for {
			record, err := reader.Read()
			if errors.Is(err, io.EOF) {
				return
			}
			if err != nil {
				yield(core.Record{}, err)
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

// ReadFile lazily reads the records stored in filePath. The file is opened
// when iteration starts and closed when it stops.
func ReadFile(filePath string, format Format) iter.Seq2[core.Record, error] {
	return func(yield func(core.Record, error) bool) {
		file, err := os.Open(filePath)
		if err != nil {
			yield(core.Record{}, err)
			return
		}
		defer file.Close()

		for record, err := range All(format.NewReader(file)) {
			if err != nil {
				yield(core.Record{}, fmt.Errorf("read %s: %w", filePath, err))
				return
			}
			if !yield(record, nil) {
				return
			}
		}
	}
}

// ReadFiles concatenates the records of every file matching the patterns, in
// match order.
func ReadFiles(format Format, patterns ...string) (iter.Seq2[core.Record, error], error) {
	files, err := FindFiles(patterns...)
	if err != nil {
		return nil, err
	}
	if len(files) == 0 {
		return nil, fmt.Errorf("no files matched the input patterns: %v", patterns)
	}

	return func(yield func(core.Record, error) bool) {
		for _, file := range files {
			for record, err := range ReadFile(file, format) {
				if !yield(record, err) || err != nil {
					return
				}
			}
		}
	}, nil
}

// WriteFile persists records to filePath, creating parent directories.
func WriteFile(filePath string, format Format, records iter.Seq2[core.Record, error]) (err error) {
	if err := os.MkdirAll(filepath.Dir(filePath), 0o755); err != nil {
		return err
	}

	file, err := os.Create(filePath)
	if err != nil {
		return err
	}
	defer func() {
		if closeErr := file.Close(); err == nil {
			err = closeErr
		}
	}()

	writer := format.NewWriter(file)
	for record, err := range records {
		if err != nil {
			return err
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Flush()
}

// Write encodes records onto w and flushes once at the end.
func Write(w io.Writer, format Format, records iter.Seq2[core.Record, error]) error {
	writer := format.NewWriter(w)
	for record, err := range records {
		if err != nil {
			return err
		}
		if err := writer.Write(record); err != nil {
			return err
		}
	}
	return writer.Flush()
}
