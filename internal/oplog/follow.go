package oplog

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
)

// Follow calls fn for every entry appended to the log after offset until ctx
// is done. Rotation is detected by the file shrinking or being recreated, in
// which case reading restarts at the beginning of the new file. The parent
// directory is watched so a log that does not exist yet is picked up once
// created.
func (l *Log) Follow(ctx context.Context, offset int64, fn func(Entry)) error {
	dir := filepath.Dir(l.path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("failed to create log directory: %w", err)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer func() { _ = watcher.Close() }()

	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", dir, err)
	}

	var partial string
	drain := func() error {
		next, rest, err := readFrom(l.path, offset, partial, fn)
		if err != nil {
			return err
		}
		offset, partial = next, rest
		return nil
	}

	// Entries appended between the caller's snapshot and the watch.
	if err := drain(); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != filepath.Clean(l.path) {
				continue
			}
			if event.Op&fsnotify.Create != 0 {
				offset, partial = 0, ""
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if err := drain(); err != nil {
					return err
				}
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			return fmt.Errorf("watch error: %w", err)
		}
	}
}

// Size returns the current log size, or zero when it does not exist.
func (l *Log) Size() int64 {
	info, err := os.Stat(l.path)
	if err != nil {
		return 0
	}
	return info.Size()
}

// readFrom emits complete lines after offset and returns the new offset plus
// any trailing partial line.
func readFrom(path string, offset int64, partial string, fn func(Entry)) (int64, string, error) {
	f, err := os.Open(path) // #nosec G304 -- path comes from configuration
	if err != nil {
		if os.IsNotExist(err) {
			return 0, "", nil
		}
		return offset, partial, err
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return offset, partial, err
	}
	if info.Size() < offset {
		offset, partial = 0, ""
	}
	if _, err := f.Seek(offset, io.SeekStart); err != nil {
		return offset, partial, err
	}

	r := bufio.NewReader(f)
	for {
		chunk, err := r.ReadString('\n')
		offset += int64(len(chunk))
		if err == io.EOF {
			partial += chunk
			return offset, partial, nil
		}
		if err != nil {
			return offset, partial, err
		}
		line := strings.TrimSuffix(partial+chunk, "\n")
		partial = ""
		if e, ok := ParseLine(line); ok {
			fn(e)
		}
	}
}
