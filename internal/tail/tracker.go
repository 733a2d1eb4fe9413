// Package tail incrementally reads growing append-only log files. A
// Tracker keeps one cursor per file (byte offset, partial-line buffer,
// bounded lookback context) so repeated scans parse every byte exactly
// once while rotation and truncation fall back to a full re-read.
package tail

import (
	"bytes"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// MaxContextTail bounds the lookback context retained per file.
const MaxContextTail = 64 * 1024

// Cursor is the persisted read position for one file.
type Cursor struct {
	Inode    uint64
	HasInode bool
	ModTime  time.Time
	Size     int64
	// Offset is the byte position already accounted for.
	Offset int64
	// Pending holds bytes after the last complete line.
	Pending []byte
	// Context holds the last <=64KiB of previously parsed bytes,
	// handed to parsers for lookback only.
	Context []byte
}

// Segment is the outcome of advancing one file's cursor.
type Segment struct {
	Path string
	// Data contains exactly the new bytes that are safe to parse.
	Data []byte
	// Context is prior parsed content preceding Data, for cross-line
	// inference only; it must not produce records again.
	Context []byte
	// FromStart marks a from-scratch read (first sight or rotation),
	// where trailing partial bytes are parsed best-effort too.
	FromStart bool
	// New is false in the steady state where the file has not changed
	// since the last pass.
	New bool
}

// Tracker owns the cursor table for one provider's file set. It is not
// safe for concurrent use; the caller guarantees single-flight passes.
type Tracker struct {
	cursors map[string]Cursor
}

// NewTracker returns an empty tracker.
func NewTracker() *Tracker {
	return &Tracker{cursors: make(map[string]Cursor)}
}

// Cursor returns the current cursor for path, if any.
func (t *Tracker) Cursor(path string) (Cursor, bool) {
	c, ok := t.cursors[path]
	return c, ok
}

// Advance inspects path and returns the bytes that became safe to
// parse since the previous pass, updating the stored cursor.
func (t *Tracker) Advance(path string) (Segment, error) {
	seg := Segment{Path: path}

	info, err := os.Stat(path)
	if err != nil {
		return seg, fmt.Errorf("stat %s: %w", path, err)
	}
	size := info.Size()
	modTime := info.ModTime()
	inode, hasInode := fileInode(info)

	prev, known := t.cursors[path]
	fromStart := !known
	switch {
	case !known:
	case hasInode && prev.HasInode && inode != prev.Inode:
		// Rotated: same path, different file.
		fromStart = true
	case size < prev.Offset:
		// Truncated below what we already parsed.
		fromStart = true
	case size == prev.Offset && modTime.Equal(prev.ModTime):
		// Steady state: nothing new, keep the cursor untouched.
		return seg, nil
	}

	readFrom := prev.Offset
	if fromStart {
		readFrom = 0
	}
	newData, err := readFromOffset(path, readFrom)
	if err != nil {
		return seg, err
	}

	var buf []byte
	if fromStart {
		buf = newData
	} else {
		buf = append(append([]byte{}, prev.Pending...), newData...)
		seg.Context = prev.Context
	}

	var complete, pending []byte
	if fromStart {
		// No continuation is expected on a fresh read, so trailing
		// partial bytes are parsed best-effort once.
		complete = buf
	} else {
		complete, pending = splitLastLine(buf)
	}

	seg.Data = complete
	seg.FromStart = fromStart
	seg.New = true

	next := Cursor{
		Inode:    inode,
		HasInode: hasInode,
		ModTime:  modTime,
		Size:     size,
		Offset:   size,
		Pending:  pending,
		Context:  tailBytes(append(append([]byte{}, seg.Context...), complete...), MaxContextTail),
	}
	t.cursors[path] = next
	return seg, nil
}

// Retain drops cursors for files no longer in the active set.
func (t *Tracker) Retain(active []string) {
	keep := make(map[string]bool, len(active))
	for _, p := range active {
		keep[p] = true
	}
	for p := range t.cursors {
		if !keep[p] {
			delete(t.cursors, p)
		}
	}
}

// splitLastLine cuts buf at the last line terminator into a complete
// prefix (terminator included) and an unterminated pending suffix.
func splitLastLine(buf []byte) (complete, pending []byte) {
	idx := bytes.LastIndexByte(buf, '\n')
	if idx < 0 {
		return nil, buf
	}
	return buf[:idx+1], buf[idx+1:]
}

func readFromOffset(path string, offset int64) ([]byte, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	if offset > 0 {
		if _, err := f.Seek(offset, io.SeekStart); err != nil {
			return nil, fmt.Errorf("seek %s to %d: %w", path, offset, err)
		}
	}
	data, err := io.ReadAll(f)
	if err != nil {
		return nil, fmt.Errorf("read %s: %w", path, err)
	}
	return data, nil
}

func tailBytes(b []byte, max int) []byte {
	if len(b) <= max {
		return b
	}
	return append([]byte{}, b[len(b)-max:]...)
}

// FindFiles enumerates files under each root (recursively) whose name
// carries one of the given extensions. Roots that do not exist are
// skipped. A root that is itself a matching file is included.
func FindFiles(roots []string, exts map[string]bool) []string {
	var out []string
	seen := make(map[string]bool)
	for _, root := range roots {
		info, err := os.Stat(root)
		if err != nil {
			continue
		}
		if !info.IsDir() {
			if exts[strings.ToLower(filepath.Ext(root))] && !seen[root] {
				seen[root] = true
				out = append(out, root)
			}
			continue
		}
		_ = filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil || d.IsDir() {
				return nil
			}
			if exts[strings.ToLower(filepath.Ext(path))] && !seen[path] {
				seen[path] = true
				out = append(out, path)
			}
			return nil
		})
	}
	return out
}
