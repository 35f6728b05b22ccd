// Package sink stores the output a session routes to it.
package sink

import (
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/eugenetaranov/daggy/internal/event"
	"github.com/eugenetaranov/daggy/internal/source"
)

// Sink accepts data events. Write is called concurrently for different
// sources but never concurrently for one source.
type Sink interface {
	Write(ev event.DataEvent) error
	Close() error
}

// Discard drops every event.
type Discard struct{}

func (Discard) Write(event.DataEvent) error { return nil }
func (Discard) Close() error                { return nil }

// File writes every command's output to <dir>/<source>/<command>.<ext>.
// Files are created on the first payload and opened for append.
type File struct {
	dir  string
	exts map[string]string

	mu    sync.Mutex
	files map[string]*os.File
}

// NewFile creates a file sink for defs under dir. The directory is created
// lazily with the first file.
func NewFile(dir string, defs []source.Definition) *File {
	exts := make(map[string]string)
	for _, d := range defs {
		for _, c := range d.Commands {
			exts[key(d.Name, c.ID)] = c.GetExtension()
		}
	}
	return &File{dir: dir, exts: exts, files: make(map[string]*os.File)}
}

// DefaultDir returns the folder used when none is given: the input file's
// base name plus a timestamp, under cwd.
func DefaultDir(cwd, input string, now time.Time) string {
	base := filepath.Base(input)
	base = strings.TrimSuffix(base, filepath.Ext(base))
	if input == "" || base == "." || base == string(filepath.Separator) {
		base = "stdin"
	}
	return filepath.Join(cwd, fmt.Sprintf("%s-%s", base, now.Format("060102-150405")))
}

// Dir returns the output folder.
func (f *File) Dir() string { return f.dir }

// Path returns the file an event of source/command is written to.
func (f *File) Path(src, cmd string) string {
	return filepath.Join(f.dir, src, cmd+"."+f.ext(src, cmd))
}

func (f *File) ext(src, cmd string) string {
	if ext, ok := f.exts[key(src, cmd)]; ok {
		return ext
	}
	return source.DefaultExtension
}

// element reports whether name stays one path element under the folder.
func element(name string) bool {
	return name != "" && name != "." && name != ".." && !strings.ContainsAny(name, `/\`)
}

// Write appends the payload to the command's file.
func (f *File) Write(ev event.DataEvent) error {
	file, err := f.open(ev.Source, ev.Command)
	if err != nil {
		return err
	}
	if _, err := file.Write(ev.Payload); err != nil {
		return fmt.Errorf("failed to write %s: %w", file.Name(), err)
	}
	return nil
}

func (f *File) open(src, cmd string) (*os.File, error) {
	f.mu.Lock()
	defer f.mu.Unlock()

	k := key(src, cmd)
	if file, ok := f.files[k]; ok {
		return file, nil
	}

	path := f.Path(src, cmd)
	if !element(src) || !element(cmd) || !element(f.ext(src, cmd)) {
		return nil, fmt.Errorf("cannot store output of %q/%q: names must be single path elements", src, cmd)
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create output folder: %w", err)
	}
	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open %s: %w", path, err)
	}
	f.files[k] = file
	return file, nil
}

// Close closes every open file.
func (f *File) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()

	var errs []error
	for k, file := range f.files {
		if err := file.Close(); err != nil {
			errs = append(errs, err)
		}
		delete(f.files, k)
	}
	return errors.Join(errs...)
}

// Console echoes payloads line by line, prefixed with [source/command].
type Console struct {
	mu sync.Mutex
	w  io.Writer
	// partial holds an unterminated trailing line per command.
	partial map[string]string
}

// NewConsole creates a console sink writing to w.
func NewConsole(w io.Writer) *Console {
	return &Console{w: w, partial: make(map[string]string)}
}

func (c *Console) Write(ev event.DataEvent) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	k := key(ev.Source, ev.Command)
	text := c.partial[k] + string(ev.Payload)
	lines := strings.Split(text, "\n")
	c.partial[k] = lines[len(lines)-1]

	for _, line := range lines[:len(lines)-1] {
		if _, err := fmt.Fprintf(c.w, "[%s/%s] %s\n", ev.Source, ev.Command, line); err != nil {
			return err
		}
	}
	return nil
}

// Close prints trailing lines that never got a newline.
func (c *Console) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()

	keys := make([]string, 0, len(c.partial))
	for k, rest := range c.partial {
		if rest != "" {
			keys = append(keys, k)
		}
	}
	sort.Strings(keys)
	for _, k := range keys {
		src, cmd, _ := strings.Cut(k, "\x00")
		if _, err := fmt.Fprintf(c.w, "[%s/%s] %s\n", src, cmd, c.partial[k]); err != nil {
			return err
		}
	}
	c.partial = make(map[string]string)
	return nil
}

// Multi fans events out to several sinks. Every sink sees every event; the
// errors are joined.
type Multi []Sink

func (m Multi) Write(ev event.DataEvent) error {
	var errs []error
	for _, s := range m {
		if err := s.Write(ev); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (m Multi) Close() error {
	var errs []error
	for _, s := range m {
		if err := s.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func key(src, cmd string) string {
	return src + "\x00" + cmd
}

var (
	_ Sink = Discard{}
	_ Sink = (*File)(nil)
	_ Sink = (*Console)(nil)
	_ Sink = Multi(nil)
)
