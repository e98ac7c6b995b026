// Package extract mirrors the tree of a mounted image into a host directory.
package extract

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jonas-koeritz/lfsdump"
	"github.com/sirupsen/logrus"
)

const DefaultMaxDepth = 64

type Options struct {
	// Progress receives one "D: <src> > <dst>" or "F: <src> > <dst>" line per
	// directory or file, before it is processed.
	Progress io.Writer
	// Log receives warnings about skipped entries. Defaults to the logrus
	// standard logger.
	Log logrus.FieldLogger
	// Sorted visits the entries of each directory by name instead of in the
	// order the driver stores them.
	Sorted bool
	// MaxDepth bounds directory nesting below the root. Values below one mean
	// DefaultMaxDepth.
	MaxDepth int
}

// Stats counts what an extraction did.
type Stats struct {
	Dirs    int
	Files   int
	Skipped int
	Bytes   int64
}

type Extractor struct {
	fs       lfsdump.Filesystem
	progress io.Writer
	log      logrus.FieldLogger
	sorted   bool
	maxDepth int
	stats    Stats
}

func New(filesystem lfsdump.Filesystem, opts Options) *Extractor {
	x := &Extractor{
		fs:       filesystem,
		progress: opts.Progress,
		log:      opts.Log,
		sorted:   opts.Sorted,
		maxDepth: opts.MaxDepth,
	}
	if x.progress == nil {
		x.progress = io.Discard
	}
	if x.log == nil {
		x.log = logrus.StandardLogger()
	}
	if x.maxDepth <= 0 {
		x.maxDepth = DefaultMaxDepth
	}
	return x
}

// Run extracts the whole image into dst, which must exist. It stops at the
// first failure and returns what was done up to that point.
func (x *Extractor) Run(dst string) (Stats, error) {
	x.stats = Stats{}
	err := x.DumpDirectory("", dst)
	return x.stats, err
}

// DumpDirectory mirrors the image directory src into the host directory dst.
func (x *Extractor) DumpDirectory(src, dst string) error {
	return x.dumpDirectory(src, dst, 0, make(map[uint64]bool))
}

func (x *Extractor) dumpDirectory(src, dst string, depth int, ancestors map[uint64]bool) error {
	d, err := x.fs.OpenDir(src)
	if err != nil {
		return &lfsdump.ExtractError{Kind: lfsdump.OpenDirFailed, Path: displayPath(src), Err: err}
	}
	defer d.Close()

	if k, ok := d.(lfsdump.Keyed); ok {
		key := k.Key()
		if ancestors[key] {
			return &lfsdump.ExtractError{Kind: lfsdump.CycleDetected, Path: displayPath(src)}
		}
		ancestors[key] = true
		defer delete(ancestors, key)
	}

	next := d.Read
	if x.sorted {
		entries, err := readAll(d)
		if err != nil {
			return &lfsdump.ExtractError{Kind: lfsdump.ReadDirFailed, Path: displayPath(src), Err: err}
		}
		sort.Slice(entries, func(i, j int) bool {
			return entries[i].Name < entries[j].Name
		})
		next = func() (lfsdump.Entry, error) {
			if len(entries) == 0 {
				return lfsdump.Entry{}, io.EOF
			}
			e := entries[0]
			entries = entries[1:]
			return e, nil
		}
	}

	for {
		e, err := next()
		if err == io.EOF {
			return nil
		}
		if err != nil {
			return &lfsdump.ExtractError{Kind: lfsdump.ReadDirFailed, Path: displayPath(src), Err: err}
		}
		if err := x.dumpEntry(src, dst, e, depth, ancestors); err != nil {
			return err
		}
	}
}

func (x *Extractor) dumpEntry(src, dst string, e lfsdump.Entry, depth int, ancestors map[uint64]bool) error {
	if e.Name == "." || e.Name == ".." {
		return nil
	}

	s := src + "/" + e.Name
	if e.Name == "" || strings.ContainsAny(e.Name, "/"+string(filepath.Separator)) {
		x.log.WithField("path", s).Warn("skipping entry with invalid name")
		x.stats.Skipped++
		return nil
	}
	t := dst + string(filepath.Separator) + e.Name

	switch e.Type {
	case lfsdump.TypeDir:
		fmt.Fprintf(x.progress, "D: %s > %s\n", s, t)
		if depth+1 > x.maxDepth {
			return &lfsdump.ExtractError{Kind: lfsdump.DepthExceeded, Path: s}
		}
		if err := mkdir(t); err != nil {
			return &lfsdump.ExtractError{Kind: lfsdump.MkdirFailed, Path: t, Err: err}
		}
		x.stats.Dirs++
		return x.dumpDirectory(s, t, depth+1, ancestors)

	case lfsdump.TypeFile:
		fmt.Fprintf(x.progress, "F: %s > %s\n", s, t)
		n, err := x.DumpFile(s, t)
		x.stats.Bytes += n
		if err != nil {
			return err
		}
		x.stats.Files++

	default:
		x.log.WithField("path", s).Warnf("skipping entry of type %s", e.Type)
		x.stats.Skipped++
	}
	return nil
}

// mkdir creates dir. An existing directory is fine.
func mkdir(dir string) error {
	err := os.Mkdir(dir, 0777)
	if err == nil || !errors.Is(err, fs.ErrExist) {
		return err
	}
	info, statErr := os.Stat(dir)
	if statErr != nil {
		return statErr
	}
	if !info.IsDir() {
		return err
	}
	return nil
}

func readAll(d lfsdump.Dir) ([]lfsdump.Entry, error) {
	var entries []lfsdump.Entry
	for {
		e, err := d.Read()
		if err == io.EOF {
			return entries, nil
		}
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
}

func displayPath(p string) string {
	if p == "" {
		return "/"
	}
	return p
}
