package extract

import (
	"bufio"
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"github.com/jonas-koeritz/lfsdump"
	"github.com/jonas-koeritz/lfsdump/littlefs"
	"github.com/jonas-koeritz/lfsdump/littlefs/lfstest"
	"github.com/sirupsen/logrus"
)

var errInjected = errors.New("injected failure")

// fakeFS is an in-memory filesystem. Directory paths are keyed the way the
// extractor builds them: "" for the root, "/a", "/a/b" below it.
type fakeFS struct {
	dirs  map[string][]lfsdump.Entry
	files map[string][]byte
	keys  map[string]uint64

	failOpen    map[string]bool
	failRead    map[string]bool
	failDirRead map[string]bool

	open int
}

func (f *fakeFS) OpenDir(path string) (lfsdump.Dir, error) {
	entries, ok := f.dirs[path]
	if !ok || f.failOpen[path] {
		return nil, errInjected
	}
	f.open++
	d := &fakeDir{fs: f, entries: entries, fail: f.failDirRead[path]}
	if key, ok := f.keys[path]; ok {
		return &keyedDir{fakeDir: d, key: key}, nil
	}
	return d, nil
}

func (f *fakeFS) OpenFile(path string) (lfsdump.File, error) {
	data, ok := f.files[path]
	if !ok || f.failOpen[path] {
		return nil, errInjected
	}
	f.open++
	return &fakeFile{fs: f, r: bytes.NewReader(data), fail: f.failRead[path]}, nil
}

type fakeDir struct {
	fs      *fakeFS
	entries []lfsdump.Entry
	fail    bool
	closed  bool
}

func (d *fakeDir) Read() (lfsdump.Entry, error) {
	if d.fail {
		return lfsdump.Entry{}, errInjected
	}
	if len(d.entries) == 0 {
		return lfsdump.Entry{}, io.EOF
	}
	e := d.entries[0]
	d.entries = d.entries[1:]
	return e, nil
}

func (d *fakeDir) Close() error {
	if !d.closed {
		d.closed = true
		d.fs.open--
	}
	return nil
}

type keyedDir struct {
	*fakeDir
	key uint64
}

func (d *keyedDir) Key() uint64 {
	return d.key
}

type fakeFile struct {
	fs     *fakeFS
	r      *bytes.Reader
	fail   bool
	closed bool
}

func (f *fakeFile) Read(p []byte) (int, error) {
	if f.fail {
		return 0, errInjected
	}
	return f.r.Read(p)
}

func (f *fakeFile) Close() error {
	if !f.closed {
		f.closed = true
		f.fs.open--
	}
	return nil
}

func dir(name string) lfsdump.Entry {
	return lfsdump.Entry{Name: name, Type: lfsdump.TypeDir}
}

func file(name string, size int) lfsdump.Entry {
	return lfsdump.Entry{Name: name, Type: lfsdump.TypeFile, Size: int64(size)}
}

func quietLog() logrus.FieldLogger {
	log := logrus.New()
	log.SetOutput(io.Discard)
	return log
}

func assertFile(t *testing.T, path string, want []byte) {
	t.Helper()
	got, err := os.ReadFile(path)
	if err != nil {
		t.Errorf("%s: %v", path, err)
		return
	}
	if !bytes.Equal(got, want) {
		t.Errorf("%s = %q, want %q", path, got, want)
	}
}

func assertMissing(t *testing.T, path string) {
	t.Helper()
	if _, err := os.Stat(path); !errors.Is(err, os.ErrNotExist) {
		t.Errorf("%s exists", path)
	}
}

func mountImage(t *testing.T, b *lfstest.Builder) *littlefs.FS {
	t.Helper()
	data, err := b.Build()
	if err != nil {
		t.Fatal(err)
	}
	path := filepath.Join(t.TempDir(), "image.bin")
	if err := os.WriteFile(path, data, 0644); err != nil {
		t.Fatal(err)
	}

	img, err := lfsdump.LoadImage(path, lfsdump.Geometry{BlockSize: b.BlockSize, ReadSize: 16, ProgSize: 16})
	if err != nil {
		t.Fatal(err)
	}
	l, err := littlefs.Mount(img)
	if err != nil {
		t.Fatal(err)
	}
	return l
}

func TestExtractImage(t *testing.T) {
	b := lfstest.New(512, 32)
	b.Root().File("a.txt", []byte("xyz"))
	b.Root().Dir("dir1").File("b.bin", nil)
	l := mountImage(t, b)

	out := filepath.Join(t.TempDir(), "out")
	if err := os.Mkdir(out, 0777); err != nil {
		t.Fatal(err)
	}

	var progress bytes.Buffer
	stats, err := New(l, Options{Progress: &progress, Log: quietLog()}).Run(out)
	if err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"F: /a.txt > " + filepath.Join(out, "a.txt"),
		"D: /dir1 > " + filepath.Join(out, "dir1"),
		"F: /dir1/b.bin > " + filepath.Join(out, "dir1", "b.bin"),
	}, "\n") + "\n"
	if progress.String() != want {
		t.Errorf("progress =\n%s\nwant\n%s", progress.String(), want)
	}

	assertFile(t, filepath.Join(out, "a.txt"), []byte("xyz"))
	assertFile(t, filepath.Join(out, "dir1", "b.bin"), nil)

	if stats != (Stats{Dirs: 1, Files: 2, Bytes: 3}) {
		t.Errorf("stats = %+v", stats)
	}
}

func TestExtractImageLarge(t *testing.T) {
	big := make([]byte, 9000)
	for i := range big {
		big[i] = byte(i % 253)
	}
	b := lfstest.New(512, 128)
	b.SplitEvery = 2
	b.EntryCommits = true
	b.Root().File("big", big)
	deep := b.Root().Dir("x").Dir("y").Dir("z")
	deep.File("small", []byte("small")).File("gone", []byte("gone")).Remove("gone")
	b.Root().Entry("weird", 0x003)
	l := mountImage(t, b)

	out := t.TempDir()
	x := New(l, Options{Log: quietLog()})
	for i := 0; i < 2; i++ {
		stats, err := x.Run(out)
		if err != nil {
			t.Fatalf("run %d: %v", i, err)
		}
		if stats != (Stats{Dirs: 3, Files: 2, Skipped: 1, Bytes: 9005}) {
			t.Errorf("run %d: stats = %+v", i, stats)
		}
	}

	assertFile(t, filepath.Join(out, "big"), big)
	assertFile(t, filepath.Join(out, "x", "y", "z", "small"), []byte("small"))
	assertMissing(t, filepath.Join(out, "x", "y", "z", "gone"))
	assertMissing(t, filepath.Join(out, "weird"))
}

func TestExtractImageV1(t *testing.T) {
	big := make([]byte, 3000)
	for i := range big {
		big[i] = byte(i % 251)
	}
	b := lfstest.NewV1(512, 64)
	b.SplitEvery = 2
	b.Root().File("a.txt", []byte("xyz")).File("big", big)
	d := b.Root().Dir("dir1")
	d.File("b.bin", nil)
	b.Root().File("old", []byte("renamed")).RenamePending("old", d, "new")
	l := mountImage(t, b)

	out := t.TempDir()
	var progress bytes.Buffer
	stats, err := New(l, Options{Progress: &progress, Log: quietLog()}).Run(out)
	if err != nil {
		t.Fatal(err)
	}

	want := strings.Join([]string{
		"F: /a.txt > " + filepath.Join(out, "a.txt"),
		"F: /big > " + filepath.Join(out, "big"),
		"D: /dir1 > " + filepath.Join(out, "dir1"),
		"F: /dir1/b.bin > " + filepath.Join(out, "dir1", "b.bin"),
		"F: /dir1/new > " + filepath.Join(out, "dir1", "new"),
	}, "\n") + "\n"
	if progress.String() != want {
		t.Errorf("progress =\n%s\nwant\n%s", progress.String(), want)
	}

	assertFile(t, filepath.Join(out, "a.txt"), []byte("xyz"))
	assertFile(t, filepath.Join(out, "big"), big)
	assertFile(t, filepath.Join(out, "dir1", "b.bin"), nil)
	assertFile(t, filepath.Join(out, "dir1", "new"), []byte("renamed"))
	assertMissing(t, filepath.Join(out, "old"))

	if stats != (Stats{Dirs: 1, Files: 4, Bytes: 3010}) {
		t.Errorf("stats = %+v", stats)
	}
}

// readManifest returns the block size and the sorted tree lines of one of
// the driver's golden images.
func readManifest(t *testing.T, path string) (uint32, []string) {
	t.Helper()
	f, err := os.Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer f.Close()

	var blockSize uint32
	var lines []string
	sc := bufio.NewScanner(f)
	for sc.Scan() {
		line := sc.Text()
		if _, err := fmt.Sscanf(line, "# geometry %d", &blockSize); err == nil {
			continue
		}
		if line != "" && !strings.HasPrefix(line, "#") {
			lines = append(lines, line)
		}
	}
	if err := sc.Err(); err != nil {
		t.Fatal(err)
	}
	sort.Strings(lines)
	return blockSize, lines
}

func TestExtractGoldenImages(t *testing.T) {
	for _, name := range []string{"v1", "v2"} {
		t.Run(name, func(t *testing.T) {
			base := filepath.Join("..", "littlefs", "testdata", name)
			blockSize, want := readManifest(t, base+".txt")

			img, err := lfsdump.LoadImage(base+".img", lfsdump.Geometry{BlockSize: blockSize, ReadSize: 16, ProgSize: 16})
			if err != nil {
				t.Fatal(err)
			}
			l, err := littlefs.Mount(img)
			if err != nil {
				t.Fatal(err)
			}

			out := t.TempDir()
			stats, err := New(l, Options{Log: quietLog()}).Run(out)
			if err != nil {
				t.Fatal(err)
			}
			if stats.Dirs+stats.Files != len(want) || stats.Skipped != 0 {
				t.Errorf("stats = %+v for %d entries", stats, len(want))
			}

			var got []string
			err = filepath.Walk(out, func(path string, info os.FileInfo, err error) error {
				if err != nil || path == out {
					return err
				}
				rel := "/" + filepath.ToSlash(strings.TrimPrefix(path, out+string(filepath.Separator)))
				if info.IsDir() {
					got = append(got, "D "+rel)
					return nil
				}
				data, err := os.ReadFile(path)
				if err != nil {
					return err
				}
				sum := sha256.Sum256(data)
				got = append(got, fmt.Sprintf("F %s %d %s", rel, len(data), hex.EncodeToString(sum[:])))
				return nil
			})
			if err != nil {
				t.Fatal(err)
			}
			sort.Strings(got)

			if strings.Join(got, "\n") != strings.Join(want, "\n") {
				t.Errorf("extracted tree =\n%s\nwant\n%s", strings.Join(got, "\n"), strings.Join(want, "\n"))
			}
		})
	}
}

func TestEagerAbort(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"":     {dir("."), dir(".."), file("first", 1), dir("sub"), file("after", 1)},
			"/sub": {file("bad", 3), file("sibling", 1)},
		},
		files: map[string][]byte{
			"/first":       []byte("1"),
			"/sub/bad":     []byte("bad"),
			"/sub/sibling": []byte("s"),
			"/after":       []byte("a"),
		},
		failRead: map[string]bool{"/sub/bad": true},
	}
	out := t.TempDir()

	var progress bytes.Buffer
	_, err := New(fs, Options{Progress: &progress, Log: quietLog()}).Run(out)

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.ReadFailed {
		t.Fatalf("Run() = %v, want read failure", err)
	}
	if extractErr.Path != "/sub/bad" || !errors.Is(err, errInjected) {
		t.Errorf("error = %v", err)
	}

	if strings.Contains(progress.String(), "sibling") || strings.Contains(progress.String(), "after") {
		t.Errorf("entries visited after the failure:\n%s", progress.String())
	}
	assertFile(t, filepath.Join(out, "first"), []byte("1"))
	assertFile(t, filepath.Join(out, "sub", "bad"), nil)
	assertMissing(t, filepath.Join(out, "sub", "sibling"))
	assertMissing(t, filepath.Join(out, "after"))

	if fs.open != 0 {
		t.Errorf("%d handles left open", fs.open)
	}
}

func TestExtractErrors(t *testing.T) {
	tests := []struct {
		name string
		fs   *fakeFS
		kind lfsdump.ExtractErrorKind
		path string
	}{
		{
			name: "open root",
			fs:   &fakeFS{failOpen: map[string]bool{"": true}, dirs: map[string][]lfsdump.Entry{"": nil}},
			kind: lfsdump.OpenDirFailed,
			path: "/",
		},
		{
			name: "open subdirectory",
			fs: &fakeFS{dirs: map[string][]lfsdump.Entry{
				"": {dir("missing")},
			}},
			kind: lfsdump.OpenDirFailed,
			path: "/missing",
		},
		{
			name: "read directory",
			fs: &fakeFS{
				dirs:        map[string][]lfsdump.Entry{"": {dir("d")}, "/d": {file("f", 1)}},
				failDirRead: map[string]bool{"/d": true},
			},
			kind: lfsdump.ReadDirFailed,
			path: "/d",
		},
		{
			name: "open source file",
			fs: &fakeFS{dirs: map[string][]lfsdump.Entry{
				"": {file("f", 1)},
			}},
			kind: lfsdump.SourceOpenFailed,
			path: "/f",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := New(tt.fs, Options{Log: quietLog()}).Run(t.TempDir())

			var extractErr *lfsdump.ExtractError
			if !errors.As(err, &extractErr) {
				t.Fatalf("Run() = %v, want extract error", err)
			}
			if extractErr.Kind != tt.kind || extractErr.Path != tt.path {
				t.Errorf("Run() = %v, want %s at %s", err, tt.kind, tt.path)
			}
			if tt.fs.open != 0 {
				t.Errorf("%d handles left open", tt.fs.open)
			}
		})
	}
}

func TestUnsupportedEntries(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"": {
				{Name: "link", Type: lfsdump.EntryType(0x03)},
				file("a/b", 1),
				file("", 1),
				file("kept", 1),
			},
		},
		files: map[string][]byte{"/kept": []byte("k")},
	}
	out := t.TempDir()

	stats, err := New(fs, Options{Log: quietLog()}).Run(out)
	if err != nil {
		t.Fatal(err)
	}
	if stats.Skipped != 3 || stats.Files != 1 {
		t.Errorf("stats = %+v", stats)
	}
	assertFile(t, filepath.Join(out, "kept"), []byte("k"))
	assertMissing(t, filepath.Join(out, "link"))
}

func TestCycle(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"":           {dir("loop")},
			"/loop":      {dir("back")},
			"/loop/back": {dir("again")},
		},
		keys: map[string]uint64{"": 1, "/loop": 2, "/loop/back": 1},
	}

	_, err := New(fs, Options{Log: quietLog()}).Run(t.TempDir())

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.CycleDetected {
		t.Fatalf("Run() = %v, want cycle", err)
	}
	if extractErr.Path != "/loop/back" {
		t.Errorf("cycle reported at %s", extractErr.Path)
	}
	if fs.open != 0 {
		t.Errorf("%d handles left open", fs.open)
	}
}

func TestSameKeyInSiblings(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"":   {dir("a"), dir("b")},
			"/a": {},
			"/b": {},
		},
		keys: map[string]uint64{"": 1, "/a": 2, "/b": 2},
	}

	if _, err := New(fs, Options{Log: quietLog()}).Run(t.TempDir()); err != nil {
		t.Errorf("Run() = %v", err)
	}
}

func TestMaxDepth(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"":       {dir("a")},
			"/a":     {dir("a")},
			"/a/a":   {dir("a")},
			"/a/a/a": {},
		},
	}

	out := t.TempDir()
	_, err := New(fs, Options{Log: quietLog(), MaxDepth: 2}).Run(out)

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.DepthExceeded {
		t.Fatalf("Run() = %v, want depth exceeded", err)
	}
	if extractErr.Path != "/a/a/a" {
		t.Errorf("depth exceeded at %s", extractErr.Path)
	}
	assertMissing(t, filepath.Join(out, "a", "a", "a"))

	if _, err := New(fs, Options{Log: quietLog(), MaxDepth: 3}).Run(t.TempDir()); err != nil {
		t.Errorf("MaxDepth 3: Run() = %v", err)
	}
}

func TestSorted(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{
			"":   {file("c", 0), dir("b"), file("a", 0)},
			"/b": {},
		},
		files: map[string][]byte{"/a": nil, "/c": nil},
	}
	out := t.TempDir()

	var progress bytes.Buffer
	if _, err := New(fs, Options{Progress: &progress, Log: quietLog(), Sorted: true}).Run(out); err != nil {
		t.Fatal(err)
	}

	var order []string
	for _, line := range strings.Split(strings.TrimSpace(progress.String()), "\n") {
		order = append(order, strings.Fields(line)[1])
	}
	if got := strings.Join(order, " "); got != "/a /b /c" {
		t.Errorf("order = %s", got)
	}
}

func TestDestinationPathsAreConcatenated(t *testing.T) {
	fs := &fakeFS{
		dirs:  map[string][]lfsdump.Entry{"": {dir("d")}, "/d": {file("f", 1)}},
		files: map[string][]byte{"/d/f": []byte("f")},
	}
	out := t.TempDir()
	sep := string(filepath.Separator)

	var progress bytes.Buffer
	if _, err := New(fs, Options{Progress: &progress, Log: quietLog()}).Run(out + sep); err != nil {
		t.Fatal(err)
	}

	want := "D: /d > " + out + sep + sep + "d\n" +
		"F: /d/f > " + out + sep + sep + "d" + sep + "f\n"
	if progress.String() != want {
		t.Errorf("progress =\n%s\nwant\n%s", progress.String(), want)
	}
	assertFile(t, filepath.Join(out, "d", "f"), []byte("f"))
}

func TestMkdirFailed(t *testing.T) {
	fs := &fakeFS{
		dirs: map[string][]lfsdump.Entry{"": {dir("d")}, "/d": {}},
	}
	out := t.TempDir()
	if err := os.WriteFile(filepath.Join(out, "d"), []byte("file"), 0644); err != nil {
		t.Fatal(err)
	}

	_, err := New(fs, Options{Log: quietLog()}).Run(out)

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.MkdirFailed {
		t.Fatalf("Run() = %v, want mkdir failure", err)
	}
	if extractErr.Path != filepath.Join(out, "d") {
		t.Errorf("path = %s", extractErr.Path)
	}
}

func TestExistingDirectory(t *testing.T) {
	fs := &fakeFS{
		dirs:  map[string][]lfsdump.Entry{"": {dir("d")}, "/d": {file("f", 1)}},
		files: map[string][]byte{"/d/f": []byte("new")},
	}
	out := t.TempDir()
	if err := os.Mkdir(filepath.Join(out, "d"), 0777); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(out, "d", "f"), []byte("older content"), 0644); err != nil {
		t.Fatal(err)
	}

	if _, err := New(fs, Options{Log: quietLog()}).Run(out); err != nil {
		t.Fatal(err)
	}
	assertFile(t, filepath.Join(out, "d", "f"), []byte("new"))
}

func TestDestOpenFailed(t *testing.T) {
	fs := &fakeFS{
		dirs:  map[string][]lfsdump.Entry{"": {file("f", 1)}},
		files: map[string][]byte{"/f": []byte("f")},
	}
	out := t.TempDir()
	if err := os.Mkdir(filepath.Join(out, "f"), 0777); err != nil {
		t.Fatal(err)
	}

	_, err := New(fs, Options{Log: quietLog()}).Run(out)

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.DestOpenFailed {
		t.Fatalf("Run() = %v, want destination open failure", err)
	}
	if fs.open != 0 {
		t.Errorf("%d handles left open", fs.open)
	}
}

func TestDumpFileChunks(t *testing.T) {
	data := make([]byte, 3*chunkSize+17)
	for i := range data {
		data[i] = byte(i)
	}
	fs := &fakeFS{files: map[string][]byte{"/f": data}}
	dst := filepath.Join(t.TempDir(), "f")

	n, err := New(fs, Options{Log: quietLog()}).DumpFile("/f", dst)
	if err != nil {
		t.Fatal(err)
	}
	if n != int64(len(data)) {
		t.Errorf("DumpFile() = %d, want %d", n, len(data))
	}
	assertFile(t, dst, data)
}

func TestDumpFileWriteFailed(t *testing.T) {
	if _, err := os.Stat("/dev/full"); err != nil {
		t.Skip("/dev/full not available")
	}
	fs := &fakeFS{files: map[string][]byte{"/f": []byte("does not fit")}}

	n, err := New(fs, Options{Log: quietLog()}).DumpFile("/f", "/dev/full")

	var extractErr *lfsdump.ExtractError
	if !errors.As(err, &extractErr) || extractErr.Kind != lfsdump.WriteFailed {
		t.Fatalf("DumpFile() = %d, %v, want write failure", n, err)
	}
	if extractErr.Path != "/dev/full" {
		t.Errorf("Path = %q", extractErr.Path)
	}
	if n != 0 {
		t.Errorf("DumpFile() = %d bytes written", n)
	}
	if fs.open != 0 {
		t.Errorf("%d handles left open", fs.open)
	}
}
