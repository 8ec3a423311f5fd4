package diskfat

import (
	"errors"
	"os"
	"testing"
	"time"

	"fatfuse/internal/fatlib"

	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRoot() *loc {
	return &loc{dir: true, children: make(map[string]*loc)}
}

func TestLocPaths(t *testing.T) {
	root := newRoot()
	a := root.acquire("Docs", true)
	b := a.acquire("report.txt", false)

	assert.Equal(t, "/", root.path())
	assert.Equal(t, "/Docs", a.path())
	assert.Equal(t, "/Docs/report.txt", b.path())
	assert.Equal(t, "/Docs/new", a.childPath("new"))

	assert.Same(t, a, root.acquire("DOCS", true), "lookups ignore case")
	assert.Equal(t, 2, a.refs)
}

func TestLocRelease(t *testing.T) {
	root := newRoot()
	a := root.acquire("a", true)
	b := a.acquire("b", true)
	a.release()

	// a is still needed by b
	assert.Contains(t, root.children, "a")
	b.release()
	assert.Empty(t, a.children)
	assert.Empty(t, root.children)
}

func TestLocMove(t *testing.T) {
	root := newRoot()
	src := root.acquire("src", true)
	f := src.acquire("f", false)
	dst := root.acquire("dst", true)
	old := dst.acquire("g", false)

	src.moveChild("f", dst, "g")
	assert.Same(t, dst, f.parent)
	assert.Equal(t, "/dst/g", f.path())
	assert.True(t, old.gone)
	assert.Same(t, f, dst.children["g"])
	assert.NotContains(t, src.children, "f")

	// A name without a location is left alone.
	root.moveChild("none", dst, "x")
	assert.Len(t, dst.children, 1)
}

func TestLocRemoveMarksSubtree(t *testing.T) {
	root := newRoot()
	a := root.acquire("a", true)
	b := a.acquire("b", false)

	root.removeChild("A")
	assert.True(t, a.gone)
	assert.True(t, b.gone)

	h := &handle{fs: &FS{}, loc: b}
	assert.ErrorIs(t, h.check(), fatlib.ErrNotFound)
}

func TestTranslate(t *testing.T) {
	tests := []struct {
		err  error
		want error
	}{
		{filesystem.ErrNotSupported, fatlib.ErrUnsupported},
		{filesystem.ErrNotImplemented, fatlib.ErrUnsupported},
		{filesystem.ErrReadonlyFilesystem, fatlib.ErrReadOnly},
		{os.ErrNotExist, fatlib.ErrNotFound},
		{os.ErrExist, fatlib.ErrExist},
	}
	for _, tt := range tests {
		t.Run(tt.err.Error(), func(t *testing.T) {
			got := translate(tt.err)
			assert.ErrorIs(t, got, tt.want)
			assert.ErrorIs(t, got, tt.err)
		})
	}

	other := errors.New("bad sector")
	assert.Same(t, other, translate(other))
	assert.NoError(t, translate(nil))
}

func TestClosedVolume(t *testing.T) {
	fsys := &FS{closed: true, root: newRoot()}
	_, err := fsys.Root()
	assert.ErrorIs(t, err, fatlib.ErrClosed)
	_, err = fsys.Stats()
	assert.ErrorIs(t, err, fatlib.ErrClosed)
	assert.ErrorIs(t, fsys.Flush(), fatlib.ErrClosed)
	assert.ErrorIs(t, fsys.Unmount(), fatlib.ErrClosed)
}

func TestOpenMissingDevice(t *testing.T) {
	_, err := Open(t.TempDir()+"/missing.img", 0, true)
	require.Error(t, err)
}

type namedInfo struct {
	os.FileInfo
	name, short string
}

func (n namedInfo) Name() string      { return n.name }
func (n namedInfo) ShortName() string { return n.short }

func TestShortOnly(t *testing.T) {
	tests := []struct {
		name string
		fi   os.FileInfo
		want bool
	}{
		{"long name", namedInfo{name: "report.txt", short: "REPORT.TXT"}, false},
		{"truncated long name", namedInfo{name: "Quarterly Report.docx", short: "QUARTE~1.DOC"}, false},
		{"upper case 8.3", namedInfo{name: "REPORT.TXT", short: "REPORT.TXT"}, true},
		{"lower case flags", namedInfo{name: "readme.txt", short: "readme.txt"}, true},
		{"no short name method", plainInfo{"x"}, false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, shortOnly(tt.fi))
		})
	}
}

type plainInfo struct{ name string }

func (p plainInfo) Name() string       { return p.name }
func (p plainInfo) Size() int64        { return 0 }
func (p plainInfo) Mode() os.FileMode  { return 0 }
func (p plainInfo) ModTime() time.Time { return time.Time{} }
func (p plainInfo) IsDir() bool        { return false }
func (p plainInfo) Sys() any           { return nil }
