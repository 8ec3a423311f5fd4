package diskfat_test

import (
	"errors"
	"io"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"fatfuse/internal/fatfs"
	"fatfuse/internal/fatlib/diskfat"

	diskfs "github.com/diskfs/go-diskfs"
	"github.com/diskfs/go-diskfs/disk"
	"github.com/diskfs/go-diskfs/filesystem"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newImage formats a whole-disk FAT32 image and returns its path.
func newImage(t *testing.T) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "fat.img")
	d, err := diskfs.Create(p, 32<<20, diskfs.SectorSizeDefault)
	require.NoError(t, err)
	_, err = d.CreateFilesystem(disk.FilesystemSpec{
		Partition:   0,
		FSType:      filesystem.TypeFat32,
		VolumeLabel: "FATFUSE",
	})
	require.NoError(t, err)
	require.NoError(t, d.Close())
	return p
}

func mountImage(t *testing.T) *fatfs.Volume {
	t.Helper()
	lib, err := diskfat.Open(newImage(t), 0, false)
	require.NoError(t, err)
	vol, err := fatfs.Mount(lib, fatfs.Options{FlushWindow: time.Hour})
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, vol.ShutDown())
	})
	return vol
}

func create(t *testing.T, d *fatfs.Dir, name, contents string) {
	t.Helper()
	f, err := d.CreateFile(name)
	require.NoError(t, err)
	_, err = f.WriteAt([]byte(contents), 0)
	require.NoError(t, err)
	f.CloseRef()
	f.Forget()
}

func mkdir(t *testing.T, d *fatfs.Dir, name string) *fatfs.Dir {
	t.Helper()
	sub, err := d.Mkdir(name)
	require.NoError(t, err)
	t.Cleanup(sub.Forget)
	return sub
}

func contents(t *testing.T, d *fatfs.Dir, name string) string {
	t.Helper()
	n, err := d.Lookup(name)
	require.NoError(t, err)
	defer n.Forget()
	f, ok := n.(*fatfs.File)
	require.True(t, ok, "%q should be a file", name)
	require.NoError(t, f.Open())
	defer f.CloseRef()

	buf := make([]byte, 256)
	k, err := f.ReadAt(buf, 0)
	if err != nil && !errors.Is(err, io.EOF) {
		require.NoError(t, err)
	}
	return string(buf[:k])
}

func names(t *testing.T, d *fatfs.Dir) []string {
	t.Helper()
	ents, err := d.Entries()
	require.NoError(t, err)
	out := make([]string, 0, len(ents))
	for _, e := range ents {
		out = append(out, e.Name)
	}
	return out
}

func TestImageRename(t *testing.T) {
	vol := mountImage(t)
	root := vol.Root()

	t.Run("DirectoryWithChild", func(t *testing.T) {
		a := mkdir(t, root, "a")
		create(t, a, "f", "inside")

		require.NoError(t, vol.Rename(root, "a", root, "b"))
		assert.Equal(t, []string{"b"}, names(t, root))
		_, err := root.Lookup("a")
		assert.ErrorIs(t, err, fatfs.ErrNotFound)

		b, err := root.Lookup("b")
		require.NoError(t, err)
		defer b.Forget()
		assert.Equal(t, "inside", contents(t, b.(*fatfs.Dir), "f"))
		require.NoError(t, vol.Rename(root, "b", root, "a"))
	})

	t.Run("ReplaceFile", func(t *testing.T) {
		d := mkdir(t, root, "replace")
		create(t, d, "x", "new")
		create(t, d, "y", "old")

		require.NoError(t, vol.Rename(d, "x", d, "y"))
		assert.Equal(t, []string{"y"}, names(t, d), "the replaced entry must be gone")
		assert.Equal(t, "new", contents(t, d, "y"))
	})

	t.Run("ReplaceShortNameFile", func(t *testing.T) {
		d := mkdir(t, root, "short")
		create(t, d, "x", "new")
		create(t, d, "Y.TXT", "old")

		err := vol.Rename(d, "x", d, "Y.TXT")
		assert.ErrorIs(t, err, fatfs.ErrNotSupported)
		assert.Equal(t, []string{"Y.TXT", "x"}, names(t, d))
		assert.Equal(t, "old", contents(t, d, "Y.TXT"))
	})

	t.Run("CaseOnly", func(t *testing.T) {
		d := mkdir(t, root, "case")
		create(t, d, "notes.txt", "text")

		require.NoError(t, vol.Rename(d, "notes.txt", d, "Notes.TXT"))
		assert.Equal(t, []string{"Notes.TXT"}, names(t, d))
		assert.Equal(t, "text", contents(t, d, "notes.txt"))
	})

	t.Run("AcrossDirectories", func(t *testing.T) {
		src := mkdir(t, root, "src")
		dst := mkdir(t, root, "dst")
		create(t, src, "f", "data")

		err := vol.Rename(src, "f", dst, "f")
		assert.ErrorIs(t, err, fatfs.ErrCrossDir)
		assert.Equal(t, []string{"f"}, names(t, src))
		assert.Empty(t, names(t, dst))
		assert.Equal(t, "data", contents(t, src, "f"))
	})

	t.Run("ShortNameSource", func(t *testing.T) {
		d := mkdir(t, root, "plain")
		create(t, d, "ABC.TXT", "abc")

		assert.ErrorIs(t, vol.Rename(d, "ABC.TXT", d, "renamed.txt"), fatfs.ErrNotSupported)
		assert.ErrorIs(t, d.Unlink("ABC.TXT", false), fatfs.ErrNotSupported)
		assert.Equal(t, []string{"ABC.TXT"}, names(t, d))
	})
}

func TestImageUnlink(t *testing.T) {
	vol := mountImage(t)
	root := vol.Root()

	d := mkdir(t, root, "dir")
	create(t, d, "file.txt", "x")
	assert.ErrorIs(t, root.Unlink("dir", true), fatfs.ErrNotEmpty)

	require.NoError(t, d.Unlink("file.txt", false))
	require.NoError(t, root.Unlink("dir", true))
	assert.Empty(t, names(t, root))
}

func TestImageStatfs(t *testing.T) {
	vol := mountImage(t)

	before, err := vol.QueryFilesystemInfo()
	require.NoError(t, err)
	assert.NotZero(t, before.BlockSize)
	assert.Greater(t, before.TotalBytes, before.UsedBytes)
	assert.Equal(t, vol.BlockSize(), before.BlockSize)

	create(t, vol.Root(), "big.bin", strings.Repeat("z", 64<<10))
	after, err := vol.QueryFilesystemInfo()
	require.NoError(t, err)
	assert.Equal(t, before.TotalBytes, after.TotalBytes)
	assert.GreaterOrEqual(t, after.UsedBytes, before.UsedBytes+64<<10)
}
