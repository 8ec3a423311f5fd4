package diskfat

import (
	"bytes"
	"encoding/binary"
	"testing"

	"fatfuse/internal/fatlib"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type layout struct {
	bps, spc, reserved, fats, rootEnts uint16
	fatSz16                            uint16
	fatSz32, total32                   uint32
	fsInfo                             uint16
}

func bootSector(l layout) []byte {
	bs := make([]byte, bootSectorSize)
	binary.LittleEndian.PutUint16(bs[bpbBytsPerSec:], l.bps)
	bs[bpbSecPerClus] = byte(l.spc)
	binary.LittleEndian.PutUint16(bs[bpbRsvdSecCnt:], l.reserved)
	bs[bpbNumFATs] = byte(l.fats)
	binary.LittleEndian.PutUint16(bs[bpbRootEntCnt:], l.rootEnts)
	binary.LittleEndian.PutUint16(bs[bpbFATSz16:], l.fatSz16)
	binary.LittleEndian.PutUint32(bs[bpbTotSec32:], l.total32)
	binary.LittleEndian.PutUint32(bs[bpbFATSz32:], l.fatSz32)
	binary.LittleEndian.PutUint16(bs[bpbFSInfo32:], l.fsInfo)
	binary.LittleEndian.PutUint16(bs[bs55AA:], 0xaa55)
	return bs
}

// image lays out a boot sector followed by the reserved area and the
// first FAT, offset by pad bytes.
func image(l layout, pad int) []byte {
	fatSz := uint32(l.fatSz16)
	if fatSz == 0 {
		fatSz = l.fatSz32
	}
	size := pad + (int(l.reserved)+int(fatSz))*int(l.bps)
	img := make([]byte, size)
	copy(img[pad:], bootSector(l))
	return img
}

func fatOffset(l layout, pad int) int {
	return pad + int(l.reserved)*int(l.bps)
}

var fat16Layout = layout{
	bps: 512, spc: 4, reserved: 1, fats: 2, rootEnts: 512,
	fatSz16: 100, total32: 40000,
}

var fat32Layout = layout{
	bps: 512, spc: 1, reserved: 32, fats: 2,
	fatSz32: 600, total32: 70000, fsInfo: 1,
}

func TestParseBootSector(t *testing.T) {
	t.Run("FAT16", func(t *testing.T) {
		g, err := parseBootSector(bootSector(fat16Layout))
		require.NoError(t, err)
		assert.Equal(t, fat16, g.kind)
		// 40000 - (1 + 2*100 + 32) sectors, 4 per cluster
		assert.Equal(t, uint32(9941), g.clusters)
		assert.Equal(t, uint32(2048), g.clusterSize())
	})

	t.Run("FAT32", func(t *testing.T) {
		g, err := parseBootSector(bootSector(fat32Layout))
		require.NoError(t, err)
		assert.Equal(t, fat32, g.kind)
		assert.Equal(t, uint32(70000-32-1200), g.clusters)
		assert.Equal(t, uint32(1), g.fsInfoSector)
	})

	t.Run("SmallFAT32", func(t *testing.T) {
		// Too few clusters for FAT32 by count, but laid out as FAT32.
		l := fat32Layout
		l.total32 = 20000
		l.fatSz32 = 160
		g, err := parseBootSector(bootSector(l))
		require.NoError(t, err)
		assert.Equal(t, fat32, g.kind)
		assert.Equal(t, uint32(20000-32-320), g.clusters)
	})

	t.Run("FAT12", func(t *testing.T) {
		l := layout{bps: 512, spc: 1, reserved: 1, fats: 2, rootEnts: 224, fatSz16: 9, total32: 2880}
		g, err := parseBootSector(bootSector(l))
		require.NoError(t, err)
		assert.Equal(t, fat12, g.kind)
	})

	corrupt := map[string]func([]byte){
		"no signature":        func(bs []byte) { bs[bs55AA] = 0 },
		"sector size":         func(bs []byte) { binary.LittleEndian.PutUint16(bs[bpbBytsPerSec:], 500) },
		"cluster not pow2":    func(bs []byte) { bs[bpbSecPerClus] = 3 },
		"zero fats":           func(bs []byte) { bs[bpbNumFATs] = 0 },
		"no data region":      func(bs []byte) { binary.LittleEndian.PutUint32(bs[bpbTotSec32:], 100) },
		"no reserved sectors": func(bs []byte) { binary.LittleEndian.PutUint16(bs[bpbRsvdSecCnt:], 0) },
	}
	for name, mutate := range corrupt {
		t.Run(name, func(t *testing.T) {
			bs := bootSector(fat16Layout)
			mutate(bs)
			_, err := parseBootSector(bs)
			assert.ErrorIs(t, err, fatlib.ErrCorrupt)
		})
	}

	t.Run("Short", func(t *testing.T) {
		_, err := parseBootSector(make([]byte, 100))
		assert.ErrorIs(t, err, fatlib.ErrCorrupt)
	})
}

func TestReadStatsScansFAT(t *testing.T) {
	const pad = 4096 // partition start
	img := image(fat16Layout, pad)
	off := fatOffset(fat16Layout, pad)
	for c := 2; c < 12; c++ {
		binary.LittleEndian.PutUint16(img[off+2*c:], 0xffff)
	}

	st, err := readStats(bytes.NewReader(img), pad)
	require.NoError(t, err)
	assert.Equal(t, uint32(2048), st.ClusterSize)
	assert.Equal(t, uint32(512), st.SectorSize)
	assert.Equal(t, uint64(9941), st.TotalClusters)
	assert.Equal(t, uint64(9941-10), st.FreeClusters)
}

func TestReadStatsFAT32(t *testing.T) {
	clusters := uint32(70000 - 32 - 1200)

	setup := func(free uint32) []byte {
		img := image(fat32Layout, 0)
		fsi := img[512:1024]
		binary.LittleEndian.PutUint32(fsi[fsiLeadSig:], fsiLeadValue)
		binary.LittleEndian.PutUint32(fsi[fsiStrucSig:], fsiStrucValue)
		binary.LittleEndian.PutUint32(fsi[fsiFreeCount:], free)

		off := fatOffset(fat32Layout, 0)
		for c := 2; c < 7; c++ {
			// the high nibble is reserved and must be ignored
			binary.LittleEndian.PutUint32(img[off+4*c:], 0xf0000000|uint32(c+1))
		}
		binary.LittleEndian.PutUint32(img[off+4*7:], 0xf0000000)
		return img
	}

	t.Run("FSInfoHint", func(t *testing.T) {
		st, err := readStats(bytes.NewReader(setup(1234)), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(1234), st.FreeClusters)
	})

	t.Run("UnknownHintScans", func(t *testing.T) {
		st, err := readStats(bytes.NewReader(setup(fsiUnknown)), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(clusters-5), st.FreeClusters)
	})

	t.Run("ImplausibleHintScans", func(t *testing.T) {
		st, err := readStats(bytes.NewReader(setup(clusters+1)), 0)
		require.NoError(t, err)
		assert.Equal(t, uint64(clusters-5), st.FreeClusters)
	})
}

func TestFAT12Entries(t *testing.T) {
	g := &geometry{kind: fat12}
	// clusters 2 and 3 packed as 0xABC and 0x123
	fat := []byte{0, 0, 0, 0xbc, 0x3a, 0x12, 0}

	v, ok := g.entry(fat, 2)
	require.True(t, ok)
	assert.Equal(t, uint32(0xabc), v)
	v, ok = g.entry(fat, 3)
	require.True(t, ok)
	assert.Equal(t, uint32(0x123), v)

	_, ok = g.entry(fat, 5)
	assert.False(t, ok)
}

func TestReadStatsTruncatedImage(t *testing.T) {
	img := image(fat16Layout, 0)
	_, err := readStats(bytes.NewReader(img[:2048]), 0)
	assert.Error(t, err)
}
