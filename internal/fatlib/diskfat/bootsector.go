package diskfat

import (
	"encoding/binary"
	"fmt"
	"io"

	"fatfuse/internal/fatlib"
)

// Boot sector and FSInfo field offsets.
const (
	bpbBytsPerSec = 11
	bpbSecPerClus = 13
	bpbRsvdSecCnt = 14
	bpbNumFATs    = 16
	bpbRootEntCnt = 17
	bpbTotSec16   = 19
	bpbFATSz16    = 22
	bpbTotSec32   = 32
	bpbFATSz32    = 36
	bpbFSInfo32   = 48
	bs55AA        = 510

	fsiLeadSig    = 0
	fsiStrucSig   = 484
	fsiFreeCount  = 488
	fsiLeadValue  = 0x41615252
	fsiStrucValue = 0x61417272
	fsiUnknown    = 0xffffffff

	bootSectorSize = 512
	dirEntrySize   = 32
)

type fatType int

const (
	fat12 fatType = iota
	fat16
	fat32
)

func (t fatType) String() string {
	switch t {
	case fat12:
		return "FAT12"
	case fat16:
		return "FAT16"
	default:
		return "FAT32"
	}
}

// geometry is the volume layout decoded from a boot sector.
type geometry struct {
	bytesPerSector    uint32
	sectorsPerCluster uint32
	reservedSectors   uint32
	numFATs           uint32
	rootEntries       uint32
	totalSectors      uint32
	fatSectors        uint32
	fsInfoSector      uint32
	clusters          uint32
	kind              fatType
}

func parseBootSector(bs []byte) (*geometry, error) {
	if len(bs) < bootSectorSize {
		return nil, fmt.Errorf("%w: boot sector is %d bytes", fatlib.ErrCorrupt, len(bs))
	}
	if binary.LittleEndian.Uint16(bs[bs55AA:]) != 0xaa55 {
		return nil, fmt.Errorf("%w: missing boot signature", fatlib.ErrCorrupt)
	}

	g := &geometry{
		bytesPerSector:    uint32(binary.LittleEndian.Uint16(bs[bpbBytsPerSec:])),
		sectorsPerCluster: uint32(bs[bpbSecPerClus]),
		reservedSectors:   uint32(binary.LittleEndian.Uint16(bs[bpbRsvdSecCnt:])),
		numFATs:           uint32(bs[bpbNumFATs]),
		rootEntries:       uint32(binary.LittleEndian.Uint16(bs[bpbRootEntCnt:])),
		totalSectors:      uint32(binary.LittleEndian.Uint16(bs[bpbTotSec16:])),
		fatSectors:        uint32(binary.LittleEndian.Uint16(bs[bpbFATSz16:])),
	}
	if g.totalSectors == 0 {
		g.totalSectors = binary.LittleEndian.Uint32(bs[bpbTotSec32:])
	}
	// A zero 16-bit FAT size marks the FAT32 BPB layout, whatever the
	// cluster count.
	bpb32 := g.fatSectors == 0
	if bpb32 {
		g.fatSectors = binary.LittleEndian.Uint32(bs[bpbFATSz32:])
		g.fsInfoSector = uint32(binary.LittleEndian.Uint16(bs[bpbFSInfo32:]))
	}

	switch g.bytesPerSector {
	case 512, 1024, 2048, 4096:
	default:
		return nil, fmt.Errorf("%w: %d bytes per sector", fatlib.ErrCorrupt, g.bytesPerSector)
	}
	spc := g.sectorsPerCluster
	if spc == 0 || spc&(spc-1) != 0 {
		return nil, fmt.Errorf("%w: %d sectors per cluster", fatlib.ErrCorrupt, spc)
	}
	if g.numFATs == 0 || g.fatSectors == 0 || g.reservedSectors == 0 {
		return nil, fmt.Errorf("%w: empty FAT region", fatlib.ErrCorrupt)
	}

	rootSectors := (g.rootEntries*dirEntrySize + g.bytesPerSector - 1) / g.bytesPerSector
	meta := g.reservedSectors + g.numFATs*g.fatSectors + rootSectors
	if g.totalSectors <= meta {
		return nil, fmt.Errorf("%w: no data region", fatlib.ErrCorrupt)
	}
	g.clusters = (g.totalSectors - meta) / spc

	switch {
	case bpb32:
		g.kind = fat32
	case g.clusters < 4085:
		g.kind = fat12
	case g.clusters < 65525:
		g.kind = fat16
	default:
		g.kind = fat32
	}
	return g, nil
}

func (g *geometry) clusterSize() uint32 {
	return g.bytesPerSector * g.sectorsPerCluster
}

// readStats decodes the boot sector of the volume starting at start and
// counts free clusters. FAT32 volumes use the FSInfo hint when it is valid.
func readStats(r io.ReaderAt, start int64) (fatlib.Stats, error) {
	bs := make([]byte, bootSectorSize)
	if _, err := r.ReadAt(bs, start); err != nil {
		return fatlib.Stats{}, fmt.Errorf("reading boot sector: %w", err)
	}
	g, err := parseBootSector(bs)
	if err != nil {
		return fatlib.Stats{}, err
	}

	free, ok := g.fsInfoFree(r, start)
	if !ok {
		if free, err = g.scanFree(r, start); err != nil {
			return fatlib.Stats{}, err
		}
	}
	return fatlib.Stats{
		ClusterSize:   g.clusterSize(),
		SectorSize:    g.bytesPerSector,
		TotalClusters: uint64(g.clusters),
		FreeClusters:  uint64(free),
	}, nil
}

func (g *geometry) fsInfoFree(r io.ReaderAt, start int64) (uint32, bool) {
	if g.kind != fat32 || g.fsInfoSector == 0 || g.fsInfoSector >= g.reservedSectors {
		return 0, false
	}
	sec := make([]byte, bootSectorSize)
	off := start + int64(g.fsInfoSector)*int64(g.bytesPerSector)
	if _, err := r.ReadAt(sec, off); err != nil {
		logger.Debug("Reading FSInfo sector: %v", err)
		return 0, false
	}
	if binary.LittleEndian.Uint32(sec[fsiLeadSig:]) != fsiLeadValue ||
		binary.LittleEndian.Uint32(sec[fsiStrucSig:]) != fsiStrucValue {
		return 0, false
	}
	free := binary.LittleEndian.Uint32(sec[fsiFreeCount:])
	if free == fsiUnknown || free > g.clusters {
		return 0, false
	}
	return free, true
}

// scanFree counts zero entries in the first FAT.
func (g *geometry) scanFree(r io.ReaderAt, start int64) (uint32, error) {
	fat := make([]byte, int64(g.fatSectors)*int64(g.bytesPerSector))
	off := start + int64(g.reservedSectors)*int64(g.bytesPerSector)
	if _, err := r.ReadAt(fat, off); err != nil {
		return 0, fmt.Errorf("reading FAT: %w", err)
	}

	var free uint32
	for c := uint32(2); c < g.clusters+2; c++ {
		v, ok := g.entry(fat, c)
		if !ok {
			return 0, fmt.Errorf("%w: FAT shorter than cluster count", fatlib.ErrCorrupt)
		}
		if v == 0 {
			free++
		}
	}
	return free, nil
}

func (g *geometry) entry(fat []byte, c uint32) (uint32, bool) {
	switch g.kind {
	case fat12:
		i := c + c/2
		if int(i)+1 >= len(fat) {
			return 0, false
		}
		v := uint32(binary.LittleEndian.Uint16(fat[i:]))
		if c&1 == 1 {
			return v >> 4, true
		}
		return v & 0x0fff, true
	case fat16:
		i := c * 2
		if int(i)+1 >= len(fat) {
			return 0, false
		}
		return uint32(binary.LittleEndian.Uint16(fat[i:])), true
	default:
		i := c * 4
		if int(i)+3 >= len(fat) {
			return 0, false
		}
		return binary.LittleEndian.Uint32(fat[i:]) & 0x0fffffff, true
	}
}
