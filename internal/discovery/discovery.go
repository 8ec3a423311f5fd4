// Package discovery locates the block device partition that backs a mount.
//
// A scan walks one directory of candidate devices in name order and probes
// each for a GPT partition of the wanted type. Candidates that are not
// partitioned, carry only other partition types, or fail to read are
// logged and skipped. The scan is attempted once and never retried.
package discovery

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"

	"fatfuse/internal/logging"

	"github.com/diskfs/go-diskfs/partition/gpt"
	"github.com/google/uuid"
)

var logger = logging.GetLogger().WithPrefix("discovery")

var (
	// ErrNoMatch indicates no candidate carried a matching partition
	ErrNoMatch = errors.New("no matching partition found")

	// ErrNotPartitioned indicates a candidate has no partition table
	ErrNotPartitioned = errors.New("not partitioned")

	// ErrWrongType indicates a candidate has no partition of the wanted type
	ErrWrongType = errors.New("wrong partition type")
)

// DefaultMaxCandidates bounds a scan when Scanner.MaxCandidates is zero.
const DefaultMaxCandidates = 64

// Partition is one entry of a device's partition table.
type Partition struct {
	Index int // 1-based position in the table
	Type  uuid.UUID
	Name  string
	Start int64 // bytes
	Size  int64 // bytes
}

// Prober reads the partition table of a candidate device. It returns
// ErrNotPartitioned when the device has none; any other error is treated
// as an I/O failure.
type Prober interface {
	Probe(path string) ([]Partition, error)
}

// Match is the partition a scan selected.
type Match struct {
	Path      string
	Partition int // 1-based, as accepted by diskfat.Open
	Start     int64
	Size      int64
}

// Scanner finds devices carrying a partition of a given type.
type Scanner struct {
	Prober        Prober
	MaxCandidates int
}

// NewScanner returns a Scanner that reads GPT tables from disk.
func NewScanner(maxCandidates int) *Scanner {
	return &Scanner{Prober: GPTProber{}, MaxCandidates: maxCandidates}
}

// Find returns the first partition of type partType on a device in dir.
func (s *Scanner) Find(ctx context.Context, dir string, partType uuid.UUID) (Match, error) {
	candidates, err := candidates(dir, s.limit())
	if err != nil {
		return Match{}, err
	}
	logger.Debug("Scanning %d candidates in %s for partition type %s", len(candidates), dir, partType)

	for _, path := range candidates {
		if err := ctx.Err(); err != nil {
			return Match{}, err
		}
		m, err := s.probe(path, partType)
		if err == nil {
			logger.Info("Found partition %d of type %s on %s", m.Partition, partType, path)
			return m, nil
		}
		switch {
		case errors.Is(err, ErrNotPartitioned), errors.Is(err, ErrWrongType):
			logger.Debug("Skipping %s: %v", path, err)
		default:
			logger.Warn("Skipping %s: %v", path, err)
		}
	}
	return Match{}, fmt.Errorf("%w in %s (type %s)", ErrNoMatch, dir, partType)
}

func (s *Scanner) limit() int {
	if s.MaxCandidates > 0 {
		return s.MaxCandidates
	}
	return DefaultMaxCandidates
}

func (s *Scanner) probe(path string, partType uuid.UUID) (Match, error) {
	parts, err := s.Prober.Probe(path)
	if err != nil {
		return Match{}, err
	}
	for _, p := range parts {
		if p.Type == partType {
			return Match{Path: path, Partition: p.Index, Start: p.Start, Size: p.Size}, nil
		}
	}
	return Match{}, fmt.Errorf("%w: %d partitions, none of type %s", ErrWrongType, len(parts), partType)
}

// candidates lists block devices and image files in dir, in name order.
func candidates(dir string, limit int) ([]string, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("listing %s: %w", dir, err)
	}

	var out []string
	for _, e := range entries {
		if len(out) == limit {
			logger.Warn("Stopping scan of %s after %d candidates", dir, limit)
			break
		}
		info, err := e.Info()
		if err != nil {
			logger.Debug("Skipping %s: %v", e.Name(), err)
			continue
		}
		if !eligible(info.Mode()) {
			logger.Trace("Skipping %s: not a block device", e.Name())
			continue
		}
		out = append(out, filepath.Join(dir, e.Name()))
	}
	return out, nil
}

func eligible(mode fs.FileMode) bool {
	if mode.IsRegular() {
		return true
	}
	return mode&fs.ModeDevice != 0 && mode&fs.ModeCharDevice == 0
}

// GPTProber reads GUID partition tables with go-diskfs.
type GPTProber struct {
	// SectorSize is the logical sector size; zero means 512.
	SectorSize int
}

// Probe implements Prober.
func (p GPTProber) Probe(path string) ([]Partition, error) {
	ss := p.SectorSize
	if ss == 0 {
		ss = 512
	}

	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	// Read the protective MBR and header first so I/O errors are not
	// mistaken for a missing table.
	head := make([]byte, 2*ss)
	if _, err := f.ReadAt(head, 0); err != nil {
		if errors.Is(err, io.EOF) {
			return nil, fmt.Errorf("%w: device smaller than a GPT header", ErrNotPartitioned)
		}
		return nil, fmt.Errorf("reading %s: %w", path, err)
	}

	table, err := gpt.Read(f, ss, ss)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrNotPartitioned, err)
	}

	parts := make([]Partition, 0, len(table.Partitions))
	for i, gp := range table.Partitions {
		if gp.Type == gpt.Unused {
			continue
		}
		typ, err := uuid.Parse(string(gp.Type))
		if err != nil {
			logger.Debug("%s partition %d: bad type GUID %q", path, i+1, gp.Type)
			continue
		}
		parts = append(parts, Partition{
			Index: i + 1,
			Type:  typ,
			Name:  gp.Name,
			Start: gp.GetStart(),
			Size:  gp.GetSize(),
		})
	}
	return parts, nil
}
