// Package snaptype parses and formats the filenames of snapshot segments
// and their companion indices.
//
// Grammar (see spec.md §6):
//
//	<version>-<from/1_000:06d>-<to/1_000:06d>-<kind>.<ext>
package snaptype

import (
	"fmt"
	"path/filepath"
	"regexp"
	"strconv"
	"strings"
)

// Version is the segment format version, e.g. V1.
type Version uint8

func (v Version) String() string { return "v" + strconv.Itoa(int(v)) }

const V1 Version = 1

// Kind identifies what a segment (and its companion index) holds.
type Kind string

const (
	Headers             Kind = "headers"
	Bodies              Kind = "bodies"
	Transactions        Kind = "transactions"
	Transactions2Block  Kind = "transactions2block"
)

func (k Kind) valid() bool {
	switch k {
	case Headers, Bodies, Transactions, Transactions2Block:
		return true
	default:
		return false
	}
}

const segmentStep = 1_000

// ErrInvalidFileName is returned by Parse when a filename doesn't match the
// grammar above.
var ErrInvalidFileName = fmt.Errorf("invalid snapshot file name")

// Path is a parsed (or about-to-be-formatted) segment or index file path.
type Path struct {
	Dir     string
	Version Version
	From    uint64
	To      uint64
	Kind    Kind
	Ext     string // ".seg" or ".idx"
}

// From builds a Path from its constituent parts, rather than parsing a
// filename. Mirrors silkworm::snapshot::SnapshotPath::from.
func From(dir string, version Version, from, to uint64, kind Kind) Path {
	return Path{Dir: dir, Version: version, From: from, To: to, Kind: kind, Ext: ".seg"}
}

// FileName renders the bare filename (no directory) for this path.
func (p Path) FileName() string {
	return fmt.Sprintf("%s-%06d-%06d-%s%s", p.Version, p.From/segmentStep, p.To/segmentStep, p.Kind, p.Ext)
}

// Path renders the full filesystem path (directory + filename).
func (p Path) Path() string { return filepath.Join(p.Dir, p.FileName()) }

// SegmentFileName renders the .seg filename for the given range and kind.
func SegmentFileName(version Version, from, to uint64, kind Kind) string {
	return Path{Version: version, From: from, To: to, Kind: kind, Ext: ".seg"}.FileName()
}

// IdxFileName renders the .idx filename for the given range and kind.
func IdxFileName(version Version, from, to uint64, kind Kind) string {
	return Path{Version: version, From: from, To: to, Kind: kind, Ext: ".idx"}.FileName()
}

// IndexFile returns this segment's natural companion index path: same
// range and kind, .idx extension.
func (p Path) IndexFile() Path {
	q := p
	q.Ext = ".idx"
	return q
}

// IndexFileForType returns the companion index path for a different kind
// than this segment's own — used by transactions to reach the auxiliary
// tx-hash-to-block index (kind == Transactions2Block).
func (p Path) IndexFileForType(kind Kind) Path {
	q := p
	q.Kind = kind
	q.Ext = ".idx"
	return q
}

var fileNameRe = regexp.MustCompile(`^(v\d+)-(\d{6})-(\d{6})-([a-z0-9]+)$`)

// Parse parses a bare filename (optionally with a leading directory, which
// is preserved on the returned Path) of the form
// "v1-000000-000500-headers.seg".
func Parse(path string) (Path, error) {
	dir, fileName := filepath.Split(path)
	ext := filepath.Ext(fileName)
	if ext != ".seg" && ext != ".idx" {
		return Path{}, fmt.Errorf("%w: unexpected extension %q in %q", ErrInvalidFileName, ext, fileName)
	}
	stem := strings.TrimSuffix(fileName, ext)
	m := fileNameRe.FindStringSubmatch(stem)
	if m == nil {
		return Path{}, fmt.Errorf("%w: %q", ErrInvalidFileName, fileName)
	}
	versionNum, err := strconv.Atoi(strings.TrimPrefix(m[1], "v"))
	if err != nil {
		return Path{}, fmt.Errorf("%w: version %q: %s", ErrInvalidFileName, m[1], err)
	}
	from, err := strconv.ParseUint(m[2], 10, 64)
	if err != nil {
		return Path{}, fmt.Errorf("%w: from %q: %s", ErrInvalidFileName, m[2], err)
	}
	to, err := strconv.ParseUint(m[3], 10, 64)
	if err != nil {
		return Path{}, fmt.Errorf("%w: to %q: %s", ErrInvalidFileName, m[3], err)
	}
	kind := Kind(m[4])
	if !kind.valid() {
		return Path{}, fmt.Errorf("%w: kind %q", ErrInvalidFileName, m[4])
	}
	return Path{
		Dir:     dir,
		Version: Version(versionNum),
		From:    from * segmentStep,
		To:      to * segmentStep,
		Kind:    kind,
		Ext:     ext,
	}, nil
}
