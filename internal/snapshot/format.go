// Package snapshot serializes terrain state to a single binary file:
// a plain header for cheap inspection, a zstd-compressed payload, and a
// CRC32 trailer so torn or bit-rotted files are detected before any of
// their content is trusted.
package snapshot

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"math"

	"github.com/klauspost/compress/zstd"
	"github.com/strataworks/strata/internal/terrain"
)

const (
	fileMagic   = "STRA"
	fileVersion = uint16(1)

	// magic + version + fixed header fields.
	headerSize = 4 + 2 + 4 + 4 + 4 + 8 + 8 + 4
	// CRC32 of everything before it, appended last.
	trailerSize = 4

	// maxKeyLen bounds a single concept key on the wire.
	maxKeyLen = math.MaxUint16
)

// ErrCorruptSnapshot covers every way a snapshot file can fail to parse:
// bad magic, unknown version, checksum mismatch, truncation. Callers treat
// it as "start from bare terrain", never as fatal.
var ErrCorruptSnapshot = errors.New("snapshot corrupt")

// Meta pins the encoder parameters a snapshot was taken under. A snapshot
// restored into an engine with different parameters would hold hypervectors
// from an incompatible projection, so Decode surfaces these for the caller
// to verify.
type Meta struct {
	HyperBits      int
	EmbeddingDim   int
	ProjectionSeed int64
}

// Header is the uncompressed prefix of a snapshot file. It can be read
// without decompressing the payload.
type Header struct {
	GridSize   int
	Records    int
	LastActive int64
	Meta       Meta
}

// Encode writes state to w in snapshot format.
func Encode(w io.Writer, st *terrain.State, meta Meta) error {
	cw := &checksumWriter{w: w}

	hdr := make([]byte, 0, headerSize)
	hdr = append(hdr, fileMagic...)
	hdr = binary.LittleEndian.AppendUint16(hdr, fileVersion)
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(st.GridSize))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(meta.HyperBits))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(meta.EmbeddingDim))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(meta.ProjectionSeed))
	hdr = binary.LittleEndian.AppendUint64(hdr, uint64(st.LastActive))
	hdr = binary.LittleEndian.AppendUint32(hdr, uint32(len(st.Records)))
	if _, err := cw.Write(hdr); err != nil {
		return fmt.Errorf("write header: %w", err)
	}

	zw, err := zstd.NewWriter(cw)
	if err != nil {
		return fmt.Errorf("init compressor: %w", err)
	}
	if err := encodePayload(zw, st); err != nil {
		zw.Close()
		return err
	}
	if err := zw.Close(); err != nil {
		return fmt.Errorf("flush compressor: %w", err)
	}

	var trailer [trailerSize]byte
	binary.LittleEndian.PutUint32(trailer[:], cw.sum)
	if _, err := w.Write(trailer[:]); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	return nil
}

func encodePayload(w io.Writer, st *terrain.State) error {
	buf := make([]byte, 0, 8*len(st.Grid))
	for _, v := range st.Grid {
		buf = binary.LittleEndian.AppendUint64(buf, math.Float64bits(v))
	}
	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write grid: %w", err)
	}

	for i := range st.Records {
		if err := encodeRecord(w, &st.Records[i]); err != nil {
			return err
		}
	}
	return nil
}

func encodeRecord(w io.Writer, r *terrain.RecordState) error {
	if len(r.Key) > maxKeyLen {
		return fmt.Errorf("key %q exceeds %d bytes", r.Key[:32], maxKeyLen)
	}

	buf := make([]byte, 0, 2+len(r.Key)+4+4+8+4+1+4+2+8*len(r.Hyper))
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Key)))
	buf = append(buf, r.Key...)
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.X))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(r.Y))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(r.LastAccess))
	buf = binary.LittleEndian.AppendUint32(buf, r.AccessCount)
	var flags byte
	if r.Fossilized {
		flags |= 1
	}
	buf = append(buf, flags)
	buf = binary.LittleEndian.AppendUint32(buf, r.Members)
	buf = binary.LittleEndian.AppendUint16(buf, uint16(len(r.Hyper)))
	for _, word := range r.Hyper {
		buf = binary.LittleEndian.AppendUint64(buf, word)
	}

	_, err := w.Write(buf)
	return err
}

// Decode parses a complete snapshot from r. The checksum is verified over
// the whole file before any field is interpreted.
func Decode(r io.Reader) (*terrain.State, *Header, error) {
	raw, err := io.ReadAll(r)
	if err != nil {
		return nil, nil, fmt.Errorf("read snapshot: %w", err)
	}
	if len(raw) < headerSize+trailerSize {
		return nil, nil, fmt.Errorf("%w: %d bytes is too short", ErrCorruptSnapshot, len(raw))
	}

	body := raw[:len(raw)-trailerSize]
	want := binary.LittleEndian.Uint32(raw[len(raw)-trailerSize:])
	if got := crc32.ChecksumIEEE(body); got != want {
		return nil, nil, fmt.Errorf("%w: checksum %08x, want %08x", ErrCorruptSnapshot, got, want)
	}

	hdr, err := parseHeader(body[:headerSize])
	if err != nil {
		return nil, nil, err
	}

	zr, err := zstd.NewReader(bytes.NewReader(body[headerSize:]))
	if err != nil {
		return nil, nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	defer zr.Close()

	st, err := decodePayload(zr, hdr)
	if err != nil {
		return nil, nil, err
	}
	return st, hdr, nil
}

// ReadHeader parses only the uncompressed prefix. It does not verify the
// checksum; use it for inspection, not before trusting payload content.
func ReadHeader(r io.Reader) (*Header, error) {
	buf := make([]byte, headerSize)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptSnapshot, err)
	}
	return parseHeader(buf)
}

func parseHeader(buf []byte) (*Header, error) {
	if string(buf[:4]) != fileMagic {
		return nil, fmt.Errorf("%w: bad magic %q", ErrCorruptSnapshot, buf[:4])
	}
	if v := binary.LittleEndian.Uint16(buf[4:6]); v != fileVersion {
		return nil, fmt.Errorf("%w: unsupported version %d", ErrCorruptSnapshot, v)
	}
	return &Header{
		GridSize: int(binary.LittleEndian.Uint32(buf[6:10])),
		Meta: Meta{
			HyperBits:      int(binary.LittleEndian.Uint32(buf[10:14])),
			EmbeddingDim:   int(binary.LittleEndian.Uint32(buf[14:18])),
			ProjectionSeed: int64(binary.LittleEndian.Uint64(buf[18:26])),
		},
		LastActive: int64(binary.LittleEndian.Uint64(buf[26:34])),
		Records:    int(binary.LittleEndian.Uint32(buf[34:38])),
	}, nil
}

func decodePayload(r io.Reader, hdr *Header) (*terrain.State, error) {
	cells := hdr.GridSize * hdr.GridSize
	if hdr.GridSize <= 0 || cells <= 0 {
		return nil, fmt.Errorf("%w: grid size %d", ErrCorruptSnapshot, hdr.GridSize)
	}

	gridBuf := make([]byte, 8*cells)
	if _, err := io.ReadFull(r, gridBuf); err != nil {
		return nil, fmt.Errorf("%w: grid truncated: %v", ErrCorruptSnapshot, err)
	}
	grid := make([]float64, cells)
	for i := range grid {
		grid[i] = math.Float64frombits(binary.LittleEndian.Uint64(gridBuf[8*i:]))
	}

	records := make([]terrain.RecordState, hdr.Records)
	for i := range records {
		if err := decodeRecord(r, &records[i]); err != nil {
			return nil, err
		}
	}

	// A well-formed payload ends exactly at the last record.
	if n, _ := io.CopyN(io.Discard, r, 1); n != 0 {
		return nil, fmt.Errorf("%w: trailing payload bytes", ErrCorruptSnapshot)
	}

	return &terrain.State{
		GridSize:   hdr.GridSize,
		Grid:       grid,
		Records:    records,
		LastActive: hdr.LastActive,
	}, nil
}

func decodeRecord(r io.Reader, out *terrain.RecordState) error {
	var lenBuf [2]byte
	if _, err := io.ReadFull(r, lenBuf[:]); err != nil {
		return fmt.Errorf("%w: record truncated: %v", ErrCorruptSnapshot, err)
	}
	keyLen := int(binary.LittleEndian.Uint16(lenBuf[:]))

	buf := make([]byte, keyLen+4+4+8+4+1+4+2)
	if _, err := io.ReadFull(r, buf); err != nil {
		return fmt.Errorf("%w: record truncated: %v", ErrCorruptSnapshot, err)
	}

	out.Key = string(buf[:keyLen])
	p := buf[keyLen:]
	out.X = int(int32(binary.LittleEndian.Uint32(p[0:4])))
	out.Y = int(int32(binary.LittleEndian.Uint32(p[4:8])))
	out.LastAccess = int64(binary.LittleEndian.Uint64(p[8:16]))
	out.AccessCount = binary.LittleEndian.Uint32(p[16:20])
	out.Fossilized = p[20]&1 != 0
	out.Members = binary.LittleEndian.Uint32(p[21:25])

	words := int(binary.LittleEndian.Uint16(p[25:27]))
	if words > 0 {
		vecBuf := make([]byte, 8*words)
		if _, err := io.ReadFull(r, vecBuf); err != nil {
			return fmt.Errorf("%w: hypervector truncated: %v", ErrCorruptSnapshot, err)
		}
		out.Hyper = make([]uint64, words)
		for i := range out.Hyper {
			out.Hyper[i] = binary.LittleEndian.Uint64(vecBuf[8*i:])
		}
	}
	return nil
}

// checksumWriter accumulates a CRC32 over everything written through it.
type checksumWriter struct {
	w   io.Writer
	sum uint32
}

func (cw *checksumWriter) Write(p []byte) (int, error) {
	n, err := cw.w.Write(p)
	cw.sum = crc32.Update(cw.sum, crc32.IEEETable, p[:n])
	return n, err
}
