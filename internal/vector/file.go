package vector

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"

	"github.com/google/renameio"
)

// On-disk layout, little endian:
//
//	magic "KSVI" | version u16 | reserved u16 | dimension u32 | count u64 |
//	count*dimension float32 | crc32 (IEEE) of all preceding bytes
const (
	fileMagic   = "KSVI"
	fileVersion = 1
	headerSize  = 4 + 2 + 2 + 4 + 8
	trailerSize = 4
)

// writeIndexFile atomically replaces path with the given flat vector data.
func writeIndexFile(path string, dim, count int, data []float32) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("create index dir: %w", err)
	}
	pf, err := renameio.TempFile("", path)
	if err != nil {
		return fmt.Errorf("create index file: %w", err)
	}
	defer func() { _ = pf.Cleanup() }()

	crc := crc32.NewIEEE()
	w := bufio.NewWriter(io.MultiWriter(pf, crc))

	header := make([]byte, headerSize)
	copy(header, fileMagic)
	binary.LittleEndian.PutUint16(header[4:], fileVersion)
	binary.LittleEndian.PutUint32(header[8:], uint32(dim))
	binary.LittleEndian.PutUint64(header[12:], uint64(count))
	if _, err := w.Write(header); err != nil {
		return fmt.Errorf("write header: %w", err)
	}
	var buf [4]byte
	for _, v := range data[:dim*count] {
		binary.LittleEndian.PutUint32(buf[:], math.Float32bits(v))
		if _, err := w.Write(buf[:]); err != nil {
			return fmt.Errorf("write vectors: %w", err)
		}
	}
	if err := w.Flush(); err != nil {
		return fmt.Errorf("write vectors: %w", err)
	}
	binary.LittleEndian.PutUint32(buf[:], crc.Sum32())
	if _, err := pf.Write(buf[:]); err != nil {
		return fmt.Errorf("write checksum: %w", err)
	}
	if err := pf.CloseAtomicallyReplace(); err != nil {
		return fmt.Errorf("replace index file: %w", err)
	}
	return nil
}

// readIndexFile decodes a file written by writeIndexFile. A missing file is
// ErrIndexNotFound; anything unreadable or inconsistent is ErrIndexCorrupt.
func readIndexFile(path string) (dim, count int, data []float32, err error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return 0, 0, nil, fmt.Errorf("%w: %s", ErrIndexNotFound, path)
		}
		return 0, 0, nil, fmt.Errorf("%w: %v", ErrIndexCorrupt, err)
	}
	corrupt := func(format string, args ...any) (int, int, []float32, error) {
		return 0, 0, nil, fmt.Errorf("%w: %s: %s", ErrIndexCorrupt, path, fmt.Sprintf(format, args...))
	}
	if len(raw) < headerSize+trailerSize {
		return corrupt("file too short (%d bytes)", len(raw))
	}
	if string(raw[:4]) != fileMagic {
		return corrupt("bad magic %q", raw[:4])
	}
	if v := binary.LittleEndian.Uint16(raw[4:]); v != fileVersion {
		return corrupt("unsupported version %d", v)
	}
	body := raw[:len(raw)-trailerSize]
	if want, got := binary.LittleEndian.Uint32(raw[len(raw)-trailerSize:]), crc32.ChecksumIEEE(body); want != got {
		return corrupt("checksum mismatch")
	}
	d := binary.LittleEndian.Uint32(raw[8:])
	n := binary.LittleEndian.Uint64(raw[12:])
	if n > 0 && d == 0 {
		return corrupt("%d vectors with zero dimension", n)
	}
	payload := body[headerSize:]
	if uint64(len(payload)) != n*uint64(d)*4 {
		return corrupt("payload is %d bytes, header implies %d", len(payload), n*uint64(d)*4)
	}
	data = make([]float32, len(payload)/4)
	for i := range data {
		data[i] = math.Float32frombits(binary.LittleEndian.Uint32(payload[i*4:]))
	}
	return int(d), int(n), data, nil
}
