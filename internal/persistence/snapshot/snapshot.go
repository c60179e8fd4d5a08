// Package snapshot reads and writes the on-disk tree snapshot: a zstd
// stream holding one JSON header line followed by a gob body.
package snapshot

import (
	"bufio"
	"encoding/gob"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/klauspost/compress/zstd"
)

const Version = 1

var ErrUnsupportedVersion = errors.New("snapshot: unsupported version")

type Header struct {
	Version   int       `json:"version"`
	WrittenAt time.Time `json:"written_at"`
	Voxels    int       `json:"voxels"`
}

// VoxelV1 is one colored leaf. Code is the raw octal code bytes.
type VoxelV1 struct {
	Code  []byte   `json:"code"`
	Color [3]uint8 `json:"color"`
}

type SnapshotV1 struct {
	Header Header    `json:"header"`
	Voxels []VoxelV1 `json:"voxels"`
}

// Write replaces the file at path. The snapshot goes to a temp file in the
// same directory, is synced, then renamed over path, so a failed write
// leaves the previous file untouched.
func Write(path string, snap SnapshotV1) (err error) {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return err
	}
	f, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmp := f.Name()
	defer func() {
		if err != nil {
			_ = f.Close()
			_ = os.Remove(tmp)
		}
	}()

	if err := encode(f, snap); err != nil {
		return err
	}
	if err := f.Sync(); err != nil {
		return fmt.Errorf("sync: %w", err)
	}
	if err := f.Close(); err != nil {
		return err
	}
	return os.Rename(tmp, path)
}

func encode(f *os.File, snap SnapshotV1) error {
	enc, err := zstd.NewWriter(f, zstd.WithEncoderLevel(zstd.SpeedDefault))
	if err != nil {
		return err
	}
	bw := bufio.NewWriterSize(enc, 256*1024)

	hb, err := json.Marshal(snap.Header)
	if err != nil {
		_ = enc.Close()
		return err
	}
	if _, err := bw.Write(append(hb, '\n')); err != nil {
		_ = enc.Close()
		return err
	}
	if err := gob.NewEncoder(bw).Encode(snap.Voxels); err != nil {
		_ = enc.Close()
		return fmt.Errorf("gob encode: %w", err)
	}
	if err := bw.Flush(); err != nil {
		_ = enc.Close()
		return err
	}
	return enc.Close()
}

// Read loads a whole snapshot. A missing file yields an error satisfying
// errors.Is(err, os.ErrNotExist).
func Read(path string) (SnapshotV1, error) {
	var snap SnapshotV1
	err := open(path, func(br *bufio.Reader, h Header) error {
		snap.Header = h
		if err := gob.NewDecoder(br).Decode(&snap.Voxels); err != nil {
			return fmt.Errorf("gob decode: %w", err)
		}
		return nil
	})
	return snap, err
}

// ReadHeader decodes only the header line.
func ReadHeader(path string) (Header, error) {
	var hdr Header
	err := open(path, func(_ *bufio.Reader, h Header) error {
		hdr = h
		return nil
	})
	return hdr, err
}

func open(path string, body func(*bufio.Reader, Header) error) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	dec, err := zstd.NewReader(f)
	if err != nil {
		return err
	}
	defer dec.Close()

	br := bufio.NewReaderSize(dec, 256*1024)
	line, err := br.ReadBytes('\n')
	if err != nil {
		return fmt.Errorf("read header: %w", err)
	}
	var h Header
	if err := json.Unmarshal(line, &h); err != nil {
		return fmt.Errorf("decode header: %w", err)
	}
	if h.Version != Version {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, h.Version)
	}
	return body(br, h)
}
