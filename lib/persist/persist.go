// Copyright 2026 The Bureau Authors
// SPDX-License-Identifier: Apache-2.0

package persist

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"golang.org/x/sys/unix"

	"github.com/bureau-foundation/syncshell/lib/codec"
)

// Kind tags what a blob contains, so a ledger file copied over a
// recovery file is rejected instead of misdecoded.
type Kind byte

const (
	KindLedger   Kind = 1
	KindRecovery Kind = 2
)

var magic = []byte("SSH1")

// ErrLocked is returned by Open when another process holds the root.
var ErrLocked = errors.New("storage root is locked by another process")

// ErrCorrupt is returned when a blob's frame cannot be decoded.
var ErrCorrupt = errors.New("corrupt blob")

// Root is an opened, locked storage root.
type Root struct {
	path string
	lock *os.File
}

// Open creates the storage root if needed and takes its lock.
func Open(path string) (*Root, error) {
	if err := os.MkdirAll(path, 0o700); err != nil {
		return nil, fmt.Errorf("creating storage root %s: %w", path, err)
	}
	lock, err := os.OpenFile(filepath.Join(path, ".lock"), os.O_CREATE|os.O_RDWR, 0o600)
	if err != nil {
		return nil, fmt.Errorf("opening storage lock: %w", err)
	}
	if err := unix.Flock(int(lock.Fd()), unix.LOCK_EX|unix.LOCK_NB); err != nil {
		lock.Close()
		if errors.Is(err, unix.EWOULDBLOCK) {
			return nil, fmt.Errorf("%s: %w", path, ErrLocked)
		}
		return nil, fmt.Errorf("locking storage root %s: %w", path, err)
	}
	return &Root{path: path, lock: lock}, nil
}

// Path returns the root directory.
func (r *Root) Path() string { return r.path }

// Close releases the lock.
func (r *Root) Close() error {
	if r.lock == nil {
		return nil
	}
	unix.Flock(int(r.lock.Fd()), unix.LOCK_UN)
	err := r.lock.Close()
	r.lock = nil
	return err
}

// BlobPath returns the file path for a blob in the mesh's directory.
func (r *Root) BlobPath(meshID, name string) string {
	return filepath.Join(r.path, safeComponent(meshID), name)
}

// Write encodes value and stores it atomically at meshID/name.
func (r *Root) Write(meshID, name string, kind Kind, version byte, value any) error {
	body, err := codec.Marshal(value)
	if err != nil {
		return fmt.Errorf("encoding %s: %w", name, err)
	}
	frame, err := EncodeFrame(kind, version, body)
	if err != nil {
		return err
	}
	return writeAtomic(r.BlobPath(meshID, name), frame)
}

// Read loads meshID/name into value and returns the format version it
// was written with. A missing blob returns an error wrapping
// os.ErrNotExist.
func (r *Root) Read(meshID, name string, kind Kind, value any) (byte, error) {
	path := r.BlobPath(meshID, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return 0, err
	}
	version, body, err := DecodeFrame(kind, data)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", path, err)
	}
	if err := codec.Unmarshal(body, value); err != nil {
		return 0, fmt.Errorf("%s: decoding body: %w: %w", path, ErrCorrupt, err)
	}
	return version, nil
}

// Remove deletes meshID/name. Missing blobs are not an error.
func (r *Root) Remove(meshID, name string) error {
	if err := os.Remove(r.BlobPath(meshID, name)); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("removing %s: %w", name, err)
	}
	return nil
}

// EncodeFrame wraps a CBOR body in the versioned, compressed frame.
func EncodeFrame(kind Kind, version byte, body []byte) ([]byte, error) {
	compressed, err := Compress(body)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, len(magic)+2+len(compressed))
	frame = append(frame, magic...)
	frame = append(frame, byte(kind), version)
	return append(frame, compressed...), nil
}

// DecodeFrame validates a frame and returns its version and CBOR body.
func DecodeFrame(kind Kind, frame []byte) (byte, []byte, error) {
	if len(frame) < len(magic)+2 || !bytes.Equal(frame[:len(magic)], magic) {
		return 0, nil, fmt.Errorf("%w: bad magic", ErrCorrupt)
	}
	if Kind(frame[len(magic)]) != kind {
		return 0, nil, fmt.Errorf("%w: kind %d, want %d", ErrCorrupt, frame[len(magic)], kind)
	}
	version := frame[len(magic)+1]
	body, err := Decompress(frame[len(magic)+2:])
	if err != nil {
		return 0, nil, fmt.Errorf("%w: %w", ErrCorrupt, err)
	}
	return version, body, nil
}

func writeAtomic(path string, data []byte) error {
	directory := filepath.Dir(path)
	if err := os.MkdirAll(directory, 0o700); err != nil {
		return fmt.Errorf("creating %s: %w", directory, err)
	}

	file, err := os.CreateTemp(directory, ".tmp-"+filepath.Base(path)+"-*")
	if err != nil {
		return fmt.Errorf("creating temporary file: %w", err)
	}
	temporaryPath := file.Name()

	if _, err := file.Write(data); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("writing temporary file: %w", err)
	}
	if err := file.Sync(); err != nil {
		file.Close()
		os.Remove(temporaryPath)
		return fmt.Errorf("syncing temporary file: %w", err)
	}
	if err := file.Close(); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("closing temporary file: %w", err)
	}
	if err := os.Rename(temporaryPath, path); err != nil {
		os.Remove(temporaryPath)
		return fmt.Errorf("renaming %s into place: %w", filepath.Base(path), err)
	}

	parent, err := os.Open(directory)
	if err == nil {
		parent.Sync()
		parent.Close()
	}
	return nil
}

// safeComponent keeps a mesh id from escaping the storage root.
func safeComponent(name string) string {
	replacer := strings.NewReplacer("/", "_", "\\", "_", "..", "_")
	cleaned := replacer.Replace(name)
	if cleaned == "" || cleaned == "." {
		return "_"
	}
	return cleaned
}
