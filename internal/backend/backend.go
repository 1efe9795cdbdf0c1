// Package backend defines the boundary to the two collaborators spec.md §1
// scopes out of this repository: the backing-disk submission primitive and
// the host block-device shim. Only the minimal interface internal/device
// needs to call into is defined here; a real ioctl/request-queue shim, or a
// real disk driver, is explicitly out of scope.
package backend

import (
	"context"
	"fmt"
	"os"
)

// LocalDisk is the out-of-scope backing-store collaborator: anything able
// to read and write fixed-size sectors and report a flush has landed.
// sector/nsectors are in 512-byte units, matching the rest of this repo.
type LocalDisk interface {
	ReadAt(ctx context.Context, sector uint64, p []byte) error
	WriteAt(ctx context.Context, sector uint64, p []byte) error
	Flush(ctx context.Context) error
	Size() uint64 // total size in bytes
}

// MemoryDisk is an in-memory reference LocalDisk used only by tests; it is
// not a substitute for a real backing-disk submission primitive.
type MemoryDisk struct {
	data []byte
}

// NewMemoryDisk returns a MemoryDisk of the given size in bytes.
func NewMemoryDisk(size uint64) *MemoryDisk {
	return &MemoryDisk{data: make([]byte, size)}
}

func (d *MemoryDisk) ReadAt(_ context.Context, sector uint64, p []byte) error {
	off := sector * 512
	copy(p, d.data[off:])
	return nil
}

func (d *MemoryDisk) WriteAt(_ context.Context, sector uint64, p []byte) error {
	off := sector * 512
	copy(d.data[off:], p)
	return nil
}

func (d *MemoryDisk) Flush(_ context.Context) error { return nil }

func (d *MemoryDisk) Size() uint64 { return uint64(len(d.data)) }

// Snapshot returns a copy of the full backing store, for test assertions.
func (d *MemoryDisk) Snapshot() []byte {
	out := make([]byte, len(d.data))
	copy(out, d.data)
	return out
}

// MemoryMetadata is an in-memory io.ReaderAt/io.WriterAt standing in for the
// metadata device's generation-counter record and AL ring (§6); used by
// tests.
type MemoryMetadata struct {
	data []byte
}

// NewMemoryMetadata returns a MemoryMetadata of the given size in bytes.
func NewMemoryMetadata(size int64) *MemoryMetadata {
	return &MemoryMetadata{data: make([]byte, size)}
}

func (m *MemoryMetadata) ReadAt(p []byte, off int64) (int, error) {
	n := copy(p, m.data[off:])
	return n, nil
}

func (m *MemoryMetadata) WriteAt(p []byte, off int64) (int, error) {
	n := copy(m.data[off:], p)
	return n, nil
}

// FileDisk is a LocalDisk backed by a regular file or block device,
// addressed in 512-byte sectors like the rest of this repo. Flush calls
// File.Sync so a protocol C WriteAck is never sent ahead of durable data.
type FileDisk struct {
	f    *os.File
	size uint64
}

// OpenFileDisk opens (creating if needed) path as a FileDisk sized to size
// bytes, growing a freshly created file to that length.
func OpenFileDisk(path string, size uint64) (*FileDisk, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open device %q: %w", path, err)
	}
	if err := f.Truncate(int64(size)); err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: size device %q: %w", path, err)
	}
	return &FileDisk{f: f, size: size}, nil
}

func (d *FileDisk) ReadAt(_ context.Context, sector uint64, p []byte) error {
	_, err := d.f.ReadAt(p, int64(sector*512))
	return err
}

func (d *FileDisk) WriteAt(_ context.Context, sector uint64, p []byte) error {
	_, err := d.f.WriteAt(p, int64(sector*512))
	return err
}

func (d *FileDisk) Flush(_ context.Context) error { return d.f.Sync() }

func (d *FileDisk) Size() uint64 { return d.size }

// Close releases the underlying file descriptor.
func (d *FileDisk) Close() error { return d.f.Close() }

// FileMetadata is a genid.ReadWriter backed by a regular file, holding the
// generation-counter record and the activity log's transaction ring.
type FileMetadata struct {
	f *os.File
}

// OpenFileMetadata opens (creating if needed) path as a FileMetadata at
// least minSize bytes long.
func OpenFileMetadata(path string, minSize int64) (*FileMetadata, error) {
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, fmt.Errorf("backend: open metadata %q: %w", path, err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("backend: stat metadata %q: %w", path, err)
	}
	if info.Size() < minSize {
		if err := f.Truncate(minSize); err != nil {
			f.Close()
			return nil, fmt.Errorf("backend: size metadata %q: %w", path, err)
		}
	}
	return &FileMetadata{f: f}, nil
}

func (m *FileMetadata) ReadAt(p []byte, off int64) (int, error)  { return m.f.ReadAt(p, off) }
func (m *FileMetadata) WriteAt(p []byte, off int64) (int, error) { return m.f.WriteAt(p, off) }

// Close releases the underlying file descriptor.
func (m *FileMetadata) Close() error { return m.f.Close() }
