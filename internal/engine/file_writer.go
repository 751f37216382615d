package engine

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"io"
	"os"
	"sync"
)

type fileHandle struct {
	mu   sync.Mutex
	file *os.File
}

// FileWriter owns the part-file handles for active transfers. Disk writes
// for a given job go through exactly one transfer unit, so the per-handle
// lock only guards against close racing a write.
type FileWriter struct {
	mu      sync.RWMutex
	handles map[string]*fileHandle
}

func NewFileWriter() *FileWriter {
	return &FileWriter{
		handles: make(map[string]*fileHandle),
	}
}

// WriteAt finds the handle and writes data at offset.
func (fw *FileWriter) WriteAt(path string, data []byte, offset int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	_, err = h.file.WriteAt(data, offset)
	return err
}

// PreAllocate reserves the final size up front. On Linux/Unix Truncate
// creates a sparse file, so no blocks are zero-filled yet.
func (fw *FileWriter) PreAllocate(path string, size int64) error {
	h, err := fw.getOrCreateFile(path)
	if err != nil {
		return err
	}
	return h.file.Truncate(size)
}

func (fw *FileWriter) getOrCreateFile(path string) (*fileHandle, error) {
	fw.mu.RLock()
	h, ok := fw.handles[path]
	fw.mu.RUnlock()
	if ok {
		return h, nil
	}

	fw.mu.Lock()
	defer fw.mu.Unlock()

	h, ok = fw.handles[path]
	if ok {
		return h, nil
	}

	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0644)
	if err != nil {
		return nil, fmt.Errorf("could not open part file: %w", err)
	}

	h = &fileHandle{file: f}
	fw.handles[path] = h
	return h, nil
}

// CloseFile syncs and closes the handle, truncating to finalSize when the
// pre-allocation overshot (size was unknown or wrong at open time).
func (fw *FileWriter) CloseFile(path string, finalSize int64) error {
	fw.mu.Lock()
	h, ok := fw.handles[path]
	if ok {
		delete(fw.handles, path)
	}
	fw.mu.Unlock()

	if !ok {
		return nil // Already closed
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if finalSize > 0 {
		if err := h.file.Truncate(finalSize); err != nil {
			return fmt.Errorf("failed to truncate to final size: %w", err)
		}
	}

	h.file.Sync()
	return h.file.Close()
}

func (fw *FileWriter) CloseAll() {
	fw.mu.RLock()
	paths := make([]string, 0, len(fw.handles))
	for path := range fw.handles {
		paths = append(paths, path)
	}
	fw.mu.RUnlock()

	for _, path := range paths {
		_ = fw.CloseFile(path, 0)
	}
}

// Remove closes any open handle and deletes the part file from disk.
func (fw *FileWriter) Remove(path string) error {
	_ = fw.CloseFile(path, 0)
	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}

// PrefixCRC computes the CRC32 (IEEE) of the first n bytes of the file.
// Used to re-validate a part file before resuming into it.
func (fw *FileWriter) PrefixCRC(path string, n int64) (uint32, error) {
	f, err := os.Open(path)
	if err != nil {
		return 0, err
	}
	defer f.Close()

	h := crc32.NewIEEE()
	copied, err := io.CopyN(h, f, n)
	if err != nil {
		return 0, err
	}
	if copied != n {
		return 0, fmt.Errorf("part file shorter than recorded offset: %d < %d", copied, n)
	}
	return h.Sum32(), nil
}

// FileSHA256 hashes the whole file for final verification.
func (fw *FileWriter) FileSHA256(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
