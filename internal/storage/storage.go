// Package storage defines the object-store port used for documents,
// chunk sources, translated artifacts, and assembled results.
package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"
)

// ErrNotFound is returned when a key does not exist.
var ErrNotFound = errors.New("object not found")

// Store is a narrow object-store port. Put is atomic per key with
// last-write-wins semantics; readers never observe partial objects.
type Store interface {
	Get(ctx context.Context, key string) ([]byte, error)
	// GetStream returns the object as a reader so large documents are
	// never loaded into memory at once.
	GetStream(ctx context.Context, key string) (io.ReadCloser, error)
	Put(ctx context.Context, key string, data []byte) error
	Exists(ctx context.Context, key string) (bool, error)
	// List returns the keys under prefix in lexicographic order.
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
	DeletePrefix(ctx context.Context, prefix string) error
}

// Object-store layout. All job data lives under these prefixes and is
// deleted with the job.
func UploadKey(jobID string) string   { return "uploads/" + jobID }
func DocumentKey(jobID string) string { return "documents/" + jobID }
func ResultKey(jobID string) string   { return "results/" + jobID }

func ChunkKey(jobID string, index int) string {
	return fmt.Sprintf("chunks/%s/%05d", jobID, index)
}

func TranslatedKey(jobID string, index int) string {
	return fmt.Sprintf("translated/%s/%05d", jobID, index)
}

func ChunkPrefix(jobID string) string      { return "chunks/" + jobID + "/" }
func TranslatedPrefix(jobID string) string { return "translated/" + jobID + "/" }

// ParseIndex extracts the chunk index from a chunks/ or translated/
// key produced by ChunkKey or TranslatedKey.
func ParseIndex(key string) (int, error) {
	slash := strings.LastIndexByte(key, '/')
	if slash < 0 || slash == len(key)-1 {
		return 0, fmt.Errorf("key %q has no index component", key)
	}
	idx, err := strconv.Atoi(key[slash+1:])
	if err != nil {
		return 0, fmt.Errorf("key %q has a non-numeric index: %w", key, err)
	}
	return idx, nil
}
