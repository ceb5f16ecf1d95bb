// Package blobstore defines JobServ's external artifact-storage contract
// (spec.md §1 "Artifact blob storage... accessed through a small
// BlobStore interface") and a local-filesystem implementation suitable
// for development and single-node deployments, grounded on the
// teacher's internal/secrets.FileBackend namespaced on-disk layout
// (internal/secrets/file.go) minus its encryption-at-rest machinery —
// blob contents (console logs, rundefs, artifacts) are not secret.
package blobstore

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// rundefName is excluded from artifact listings per spec.md §5 "Shared
// resources": ".rundef.json is excluded from artifact listings".
const rundefName = ".rundef.json"

// BlobStore is the external collaborator spec.md §1 calls out. Keys are
// slash-separated paths of the form "<project>/<build>/<run>/<path>".
type BlobStore interface {
	Put(ctx context.Context, key string, data []byte) error
	Get(ctx context.Context, key string) ([]byte, error)
	// Append adds data to the end of the object at key, creating it if
	// absent (used for streamed console-log chunks, spec.md §6).
	Append(ctx context.Context, key string, data []byte) error
	// List returns keys with the given prefix, excluding .rundef.json
	// files (spec.md §5 "Shared resources").
	List(ctx context.Context, prefix string) ([]string, error)
	Delete(ctx context.Context, key string) error
}

// RunDefKey returns the storage key for a run's resolved execution
// descriptor (spec.md §7 "Persisted state layout").
func RunDefKey(project string, build int64, run string) string {
	return fmt.Sprintf("%s/%d/%s/%s", project, build, run, rundefName)
}

// ConsoleLogKey returns the storage key for a run's console log.
func ConsoleLogKey(project string, build int64, run string) string {
	return fmt.Sprintf("%s/%d/%s/console.log", project, build, run)
}

// ProjectDefKey returns the storage key for a build's persisted
// project.yml.
func ProjectDefKey(project string, build int64) string {
	return fmt.Sprintf("%s/%d/project.yml", project, build)
}

// ParamsKey returns the storage key for a build's chained-trigger
// parameter map, only written when the triggering trigger declares
// chained triggers (spec.md §4.3 step 3).
func ParamsKey(project string, build int64) string {
	return fmt.Sprintf("%s/%d/params.json", project, build)
}

// FilesystemStore is a BlobStore backed by a directory tree, one file
// per key under root.
type FilesystemStore struct {
	root string
}

// NewFilesystemStore returns a FilesystemStore rooted at dir, creating
// it if necessary.
func NewFilesystemStore(dir string) (*FilesystemStore, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("blobstore: mkdir %s: %w", dir, err)
	}
	return &FilesystemStore{root: dir}, nil
}

func (s *FilesystemStore) path(key string) (string, error) {
	clean := filepath.Clean("/" + key)
	if strings.Contains(clean, "..") {
		return "", fmt.Errorf("blobstore: invalid key %q", key)
	}
	return filepath.Join(s.root, clean), nil
}

func (s *FilesystemStore) Put(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}
	if err := os.WriteFile(p, data, 0o640); err != nil {
		return fmt.Errorf("blobstore: write %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) Get(_ context.Context, key string) ([]byte, error) {
	p, err := s.path(key)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(p)
	if err != nil {
		return nil, fmt.Errorf("blobstore: read %s: %w", key, err)
	}
	return data, nil
}

func (s *FilesystemStore) Append(_ context.Context, key string, data []byte) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.MkdirAll(filepath.Dir(p), 0o750); err != nil {
		return fmt.Errorf("blobstore: mkdir: %w", err)
	}
	f, err := os.OpenFile(p, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o640)
	if err != nil {
		return fmt.Errorf("blobstore: open %s: %w", key, err)
	}
	defer f.Close()
	if _, err := io.Copy(f, bytes.NewReader(data)); err != nil {
		return fmt.Errorf("blobstore: append %s: %w", key, err)
	}
	return nil
}

func (s *FilesystemStore) List(_ context.Context, prefix string) ([]string, error) {
	base, err := s.path(prefix)
	if err != nil {
		return nil, err
	}
	var out []string
	err = filepath.Walk(base, func(p string, info os.FileInfo, walkErr error) error {
		if walkErr != nil {
			if os.IsNotExist(walkErr) {
				return nil
			}
			return walkErr
		}
		if info.IsDir() {
			return nil
		}
		if info.Name() == rundefName {
			return nil
		}
		rel, err := filepath.Rel(s.root, p)
		if err != nil {
			return err
		}
		out = append(out, filepath.ToSlash(rel))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("blobstore: list %s: %w", prefix, err)
	}
	sort.Strings(out)
	return out, nil
}

func (s *FilesystemStore) Delete(_ context.Context, key string) error {
	p, err := s.path(key)
	if err != nil {
		return err
	}
	if err := os.RemoveAll(p); err != nil {
		return fmt.Errorf("blobstore: delete %s: %w", key, err)
	}
	return nil
}
