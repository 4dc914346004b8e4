// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramstore

import (
	"context"
	"io"
	"io/fs"
	"os"
	"path"
	"path/filepath"
	"strings"
	"time"

	"cloud.google.com/go/storage"
	"github.com/pkg/errors"
	"google.golang.org/api/iterator"
	"k8s.io/klog/v2"
)

// GCSStore publishes parameters to Google Cloud Storage, one object per file under the location prefix.
// It uses the default application credentials.
type GCSStore struct {
	// Client is optional: if nil, a new client is created for each operation.
	Client *storage.Client
}

var _ Store = (*GCSStore)(nil)

func (s *GCSStore) client(ctx context.Context) (client *storage.Client, closeFn func(), err error) {
	if s.Client != nil {
		return s.Client, func() {}, nil
	}
	client, err = storage.NewClient(ctx)
	if err != nil {
		return nil, nil, errors.Wrap(err, "creating GCS storage client")
	}
	return client, func() { _ = client.Close() }, nil
}

// objectPrefix is the prefix of all objects under loc, including the trailing "/".
func objectPrefix(loc Location) string {
	return loc.Prefix + "/"
}

// Publish implements Store: previous objects under the location are deleted, and every file in
// stagingDir is uploaded. The stagingDir is removed at the end.
func (s *GCSStore) Publish(ctx context.Context, stagingDir string, loc Location) error {
	if !loc.IsGCS() {
		return errors.Errorf("GCSStore cannot publish to local directory %q", loc.Dir)
	}
	log := klog.FromContext(ctx)
	client, closeFn, err := s.client(ctx)
	if err != nil {
		return err
	}
	defer closeFn()
	bucket := client.Bucket(loc.Bucket)

	// Remove previous contents.
	it := bucket.Objects(ctx, &storage.Query{Prefix: objectPrefix(loc)})
	for {
		attrs, err := it.Next()
		if err == iterator.Done {
			break
		}
		if err != nil {
			return errors.Wrapf(err, "listing objects in %s", loc)
		}
		if err := bucket.Object(attrs.Name).Delete(ctx); err != nil && !errors.Is(err, storage.ErrObjectNotExist) {
			return errors.Wrapf(err, "deleting previous object gs://%s/%s", loc.Bucket, attrs.Name)
		}
	}

	startedAt := time.Now()
	var totalBytes int64
	err = filepath.WalkDir(stagingDir, func(filePath string, entry fs.DirEntry, err error) error {
		if err != nil || entry.IsDir() {
			return err
		}
		rel, err := filepath.Rel(stagingDir, filePath)
		if err != nil {
			return err
		}
		objectKey := objectPrefix(loc) + filepath.ToSlash(rel)
		n, err := uploadFile(ctx, bucket.Object(objectKey), filePath)
		if err != nil {
			return errors.WithMessagef(err, "uploading %q to gs://%s/%s", filePath, loc.Bucket, objectKey)
		}
		totalBytes += n
		return nil
	})
	if err != nil {
		return err
	}
	log.Info("published parameters to GCS", "url", loc.String(), "bytes", totalBytes, "duration", time.Since(startedAt))
	if err := os.RemoveAll(stagingDir); err != nil {
		log.Error(err, "removing staging directory", "path", stagingDir)
	}
	return nil
}

func uploadFile(ctx context.Context, obj *storage.ObjectHandle, filePath string) (int64, error) {
	src, err := os.Open(filePath)
	if err != nil {
		return 0, errors.Wrap(err, "opening source file")
	}
	defer func() { _ = src.Close() }()
	w := obj.NewWriter(ctx)
	n, err := io.Copy(w, src)
	if err != nil {
		_ = w.Close()
		return n, errors.Wrap(err, "uploading to GCS")
	}
	if err := w.Close(); err != nil {
		return n, errors.Wrap(err, "closing GCS writer")
	}
	return n, nil
}

// Fetch implements Store: all objects under the location are downloaded to a new temporary directory,
// which is removed by the returned cleanup function.
func (s *GCSStore) Fetch(ctx context.Context, loc Location) (dir string, cleanup func(), err error) {
	if !loc.IsGCS() {
		return "", nil, errors.Errorf("GCSStore cannot fetch from local directory %q", loc.Dir)
	}
	log := klog.FromContext(ctx)
	client, closeFn, err := s.client(ctx)
	if err != nil {
		return "", nil, err
	}
	defer closeFn()
	bucket := client.Bucket(loc.Bucket)

	dir, err = os.MkdirTemp("", "params_fetch_*")
	if err != nil {
		return "", nil, errors.Wrap(err, "creating temporary directory")
	}
	cleanup = func() {
		if err := os.RemoveAll(dir); err != nil {
			log.Error(err, "removing temporary directory", "path", dir)
		}
	}
	defer func() {
		if err != nil {
			cleanup()
			dir, cleanup = "", nil
		}
	}()

	startedAt := time.Now()
	prefix := objectPrefix(loc)
	numObjects := 0
	it := bucket.Objects(ctx, &storage.Query{Prefix: prefix})
	for {
		attrs, iterErr := it.Next()
		if iterErr == iterator.Done {
			break
		}
		if iterErr != nil {
			return "", nil, errors.Wrapf(iterErr, "listing objects in %s", loc)
		}
		rel := strings.TrimPrefix(attrs.Name, prefix)
		if rel == "" || strings.HasSuffix(rel, "/") || strings.Contains(path.Clean(rel), "..") {
			continue
		}
		destinationPath := filepath.Join(dir, filepath.FromSlash(rel))
		if err = downloadObject(ctx, bucket.Object(attrs.Name), destinationPath); err != nil {
			return "", nil, errors.WithMessagef(err, "downloading gs://%s/%s", loc.Bucket, attrs.Name)
		}
		numObjects++
	}
	if numObjects == 0 {
		err = errors.Wrapf(os.ErrNotExist, "no saved parameters in %s", loc)
		return "", nil, err
	}
	log.Info("fetched parameters from GCS", "url", loc.String(), "objects", numObjects, "duration", time.Since(startedAt))
	return dir, cleanup, nil
}

// downloadObject writes to a temporary file first, and renames it to destinationPath once complete.
func downloadObject(ctx context.Context, obj *storage.ObjectHandle, destinationPath string) error {
	if err := os.MkdirAll(filepath.Dir(destinationPath), 0770); err != nil {
		return errors.Wrap(err, "creating destination directory")
	}
	r, err := obj.NewReader(ctx)
	if err != nil {
		return errors.Wrap(err, "opening object")
	}
	defer func() { _ = r.Close() }()

	tempFile, err := os.CreateTemp(filepath.Dir(destinationPath), "download")
	if err != nil {
		return errors.Wrap(err, "creating temp file")
	}
	tempName := tempFile.Name()
	if _, err = io.Copy(tempFile, r); err != nil {
		_ = tempFile.Close()
		_ = os.Remove(tempName)
		return errors.Wrap(err, "downloading from GCS")
	}
	if err = tempFile.Close(); err != nil {
		_ = os.Remove(tempName)
		return errors.Wrap(err, "closing temp file")
	}
	if err = os.Rename(tempName, destinationPath); err != nil {
		_ = os.Remove(tempName)
		return errors.Wrap(err, "renaming temp file")
	}
	return nil
}
