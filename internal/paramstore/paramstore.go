// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

// Package paramstore publishes and fetches directories of saved model parameters.
//
// A location is either a local directory or a Google Cloud Storage prefix ("gs://bucket/prefix").
// Parameters are always written first to a local staging directory, and then published as a whole to the location.
package paramstore

import (
	"context"
	"os"
	"path/filepath"
	"strings"

	"github.com/gomlx/gomlx/pkg/ml/context/checkpoints"
	"github.com/gomlx/gomlx/pkg/support/fsutil"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// GCSScheme is the prefix of Google Cloud Storage locations.
const GCSScheme = "gs://"

// Location where a set of parameters is saved.
type Location struct {
	// Dir is set for local locations.
	Dir string

	// Bucket and Prefix are set for Google Cloud Storage locations.
	Bucket, Prefix string
}

// IsGCS returns whether the location is in Google Cloud Storage.
func (loc Location) IsGCS() bool { return loc.Bucket != "" }

// String implements fmt.Stringer.
func (loc Location) String() string {
	if loc.IsGCS() {
		return GCSScheme + loc.Bucket + "/" + loc.Prefix
	}
	return loc.Dir
}

// ParseLocation parses "gs://bucket/prefix" as a GCS location, and anything else as a local directory.
// A "~" prefix in local directories is replaced by the user's home directory.
func ParseLocation(s string) (Location, error) {
	if s == "" {
		return Location{}, errors.New("empty location for saved parameters")
	}
	if strings.HasPrefix(s, GCSScheme) {
		rest := strings.TrimPrefix(s, GCSScheme)
		bucket, prefix, _ := strings.Cut(rest, "/")
		prefix = strings.Trim(prefix, "/")
		if bucket == "" || prefix == "" {
			return Location{}, errors.Errorf("invalid GCS location %q, it must be of the form gs://<bucket>/<prefix>", s)
		}
		return Location{Bucket: bucket, Prefix: prefix}, nil
	}
	dir, err := fsutil.ReplaceTildeInDir(s)
	if err != nil {
		return Location{}, err
	}
	return Location{Dir: filepath.Clean(dir)}, nil
}

// Store publishes and fetches directories of saved parameters.
type Store interface {
	// Publish the contents of stagingDir to loc, replacing any previous contents.
	// The stagingDir is consumed: it may be moved or removed.
	Publish(ctx context.Context, stagingDir string, loc Location) error

	// Fetch makes the contents of loc available in a local directory, and returns it.
	// If the returned cleanup is not nil, it should be called once the directory is no longer needed.
	Fetch(ctx context.Context, loc Location) (dir string, cleanup func(), err error)
}

// ForLocation returns the Store that handles the location.
func ForLocation(loc Location) Store {
	if loc.IsGCS() {
		return &GCSStore{}
	}
	return LocalStore{}
}

// StagingDir creates a new empty directory where parameters can be saved before being published to loc.
// For local locations it is created next to the target directory, so publishing is a rename.
func StagingDir(loc Location) (string, error) {
	parent := ""
	if !loc.IsGCS() {
		parent = filepath.Dir(loc.Dir)
		if err := os.MkdirAll(parent, 0770); err != nil {
			return "", errors.Wrapf(err, "creating parent directory of %q", loc.Dir)
		}
	}
	dir, err := os.MkdirTemp(parent, ".params_staging_*")
	if err != nil {
		return "", errors.Wrapf(err, "creating staging directory for %s", loc)
	}
	return dir, nil
}

// LocalStore publishes parameters to a local directory.
type LocalStore struct{}

var _ Store = LocalStore{}

// Publish implements Store: the staging directory is renamed to loc.Dir, after removing the previous contents.
//
// An existing loc.Dir is only replaced if it is empty or holds nothing but saved parameters (see IsParamsDir):
// any other directory is left untouched and an error is returned.
func (LocalStore) Publish(ctx context.Context, stagingDir string, loc Location) error {
	if loc.IsGCS() {
		return errors.Errorf("LocalStore cannot publish to %s", loc)
	}
	exists, err := fsutil.FileExists(loc.Dir)
	if err != nil {
		return err
	}
	if exists {
		isParams, err := IsParamsDir(loc.Dir)
		if err != nil {
			return err
		}
		if !isParams {
			return errors.Errorf("%q exists and holds files other than saved parameters, refusing to replace it", loc.Dir)
		}
		if err := os.RemoveAll(loc.Dir); err != nil {
			return errors.Wrapf(err, "removing previous parameters in %q", loc.Dir)
		}
	}
	if err := os.Rename(stagingDir, loc.Dir); err != nil {
		return errors.Wrapf(err, "moving parameters from %q to %q", stagingDir, loc.Dir)
	}
	klog.FromContext(ctx).V(1).Info("published parameters", "dir", loc.Dir)
	return nil
}

// Fetch implements Store: local directories are used in place.
func (LocalStore) Fetch(_ context.Context, loc Location) (string, func(), error) {
	if loc.IsGCS() {
		return "", nil, errors.Errorf("LocalStore cannot fetch from %s", loc)
	}
	exists, err := fsutil.FileExists(loc.Dir)
	if err != nil {
		return "", nil, err
	}
	if !exists {
		return "", nil, errors.Wrapf(os.ErrNotExist, "no saved parameters in %q", loc.Dir)
	}
	return loc.Dir, nil, nil
}

// IsParamsDir returns whether dir is a directory that is either empty, or only holds checkpoint files
// (metadata and data files, and the checkpoints backup directory).
func IsParamsDir(dir string) (bool, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return false, errors.Wrapf(err, "reading %q", dir)
	}
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() {
			if name != checkpoints.BackupDir {
				return false, nil
			}
			continue
		}
		if !strings.HasSuffix(name, checkpoints.JsonNameSuffix) && !strings.HasSuffix(name, checkpoints.BinDataSuffix) {
			return false, nil
		}
	}
	return true, nil
}
