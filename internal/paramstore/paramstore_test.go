// Copyright 2023-2026 The GoMLX Authors. SPDX-License-Identifier: Apache-2.0

package paramstore

import (
	"context"
	"os"
	"os/user"
	"path/filepath"
	"testing"

	"github.com/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseLocation(t *testing.T) {
	loc, err := ParseLocation("gs://my-bucket/models/vgg/")
	require.NoError(t, err)
	assert.True(t, loc.IsGCS())
	assert.Equal(t, "my-bucket", loc.Bucket)
	assert.Equal(t, "models/vgg", loc.Prefix)
	assert.Equal(t, "gs://my-bucket/models/vgg", loc.String())
	assert.IsType(t, &GCSStore{}, ForLocation(loc))

	loc, err = ParseLocation("some/dir/")
	require.NoError(t, err)
	assert.False(t, loc.IsGCS())
	assert.Equal(t, "some/dir", loc.Dir)
	assert.IsType(t, LocalStore{}, ForLocation(loc))

	usr, err := user.Current()
	require.NoError(t, err)
	loc, err = ParseLocation("~/models")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(usr.HomeDir, "models"), loc.Dir)

	for _, invalid := range []string{"", "gs://", "gs://bucket", "gs://bucket/", "gs:///prefix"} {
		_, err = ParseLocation(invalid)
		assert.Error(t, err, "location %q", invalid)
	}
}

func TestLocalStore(t *testing.T) {
	ctx := context.Background()
	loc, err := ParseLocation(filepath.Join(t.TempDir(), "nested", "params"))
	require.NoError(t, err)
	store := ForLocation(loc)

	_, _, err = store.Fetch(ctx, loc)
	require.Error(t, err)
	assert.True(t, errors.Is(err, os.ErrNotExist))

	publish := func(fileName, contents string) {
		staging, err := StagingDir(loc)
		require.NoError(t, err)
		require.NoError(t, os.WriteFile(filepath.Join(staging, fileName), []byte(contents), 0644))
		require.NoError(t, store.Publish(ctx, staging, loc))
		_, err = os.Stat(staging)
		assert.True(t, os.IsNotExist(err), "staging directory should have been consumed")
	}

	publish("first.json", "1")
	dir, cleanup, err := store.Fetch(ctx, loc)
	require.NoError(t, err)
	assert.Nil(t, cleanup)
	got, err := os.ReadFile(filepath.Join(dir, "first.json"))
	require.NoError(t, err)
	assert.Equal(t, "1", string(got))

	// Publishing again replaces the previous contents.
	publish("second.bin", "2")
	_, err = os.Stat(filepath.Join(loc.Dir, "first.json"))
	assert.True(t, os.IsNotExist(err))
	got, err = os.ReadFile(filepath.Join(loc.Dir, "second.bin"))
	require.NoError(t, err)
	assert.Equal(t, "2", string(got))
}

func TestLocalStoreKeepsOtherFiles(t *testing.T) {
	ctx := context.Background()
	store := LocalStore{}
	loc := Location{Dir: filepath.Join(t.TempDir(), "project")}
	require.NoError(t, os.MkdirAll(loc.Dir, 0755))
	notesPath := filepath.Join(loc.Dir, "notes.txt")
	require.NoError(t, os.WriteFile(notesPath, []byte("keep me"), 0644))

	staging, err := StagingDir(loc)
	require.NoError(t, err)
	require.NoError(t, os.WriteFile(filepath.Join(staging, "checkpoint-n0000001.json"), []byte("{}"), 0644))
	err = store.Publish(ctx, staging, loc)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refusing")
	got, err := os.ReadFile(notesPath)
	require.NoError(t, err, "unrelated files must not be removed")
	assert.Equal(t, "keep me", string(got))
	require.NoError(t, os.RemoveAll(staging))

	// A file where the directory should be is not replaced either.
	fileLoc := Location{Dir: notesPath}
	isParams, err := IsParamsDir(notesPath)
	require.Error(t, err)
	assert.False(t, isParams)
	staging, err = StagingDir(fileLoc)
	require.NoError(t, err)
	require.Error(t, store.Publish(ctx, staging, fileLoc))
	_, err = os.Stat(notesPath)
	require.NoError(t, err)
	require.NoError(t, os.RemoveAll(staging))
}

func TestIsParamsDir(t *testing.T) {
	dir := t.TempDir()
	isParams, err := IsParamsDir(dir)
	require.NoError(t, err)
	assert.True(t, isParams, "empty directories can be replaced")

	for _, name := range []string{"checkpoint-n0000001-initial.json", "checkpoint-n0000001-initial.bin"} {
		require.NoError(t, os.WriteFile(filepath.Join(dir, name), nil, 0644))
	}
	require.NoError(t, os.Mkdir(filepath.Join(dir, "backup"), 0755))
	isParams, err = IsParamsDir(dir)
	require.NoError(t, err)
	assert.True(t, isParams)

	require.NoError(t, os.Mkdir(filepath.Join(dir, "src"), 0755))
	isParams, err = IsParamsDir(dir)
	require.NoError(t, err)
	assert.False(t, isParams)
}
