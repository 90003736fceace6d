// Copyright (c) 2025 ManuGH
// Licensed under the PolyForm Noncommercial License 1.0.0
// Since v2.0.0, this software is restricted to non-commercial use only.

package config

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestHolder_ReloadSwapsAndNotifies(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, minimalYAML(dataDir))
	loader := NewLoader(path, "test")
	initial, err := loader.Load()
	require.NoError(t, err)

	h := NewHolder(initial, loader)
	ch := make(chan AppConfig, 1)
	h.RegisterListener(ch)

	require.NoError(t, os.WriteFile(path, []byte(minimalYAML(dataDir)+`  - name: garage
    url: rtmp://live.local/app/garage
`), 0600))

	require.NoError(t, h.Reload(context.Background()))
	assert.Len(t, h.Get().Streams, 2)

	select {
	case got := <-ch:
		assert.Len(t, got.Streams, 2)
	default:
		t.Fatal("listener was not notified")
	}
}

func TestHolder_ReloadKeepsOldOnError(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, minimalYAML(dataDir))
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	require.NoError(t, os.WriteFile(path, []byte("streams: [{name: x, url: http://nope}]\nstorage: {bucket: b}\ndataDir: "+dataDir+"\n"), 0600))

	assert.Error(t, h.Reload(context.Background()))
	assert.Equal(t, "front-door", h.Get().Streams[0].Name)
}

func TestHolder_WatcherReloadsOnWrite(t *testing.T) {
	dataDir := t.TempDir()
	path := writeConfig(t, minimalYAML(dataDir))
	loader := NewLoader(path, "")
	initial, err := loader.Load()
	require.NoError(t, err)
	h := NewHolder(initial, loader)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	ch := make(chan AppConfig, 1)
	h.RegisterListener(ch)
	require.NoError(t, h.StartWatcher(ctx))

	require.NoError(t, os.WriteFile(path, []byte(minimalYAML(dataDir)+"logLevel: debug\n"), 0600))

	select {
	case got := <-ch:
		assert.Equal(t, "debug", got.LogLevel)
	case <-time.After(5 * time.Second):
		t.Fatal("watcher did not reload config")
	}
}

func TestHolder_WatcherDisabledWithoutFile(t *testing.T) {
	h := NewHolder(Defaults(), NewLoader("", ""))
	assert.NoError(t, h.StartWatcher(context.Background()))
	h.Stop()
}

func TestRestartRequired(t *testing.T) {
	base := AppConfig{DataDir: "/var/lib/streamrec"}
	base.Recording.SegmentDuration = time.Minute
	base.Storage.Bucket = "recordings"

	live := base
	live.LogLevel = "debug"
	live.Recording.SegmentDuration = 30 * time.Second
	live.Streams = []StreamConfig{{Name: "cam1", URL: "rtsp://cam1/live"}}
	assert.False(t, RestartRequired(base, live))

	bucket := base
	bucket.Storage.Bucket = "other"
	assert.True(t, RestartRequired(base, bucket))

	container := base
	container.Recording.Container = "mp4"
	assert.True(t, RestartRequired(base, container))
}
