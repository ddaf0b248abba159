package main

import (
	"bytes"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/bdougie/viddedup/internal/config"
	"github.com/bdougie/viddedup/internal/models"
)

func TestDescribe(t *testing.T) {
	assert.Equal(t, "unique", describe(models.Unique("")))
	assert.Equal(t, "unique, stored as a1", describe(models.Unique("a1")))
	assert.Equal(t, "duplicate of a1 (same locator)", describe(models.DuplicateByLocator("a1")))
	assert.Equal(t, "duplicate of a1 (distance 0.05)", describe(models.DuplicateByContent("a1", 0.05)))
}

func TestPrintDecision_JSON(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, printDecision(&buf, "b.mp4", models.DuplicateByContent("a1", 0.25), true))

	var got map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &got))
	assert.Equal(t, "b.mp4", got["locator"])
	assert.Equal(t, "a1", got["matched_id"])
	assert.Equal(t, 0.25, got["distance"])
}

func TestPrintRecords(t *testing.T) {
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)
	records := []models.VideoRecord{{ID: "a1", SourceLocator: "a.mp4", CreatedAt: created}}
	excluded := map[string]error{"old": errors.New("dimension mismatch")}

	var text bytes.Buffer
	require.NoError(t, printRecords(&text, records, excluded, false))
	assert.Contains(t, text.String(), "a1")
	assert.Contains(t, text.String(), "2024-03-01T12:00:00Z")
	assert.Contains(t, text.String(), "excluded")

	var js bytes.Buffer
	require.NoError(t, printRecords(&js, records, excluded, true))
	var rows []listedRecord
	require.NoError(t, json.Unmarshal(js.Bytes(), &rows))
	require.Len(t, rows, 2)
	assert.Equal(t, "visible", rows[0].Status)
	assert.Equal(t, "old", rows[1].ID)
	assert.Equal(t, "dimension mismatch", rows[1].Reason)
}

func TestFindVideos(t *testing.T) {
	dir := t.TempDir()
	for _, name := range []string{"b.mp4", "a.mkv", "notes.txt", "nested/c.webm"} {
		path := filepath.Join(dir, filepath.FromSlash(name))
		require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
		require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))
	}

	paths, err := findVideos(dir, "**/*.{mp4,mkv,webm}")
	require.NoError(t, err)
	assert.Equal(t, []string{
		filepath.Join(dir, "a.mkv"),
		filepath.Join(dir, "b.mp4"),
		filepath.Join(dir, "nested", "c.webm"),
	}, paths)

	_, err = findVideos(dir, "[")
	assert.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := newLogger(&buf, config.LogConfig{Level: "warn", Format: "json"})
	logger.Info("hidden")
	logger.Warn("shown", "k", "v")

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"k":"v"`)

	buf.Reset()
	newLogger(&buf, config.LogConfig{Level: "bogus", Format: "text", TimeFormat: "15:04"}).Info("plain")
	assert.Contains(t, buf.String(), "plain")
}

func TestRootCmd_Commands(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.Subset(t, names, []string{"ingest", "query", "remove", "list", "build", "init-db"})
}

func TestListCmd_FileBackend(t *testing.T) {
	dir := t.TempDir()
	t.Setenv("VIDDEDUP_STORE_DIR", dir)
	t.Setenv("VIDDEDUP_MODEL_DIMENSION", "4")

	root := newRootCmd()
	var out bytes.Buffer
	root.SetOut(&out)
	root.SetArgs([]string{"list", "--json"})
	require.NoError(t, root.Execute())
	assert.JSONEq(t, "[]", out.String())

	root = newRootCmd()
	root.SetArgs([]string{"remove", "missing"})
	assert.ErrorIs(t, root.Execute(), models.ErrNotFound)
}
