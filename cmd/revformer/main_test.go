package main

import (
	"bytes"
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/born-ml/revformer/internal/checkpoint"
)

func writeCorpus(t *testing.T) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "corpus.txt")
	require.NoError(t, os.WriteFile(path, []byte("the quick brown fox jumps over the lazy dog\n"), 0o600))
	return path
}

func TestRun_Version(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run([]string{"version"}, &stdout, &stderr))
	assert.Equal(t, "revformer "+version+"\n", stdout.String())
}

func TestRun_Usage(t *testing.T) {
	var stdout, stderr bytes.Buffer
	require.NoError(t, run(nil, &stdout, &stderr))
	assert.Contains(t, stdout.String(), "Commands:")

	err := run([]string{"serve"}, &stdout, &stderr)
	assert.ErrorContains(t, err, `unknown command "serve"`)
}

func TestTrain(t *testing.T) {
	corpus := writeCorpus(t)
	small := []string{"-corpus", corpus, "-layers", "1", "-dim", "8", "-heads", "2", "-inner", "16", "-seq", "8", "-batch", "2", "-steps", "3", "-log-every", "1"}

	t.Run("reconstruct", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		require.NoError(t, trainCommand(context.Background(), small, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "steps=3")
		assert.Contains(t, stderr.String(), "train step")
		assert.Contains(t, stderr.String(), "tokenizer=bytes")
	})

	t.Run("reverse", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		args := append([]string{"-task", "reverse", "-optimizer", "sgd", "-v"}, small...)
		require.NoError(t, trainCommand(context.Background(), args, &stdout, &stderr))
		assert.Contains(t, stdout.String(), "steps=3")
		assert.Contains(t, stdout.String(), "input:")
		assert.Contains(t, stderr.String(), "reversible layer", "debug records from the engine")
	})

	t.Run("save and load", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "model.revf")
		var stdout, stderr bytes.Buffer
		require.NoError(t, trainCommand(context.Background(), append([]string{"-save", path}, small...), &stdout, &stderr))
		assert.FileExists(t, path)

		stdout.Reset()
		stderr.Reset()
		args := append([]string{"-load", path}, small...)
		require.NoError(t, trainCommand(context.Background(), args, &stdout, &stderr))
		assert.Contains(t, stderr.String(), "restored checkpoint")

		args = append([]string{"-load", path, "-task", "reverse"}, small...)
		err := trainCommand(context.Background(), args, &stdout, &stderr)
		assert.ErrorIs(t, err, checkpoint.ErrMissingTensor, "seq2seq parameters are not in an autoencoder checkpoint")
	})

	t.Run("memory limit", func(t *testing.T) {
		var stdout, stderr bytes.Buffer
		args := append([]string{"-memory-limit", "1"}, small...)
		err := trainCommand(context.Background(), args, &stdout, &stderr)
		assert.ErrorContains(t, err, "resource exhausted")
		assert.Contains(t, stderr.String(), "halving batch")
	})
}

func TestTrain_BadFlags(t *testing.T) {
	corpus := writeCorpus(t)
	tests := []struct {
		name string
		args []string
		want string
	}{
		{"missing corpus", nil, "-corpus is required"},
		{"unknown task", []string{"-corpus", corpus, "-task", "sort"}, `unknown task "sort"`},
		{"unknown optimizer", []string{"-corpus", corpus, "-optimizer", "lion"}, `unknown optimizer "lion"`},
		{"absent file", []string{"-corpus", filepath.Join(t.TempDir(), "nope.txt")}, "read corpus"},
		{"bad heads", []string{"-corpus", corpus, "-dim", "10", "-heads", "4"}, "invalid"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var stdout, stderr bytes.Buffer
			err := trainCommand(context.Background(), tt.args, &stdout, &stderr)
			assert.ErrorContains(t, err, tt.want)
		})
	}
}
