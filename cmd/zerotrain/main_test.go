package main

import (
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestZeroTrain(t *testing.T) {
	dir := t.TempDir()
	csvPath := filepath.Join(dir, "metrics.csv")
	plotPath := filepath.Join(dir, "loss.png")
	cmd := newRootCommand()
	cmd.SetArgs([]string{"--world-size=4", "--data=2", "--tensor=2", "--steps=5", "--features=8", "--hidden=16",
		"--partition", "--overlap", "--bucket-size=1KiB", "--clip=1", "-q", "--no-color",
		"--metrics-csv=" + csvPath, "--plot=" + plotPath})
	require.NoError(t, cmd.Execute())

	contents, err := os.ReadFile(csvPath)
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(contents)), "\n")
	require.Len(t, lines, 6)
	assert.Equal(t, "step,loss,loss_scale,overflow,grad_norm", lines[0])
	info, err := os.Stat(plotPath)
	require.NoError(t, err)
	assert.Positive(t, info.Size())
}

func TestZeroTrainFlags(t *testing.T) {
	for _, args := range [][]string{
		{"--bucket-size=lots"},
		{"--dtype=int8"},
		{"--world-size=4", "--data=3"},
		{"--hidden=15", "--tensor=2", "--world-size=2"},
		{"--config=/does/not/exist.yaml"},
	} {
		cmd := newRootCommand()
		cmd.SetArgs(append(args, "-q", "--steps=1"))
		assert.Error(t, cmd.Execute(), "args %v", args)
	}
}
