package main

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// captureOutput captures stdout while running a function
func captureOutput(t *testing.T, fn func() error) (string, error) {
	t.Helper()

	origStdout := os.Stdout
	r, w, err := os.Pipe()
	require.NoError(t, err)
	os.Stdout = w

	fnErr := fn()

	w.Close()
	os.Stdout = origStdout

	var buf bytes.Buffer
	_, err = buf.ReadFrom(r)
	require.NoError(t, err)

	return buf.String(), fnErr
}

func resetFlags(t *testing.T) {
	t.Cleanup(func() {
		verbose = false
		jsonOut = false
		configPath = ""
		capacity = 0
		runDetailed = false
		statsFilter = ""
		saveOut = ""
		loadIn = ""
	})
}

func writeConfig(t *testing.T, ramSizeMB int) string {
	path := filepath.Join(t.TempDir(), "vm.toml")
	contents := fmt.Sprintf("[vm]\nname = \"cli\"\nram_size_mb = %d\n\n[[vm.fixed]]\ndescription = \"VGA VRAM\"\npages = 256\n", ramSizeMB)
	require.NoError(t, os.WriteFile(path, []byte(contents), 0o600))
	return path
}

func TestRunJSON(t *testing.T) {
	resetFlags(t)
	jsonOut = true

	output, err := captureOutput(t, runRun)
	require.NoError(t, err)

	var result struct {
		Ledger struct {
			RAMSize           float64
			PagingInitialized bool
		}
		Heap struct {
			Total struct {
				BlockCount float64
			}
		}
	}
	require.NoError(t, json.Unmarshal([]byte(output), &result))
	require.Equal(t, float64(512*1024*1024), result.Ledger.RAMSize)
	require.True(t, result.Ledger.PagingInitialized)
	require.Equal(t, float64(1), result.Heap.Total.BlockCount)
}

func TestRunDeclined(t *testing.T) {
	resetFlags(t)
	capacity = 100

	_, err := captureOutput(t, runRun)
	require.ErrorContains(t, err, "insufficient")
}

func TestStatsJSON(t *testing.T) {
	resetFlags(t)
	jsonOut = true
	configPath = writeConfig(t, 256)

	output, err := captureOutput(t, runStats)
	require.NoError(t, err)

	var samples []struct {
		Name  string
		Value float64
	}
	require.NoError(t, json.Unmarshal([]byte(output), &samples))

	values := make(map[string]float64)
	for _, sample := range samples {
		values[sample.Name] = sample.Value
	}
	require.Equal(t, float64(256), values["/MM/Reserved/cFixedPages"])
	require.Equal(t, float64(256*1024*1024), values["/MM/cbRamBase"])
	require.Contains(t, values, "/GMM/cReservedPages")
	require.Contains(t, values, "/MM/R3Heap/VM/CurrentBytes")
}

func TestStatsJSONWithPrefix(t *testing.T) {
	resetFlags(t)
	jsonOut = true
	statsFilter = "/GMM/"
	configPath = writeConfig(t, 256)

	output, err := captureOutput(t, runStats)
	require.NoError(t, err)

	var samples []struct {
		Name string
	}
	require.NoError(t, json.Unmarshal([]byte(output), &samples))
	require.NotEmpty(t, samples)
	for _, sample := range samples {
		require.True(t, strings.HasPrefix(sample.Name, "/GMM/"), sample.Name)
	}
}

func TestRunDetailedText(t *testing.T) {
	resetFlags(t)
	runDetailed = true
	configPath = writeConfig(t, 256)

	output, err := captureOutput(t, runRun)
	require.NoError(t, err)
	require.Contains(t, output, "Heap blocks:")
	require.Contains(t, output, `"Blocks":[`)
}

func TestSaveThenLoad(t *testing.T) {
	resetFlags(t)
	configPath = writeConfig(t, 256)
	saveOut = filepath.Join(t.TempDir(), "vm.sav")
	loadIn = saveOut

	_, err := captureOutput(t, runSave)
	require.NoError(t, err)

	output, err := captureOutput(t, runLoad)
	require.NoError(t, err)
	require.Contains(t, output, "Loaded")

	configPath = writeConfig(t, 128)
	_, err = captureOutput(t, runLoad)
	require.ErrorContains(t, err, "RAM size")
}
