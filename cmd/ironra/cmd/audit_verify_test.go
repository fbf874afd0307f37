package cmd

import (
	"bytes"
	"encoding/json"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/ironra/audit"
	"github.com/jmcleod/ironra/storage/memory"
)

// buildExport returns an export with n correctly chained entries.
func buildExport(t *testing.T, n int) audit.Export {
	t.Helper()
	start := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	i := 0
	trail := audit.New(
		audit.WithStore(audit.NewStore(memory.NewRepository())),
		audit.WithLogger(discard),
		audit.WithClock(func() time.Time {
			i++
			return start.Add(time.Duration(i) * time.Second)
		}),
	)
	for range n {
		trail.Authentication(t.Context(), "alice", true, "")
	}
	export, err := trail.Store().Export(t.Context())
	require.NoError(t, err)
	return export
}

func writeExport(t *testing.T, export audit.Export) string {
	t.Helper()
	data, err := json.Marshal(export)
	require.NoError(t, err)
	path := filepath.Join(t.TempDir(), "export.json")
	require.NoError(t, os.WriteFile(path, data, 0o600))
	return path
}

func checkStatus(result verifyResult, name string) string {
	for _, c := range result.Checks {
		if c.Name == name {
			return c.Status
		}
	}
	return ""
}

func TestVerifyExportFile_ValidChain(t *testing.T) {
	path := writeExport(t, buildExport(t, 5))

	result, err := verifyExportFile(path)
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, 5, result.EntryCount)
	assert.Equal(t, path, result.File)
	assert.NotEmpty(t, result.HeadHash)
	for _, c := range result.Checks {
		assert.Equal(t, audit.StatusPass, c.Status, c.Name)
	}
}

func TestVerifyExportFile_Tampered(t *testing.T) {
	tests := []struct {
		name   string
		tamper func(*audit.Export)
		check  string
	}{
		{"genesis", func(e *audit.Export) { e.Entries[0].PrevHash = "bad" }, "genesis_anchor"},
		{"middle link", func(e *audit.Export) { e.Entries[2].PrevHash = "bad" }, "chain_continuity"},
		{"removed entry", func(e *audit.Export) {
			e.Entries = append(e.Entries[:1], e.Entries[2:]...)
		}, "chain_continuity"},
		{"rewritten id", func(e *audit.Export) { e.Entries[1].ID = e.Entries[0].ID }, "no_duplicate_ids"},
		{"head hash", func(e *audit.Export) { e.HeadHash = "bad" }, "head_hash"},
		{"edited outcome", func(e *audit.Export) { e.Entries[1].Outcome = audit.OutcomeFailed }, "chain_continuity"},
		{"edited details", func(e *audit.Export) { e.Entries[2].Details = "edited" }, "chain_continuity"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			export := buildExport(t, 4)
			tt.tamper(&export)
			export.EntryCount = len(export.Entries)

			result, err := verifyExportFile(writeExport(t, export))
			require.NoError(t, err)
			assert.False(t, result.Valid)
			assert.Equal(t, audit.StatusFail, checkStatus(result, tt.check))
		})
	}
}

func TestVerifyExportFile_EmptyChain(t *testing.T) {
	result, err := verifyExportFile(writeExport(t, audit.Export{}))
	require.NoError(t, err)
	assert.True(t, result.Valid)
	assert.Equal(t, audit.StatusPass, checkStatus(result, "empty_chain"))
}

func TestVerifyExportFile_Unreadable(t *testing.T) {
	_, err := verifyExportFile(filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorContains(t, err, "cannot read file")

	bad := filepath.Join(t.TempDir(), "bad.json")
	require.NoError(t, os.WriteFile(bad, []byte("{"), 0o600))
	_, err = verifyExportFile(bad)
	assert.ErrorContains(t, err, "invalid JSON")
}

func TestPrintHumanResult(t *testing.T) {
	export := buildExport(t, 3)
	export.Entries[1].PrevHash = "bad"
	result, err := verifyExportFile(writeExport(t, export))
	require.NoError(t, err)

	var out bytes.Buffer
	printHumanResult(&out, result)
	assert.Contains(t, out.String(), "Entries:   3")
	assert.Contains(t, out.String(), "[FAIL] chain_continuity")
	assert.Contains(t, out.String(), "Result: INVALID (1 error(s), 0 warning(s))")
}

func TestPrintJSONResult(t *testing.T) {
	result, err := verifyExportFile(writeExport(t, buildExport(t, 2)))
	require.NoError(t, err)

	var out bytes.Buffer
	require.NoError(t, printJSONResult(&out, result))

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(out.Bytes(), &decoded))
	assert.Equal(t, true, decoded["valid"])
	assert.EqualValues(t, 2, decoded["entry_count"])
	assert.NotEmpty(t, decoded["checks"])
}
