package ledger

import (
	"bufio"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/pkg/logger"
)

type fakeStore struct {
	pending []database.CaptureRecord
	sealed  map[string]string // record_id -> batch_id
	sealErr error
}

func (f *fakeStore) UnsealedRecords(context.Context) ([]database.CaptureRecord, error) {
	return f.pending, nil
}

func (f *fakeStore) SealRecords(_ context.Context, ids []string, batchID, _ string, _ time.Time) error {
	if f.sealErr != nil {
		return f.sealErr
	}
	if f.sealed == nil {
		f.sealed = make(map[string]string)
	}
	for _, id := range ids {
		f.sealed[id] = batchID
	}
	f.pending = nil
	return nil
}

type fakeGit struct {
	committed []string
	message   string
	pushed    string
}

func (f *fakeGit) Commit(_ context.Context, paths []string, message string) (string, error) {
	f.committed = paths
	f.message = message
	return "deadbeef", nil
}

func (f *fakeGit) Push(_ context.Context, remote, branch string) error {
	f.pushed = remote + "/" + branch
	return nil
}

func pendingRecord(id, leafChar string, createdAt time.Time) database.CaptureRecord {
	return database.CaptureRecord{
		RecordID:       id,
		AssetHash:      "sha256:" + strings.Repeat(leafChar, 64),
		CaptureTimeUTC: createdAt,
		DeviceID:       "d1",
		CreatedAtUTC:   createdAt,
	}
}

func newSealer(t *testing.T, store *fakeStore, git GitRunner) (*Sealer, string) {
	t.Helper()
	root := t.TempDir()
	cfg := config.LedgerConfig{
		RepoRoot:              root,
		BatchesSubdir:         "batches",
		RootsSubdir:           "roots",
		ProofsSubdir:          "proofs",
		RootIndexFilename:     "ledger_index.json",
		DailyRootsFilename:    "daily_roots.csv",
		ProofManifestFilename: "proof_manifest.jsonl",
		GitRemote:             "origin",
		GitBranch:             "main",
	}
	return NewSealer(store, cfg, git, logger.New("test", "error")), root
}

func TestSealNothingPending(t *testing.T) {
	sealer, _ := newSealer(t, &fakeStore{}, &fakeGit{})
	result, err := sealer.Seal(context.Background(), SealOptions{})
	require.NoError(t, err)
	assert.Nil(t, result)
}

func TestSealTwoRecords(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{pending: []database.CaptureRecord{
		pendingRecord("r1", "a", now.Add(-2*time.Minute)),
		pendingRecord("r2", "b", now.Add(-time.Minute)),
	}}
	sealer, root := newSealer(t, store, &fakeGit{})

	result, err := sealer.Seal(context.Background(), SealOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)
	assert.Equal(t, 2, result.RecordCount)
	assert.Len(t, result.Artifacts, 4)

	sum := sha256.Sum256([]byte(strings.Repeat("a", 64) + strings.Repeat("b", 64)))
	assert.Equal(t, "sha256:"+hex.EncodeToString(sum[:]), result.RootHash)

	assert.Equal(t, result.BatchID, store.sealed["r1"])
	assert.Equal(t, result.BatchID, store.sealed["r2"])

	// Batch file parses and records appear in leaf order.
	data, err := os.ReadFile(result.Artifacts[0])
	require.NoError(t, err)
	var batch struct {
		BatchID     string `json:"batch_id"`
		RootHash    string `json:"root_hash"`
		RecordCount int    `json:"record_count"`
		Records     []struct {
			RecordID  string `json:"record_id"`
			AssetHash string `json:"asset_hash"`
		} `json:"records"`
		Levels [][]string `json:"merkle_tree_levels"`
	}
	require.NoError(t, json.Unmarshal(data, &batch))
	assert.Equal(t, result.BatchID, batch.BatchID)
	assert.Equal(t, result.RootHash, batch.RootHash)
	require.Len(t, batch.Records, 2)
	assert.Equal(t, "r1", batch.Records[0].RecordID)
	assert.Equal(t, "r2", batch.Records[1].RecordID)
	require.Len(t, batch.Levels, 2)
	assert.Equal(t, result.RootHash, batch.Levels[1][0])
	assert.True(t, strings.HasSuffix(string(data), "\n"))

	// Index, CSV and manifest exist under the artifact root.
	indexData, err := os.ReadFile(filepath.Join(root, "roots", "ledger_index.json"))
	require.NoError(t, err)
	var index []map[string]any
	require.NoError(t, json.Unmarshal(indexData, &index))
	require.Len(t, index, 1)
	assert.Equal(t, result.BatchID, index[0]["batch_id"])
	assert.Equal(t, "batches/"+filepath.Base(result.Artifacts[0]), index[0]["batch_file"])

	csvFile, err := os.Open(filepath.Join(root, "roots", "daily_roots.csv"))
	require.NoError(t, err)
	defer csvFile.Close()
	scanner := bufio.NewScanner(csvFile)
	require.True(t, scanner.Scan())
	assert.Equal(t, "sealed_at_utc,root_hash,batch_id,record_count", scanner.Text())
	require.True(t, scanner.Scan())
	assert.Contains(t, scanner.Text(), result.BatchID)

	manifestData, err := os.ReadFile(filepath.Join(root, "proofs", "proof_manifest.jsonl"))
	require.NoError(t, err)
	lines := strings.Split(strings.TrimSpace(string(manifestData)), "\n")
	require.Len(t, lines, 1)
	var manifest map[string]any
	require.NoError(t, json.Unmarshal([]byte(lines[0]), &manifest))
	assert.Equal(t, result.BatchID, manifest["batch_id"])
}

// assertKeysInOrder checks that the first occurrence of each quoted key
// follows the previous one, i.e. the emitted JSON has sorted keys.
func assertKeysInOrder(t *testing.T, text string, keys ...string) {
	t.Helper()
	last := -1
	for _, key := range keys {
		idx := strings.Index(text, `"`+key+`"`)
		require.NotEqual(t, -1, idx, "key %q missing", key)
		assert.Greater(t, idx, last, "key %q out of sorted order", key)
		last = idx
	}
}

func TestArtifactsSerializeWithSortedKeys(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{pending: []database.CaptureRecord{pendingRecord("r1", "a", now)}}
	sealer, root := newSealer(t, store, &fakeGit{})

	result, err := sealer.Seal(context.Background(), SealOptions{})
	require.NoError(t, err)
	require.NotNil(t, result)

	batchData, err := os.ReadFile(result.Artifacts[0])
	require.NoError(t, err)
	assertKeysInOrder(t, string(batchData),
		"batch_id", "merkle_tree_levels", "record_count", "records", "root_hash", "sealed_at_utc")
	assertKeysInOrder(t, string(batchData),
		"asset_hash", "capture_time_utc", "device_id", "record_id")

	indexData, err := os.ReadFile(filepath.Join(root, "roots", "ledger_index.json"))
	require.NoError(t, err)
	assertKeysInOrder(t, string(indexData),
		"batch_file", "batch_id", "record_count", "root_hash", "sealed_at_utc")

	manifestData, err := os.ReadFile(filepath.Join(root, "proofs", "proof_manifest.jsonl"))
	require.NoError(t, err)
	assertKeysInOrder(t, string(manifestData),
		"batch_id", "record_count", "records", "root_hash", "sealed_at_utc")
	assertKeysInOrder(t, string(manifestData), "asset_hash", "record_id")
}

func TestSealAppendsAcrossPasses(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{pending: []database.CaptureRecord{pendingRecord("r1", "a", now)}}
	sealer, root := newSealer(t, store, &fakeGit{})

	first, err := sealer.Seal(context.Background(), SealOptions{})
	require.NoError(t, err)
	require.NotNil(t, first)

	store.pending = []database.CaptureRecord{pendingRecord("r2", "b", now.Add(time.Minute))}
	second, err := sealer.Seal(context.Background(), SealOptions{})
	require.NoError(t, err)
	require.NotNil(t, second)
	assert.NotEqual(t, first.BatchID, second.BatchID)

	indexData, err := os.ReadFile(filepath.Join(root, "roots", "ledger_index.json"))
	require.NoError(t, err)
	var index []map[string]any
	require.NoError(t, json.Unmarshal(indexData, &index))
	assert.Len(t, index, 2)

	manifestData, err := os.ReadFile(filepath.Join(root, "proofs", "proof_manifest.jsonl"))
	require.NoError(t, err)
	assert.Len(t, strings.Split(strings.TrimSpace(string(manifestData)), "\n"), 2)
}

func TestSealGitCommitAndPush(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{pending: []database.CaptureRecord{pendingRecord("r1", "a", now)}}
	git := &fakeGit{}
	sealer, _ := newSealer(t, store, git)

	result, err := sealer.Seal(context.Background(), SealOptions{Commit: true, Push: true})
	require.NoError(t, err)
	assert.Equal(t, "deadbeef", result.GitCommitSHA)
	assert.Len(t, git.committed, 4)
	assert.Equal(t, "Sealed batch "+result.BatchID+" | Root: "+result.RootHash, git.message)
	assert.Equal(t, "origin/main", git.pushed)
}

func TestSealDBFailureLeavesRecordsUnclaimed(t *testing.T) {
	now := time.Now().UTC()
	store := &fakeStore{
		pending: []database.CaptureRecord{pendingRecord("r1", "a", now)},
		sealErr: errors.New("db down"),
	}
	sealer, _ := newSealer(t, store, &fakeGit{})

	_, err := sealer.Seal(context.Background(), SealOptions{})
	require.Error(t, err)
	assert.Empty(t, store.sealed)
	assert.Len(t, store.pending, 1)
}
