// Package ledger seals pending capture records into Merkle batches and
// emits the public artifact files.
package ledger

import (
	"context"
	"crypto/rand"
	"encoding/csv"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/oklog/ulid/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/archiveorigin/proofd/config"
	"github.com/archiveorigin/proofd/internal/database"
	"github.com/archiveorigin/proofd/internal/merkle"
	"github.com/archiveorigin/proofd/pkg/logger"
)

var (
	sealedBatchesTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofd_sealed_batches_total",
		Help: "Total number of sealed Merkle batches",
	})

	sealedRecordsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "proofd_sealed_records_total",
		Help: "Total number of capture records folded into sealed batches",
	})
)

// Store is the persistence surface the sealer needs.
type Store interface {
	UnsealedRecords(ctx context.Context) ([]database.CaptureRecord, error)
	SealRecords(ctx context.Context, recordIDs []string, batchID, rootHash string, sealedAt time.Time) error
}

// Sealer drives one batch pass over pending records.
type Sealer struct {
	store Store
	cfg   config.LedgerConfig
	git   GitRunner
	log   *logger.Logger
	now   func() time.Time
}

// NewSealer builds a Sealer. git may be nil; a default exec-based runner
// is used then.
func NewSealer(store Store, cfg config.LedgerConfig, git GitRunner, log *logger.Logger) *Sealer {
	if git == nil {
		git = execGit{dir: cfg.RepoRoot}
	}
	return &Sealer{store: store, cfg: cfg, git: git, log: log, now: time.Now}
}

// SealOptions control optional VCS anchoring for one pass.
type SealOptions struct {
	Commit bool
	Push   bool
	Remote string
	Branch string
}

// BatchResult summarizes one sealed batch.
type BatchResult struct {
	BatchID      string
	RootHash     string
	SealedAtUTC  time.Time
	RecordCount  int
	Artifacts    []string
	GitCommitSHA string
}

// Seal runs one pass: select pending records, build the tree, write the
// artifacts, then move the records to sealed in one transaction. A nil
// result with nil error means there was nothing to seal.
func (s *Sealer) Seal(ctx context.Context, opts SealOptions) (*BatchResult, error) {
	records, err := s.store.UnsealedRecords(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to load pending records: %w", err)
	}
	if len(records) == 0 {
		return nil, nil
	}

	leaves := make([]string, len(records))
	recordIDs := make([]string, len(records))
	for i, rec := range records {
		leaves[i] = rec.AssetHash
		recordIDs[i] = rec.RecordID
	}
	rootHash, levels, err := merkle.BuildTree(leaves)
	if err != nil {
		return nil, fmt.Errorf("unable to compute Merkle root: %w", err)
	}

	batchID := ulid.MustNew(ulid.Timestamp(s.now()), rand.Reader).String()
	sealedAt := s.now().UTC()

	artifacts, err := s.writeArtifacts(batchID, rootHash, sealedAt, records, levels)
	if err != nil {
		return nil, fmt.Errorf("failed to write ledger artifacts: %w", err)
	}

	if err := s.store.SealRecords(ctx, recordIDs, batchID, rootHash, sealedAt); err != nil {
		// Artifacts already on disk are acceptable; the records stay
		// unclaimed and the next pass reseals them.
		return nil, fmt.Errorf("failed to seal records: %w", err)
	}
	sealedBatchesTotal.Inc()
	sealedRecordsTotal.Add(float64(len(records)))

	result := &BatchResult{
		BatchID:     batchID,
		RootHash:    rootHash,
		SealedAtUTC: sealedAt,
		RecordCount: len(records),
		Artifacts:   artifacts,
	}
	s.log.Info("Sealed batch", "batch_id", batchID, "records", len(records), "root", rootHash)

	if opts.Commit {
		message := fmt.Sprintf("Sealed batch %s | Root: %s", batchID, rootHash)
		sha, err := s.git.Commit(ctx, artifacts, message)
		if err != nil {
			return result, fmt.Errorf("git commit failed: %w", err)
		}
		result.GitCommitSHA = sha
		if opts.Push {
			remote := opts.Remote
			if remote == "" {
				remote = s.cfg.GitRemote
			}
			branch := opts.Branch
			if branch == "" {
				branch = s.cfg.GitBranch
			}
			if err := s.git.Push(ctx, remote, branch); err != nil {
				return result, fmt.Errorf("git push failed: %w", err)
			}
		}
	}
	return result, nil
}

// writeArtifacts emits the four batch artifacts and returns their paths.
func (s *Sealer) writeArtifacts(batchID, rootHash string, sealedAt time.Time, records []database.CaptureRecord, levels [][]string) ([]string, error) {
	root, err := filepath.Abs(s.cfg.RepoRoot)
	if err != nil {
		return nil, err
	}
	batchesDir := filepath.Join(root, s.cfg.BatchesSubdir)
	rootsDir := filepath.Join(root, s.cfg.RootsSubdir)
	proofsDir := filepath.Join(root, s.cfg.ProofsSubdir)
	for _, dir := range []string{batchesDir, rootsDir, proofsDir} {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, err
		}
	}

	batchPath := filepath.Join(batchesDir, fmt.Sprintf("%s_%s.json", sealedAt.Format("2006-01-02"), batchID))
	if err := s.writeBatchFile(batchPath, batchID, rootHash, sealedAt, records, levels); err != nil {
		return nil, err
	}

	indexPath := filepath.Join(rootsDir, s.cfg.RootIndexFilename)
	relBatch, err := filepath.Rel(root, batchPath)
	if err != nil {
		return nil, err
	}
	if err := s.appendIndex(indexPath, map[string]any{
		"batch_id":      batchID,
		"sealed_at_utc": sealedAt.Format(time.RFC3339Nano),
		"root_hash":     rootHash,
		"record_count":  len(records),
		"batch_file":    filepath.ToSlash(relBatch),
	}); err != nil {
		return nil, err
	}

	csvPath := filepath.Join(rootsDir, s.cfg.DailyRootsFilename)
	if err := s.appendDailyRoot(csvPath, batchID, rootHash, sealedAt, len(records)); err != nil {
		return nil, err
	}

	manifestPath := filepath.Join(proofsDir, s.cfg.ProofManifestFilename)
	if err := s.appendProofManifest(manifestPath, batchID, rootHash, sealedAt, records); err != nil {
		return nil, err
	}

	return []string{batchPath, indexPath, csvPath, manifestPath}, nil
}

func (s *Sealer) writeBatchFile(path, batchID, rootHash string, sealedAt time.Time, records []database.CaptureRecord, levels [][]string) error {
	formattedLevels := make([][]string, len(levels))
	for i, level := range levels {
		formatted := make([]string, len(level))
		for j, node := range level {
			formatted[j] = merkle.Prefix + node
		}
		formattedLevels[i] = formatted
	}

	// Records are maps so every level of the artifact serializes with
	// sorted keys.
	recs := make([]map[string]any, len(records))
	for i, rec := range records {
		recs[i] = map[string]any{
			"record_id":        rec.RecordID,
			"asset_hash":       rec.AssetHash,
			"capture_time_utc": rec.CaptureTimeUTC.UTC().Format(time.RFC3339Nano),
			"device_id":        rec.DeviceID,
		}
	}

	payload := map[string]any{
		"batch_id":           batchID,
		"root_hash":          rootHash,
		"sealed_at_utc":      sealedAt.Format(time.RFC3339Nano),
		"record_count":       len(records),
		"records":            recs,
		"merkle_tree_levels": formattedLevels,
	}
	return writePrettyJSON(path, payload)
}

func (s *Sealer) appendIndex(path string, entry map[string]any) error {
	var entries []map[string]any
	if data, err := os.ReadFile(path); err == nil {
		// A corrupt index is rebuilt from this batch onward.
		if err := json.Unmarshal(data, &entries); err != nil {
			entries = nil
		}
	}
	entries = append(entries, entry)
	sort.Slice(entries, func(i, j int) bool {
		a, _ := entries[i]["sealed_at_utc"].(string)
		b, _ := entries[j]["sealed_at_utc"].(string)
		return a < b
	})
	return writePrettyJSON(path, entries)
}

func (s *Sealer) appendDailyRoot(path, batchID, rootHash string, sealedAt time.Time, count int) error {
	writeHeader := false
	if _, err := os.Stat(path); os.IsNotExist(err) {
		writeHeader = true
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()

	writer := csv.NewWriter(file)
	if writeHeader {
		if err := writer.Write([]string{"sealed_at_utc", "root_hash", "batch_id", "record_count"}); err != nil {
			return err
		}
	}
	if err := writer.Write([]string{
		sealedAt.Format(time.RFC3339Nano),
		rootHash,
		batchID,
		fmt.Sprintf("%d", count),
	}); err != nil {
		return err
	}
	writer.Flush()
	return writer.Error()
}

func (s *Sealer) appendProofManifest(path, batchID, rootHash string, sealedAt time.Time, records []database.CaptureRecord) error {
	recs := make([]map[string]any, len(records))
	for i, rec := range records {
		recs[i] = map[string]any{"record_id": rec.RecordID, "asset_hash": rec.AssetHash}
	}
	entry := map[string]any{
		"batch_id":      batchID,
		"root_hash":     rootHash,
		"sealed_at_utc": sealedAt.Format(time.RFC3339Nano),
		"record_count":  len(records),
		"records":       recs,
	}
	line, err := json.Marshal(entry)
	if err != nil {
		return err
	}
	file, err := os.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		return err
	}
	defer file.Close()
	_, err = file.Write(append(line, '\n'))
	return err
}

// writePrettyJSON writes indented JSON with a trailing newline. Map keys
// come out sorted, which keeps the artifacts diff-friendly.
func writePrettyJSON(path string, payload any) error {
	data, err := json.MarshalIndent(payload, "", "  ")
	if err != nil {
		return err
	}
	return os.WriteFile(path, append(data, '\n'), 0o644)
}
