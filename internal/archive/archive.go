// Package archive persists audit artifacts that outlive the process:
// reconciliation records and calibration audits. Backends are a local
// directory for development and S3 + DynamoDB for production.
package archive

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/sunbeam/leadflow/internal/config"
	"github.com/sunbeam/leadflow/internal/domain"
	"github.com/sunbeam/leadflow/internal/pkg/logger"
	"github.com/sunbeam/leadflow/internal/scoring"
)

// backend stores one named JSON artifact. key is a slash-separated path,
// stable for a given artifact so replays overwrite rather than duplicate.
type backend interface {
	put(ctx context.Context, kind, entity, key string, artifact interface{}) error
}

// Store writes audit artifacts through the configured backend.
type Store struct {
	backend backend
	log     zerolog.Logger
}

// New builds the archive from config. Type "aws" uses S3 + DynamoDB,
// anything else falls back to the local directory backend.
func New(ctx context.Context, cfg config.ArchiveConfig) (*Store, error) {
	log := logger.Component("archive")
	switch cfg.Type {
	case "aws":
		b, err := newAWSBackend(ctx, cfg.DynamoDBTable, cfg.S3Bucket, cfg.AWSRegion,
			cfg.GetAWSProfile(), cfg.AccessKey, cfg.SecretKey)
		if err != nil {
			return nil, fmt.Errorf("initializing aws archive: %w", err)
		}
		return &Store{backend: b, log: log}, nil
	default:
		if err := os.MkdirAll(cfg.LocalPath, 0o755); err != nil {
			return nil, fmt.Errorf("creating archive directory: %w", err)
		}
		return &Store{backend: &localBackend{root: cfg.LocalPath}, log: log}, nil
	}
}

// StoreReconciliation archives one reconciliation record. The key is
// derived from platform and window so re-running a window overwrites the
// identical artifact.
func (s *Store) StoreReconciliation(ctx context.Context, rec *domain.ReconciliationRecord) error {
	key := fmt.Sprintf("reconciliation/%s/%s.json",
		rec.PlatformCode, rec.WindowStart.UTC().Format("2006-01-02"))
	if err := s.backend.put(ctx, "RECONCILIATION", rec.PlatformCode, key, rec); err != nil {
		return err
	}
	s.log.Debug().Str("key", key).Str("status", string(rec.Status)).Msg("reconciliation archived")
	return nil
}

// StoreCalibrationAudit archives one calibration run.
func (s *Store) StoreCalibrationAudit(ctx context.Context, audit scoring.CalibrationAudit) error {
	key := fmt.Sprintf("calibration/%s.json", audit.RunAt.UTC().Format("2006-01-02T15-04-05Z"))
	if err := s.backend.put(ctx, "CALIBRATION", "thresholds", key, audit); err != nil {
		return err
	}
	s.log.Debug().Str("key", key).Str("reason", audit.Reason).Msg("calibration audit archived")
	return nil
}

// localBackend writes artifacts as indented JSON files under a root dir.
type localBackend struct {
	root string
	mu   sync.Mutex
}

func (l *localBackend) put(_ context.Context, _, _, key string, artifact interface{}) error {
	l.mu.Lock()
	defer l.mu.Unlock()

	data, err := json.MarshalIndent(artifact, "", "  ")
	if err != nil {
		return fmt.Errorf("marshaling artifact: %w", err)
	}
	path := filepath.Join(l.root, filepath.FromSlash(key))
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return fmt.Errorf("creating artifact directory: %w", err)
	}
	tmp := path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("writing artifact: %w", err)
	}
	return os.Rename(tmp, path)
}

// artifactTTL keeps indexed artifacts queryable for two years.
const artifactTTL = 2 * 365 * 24 * time.Hour
