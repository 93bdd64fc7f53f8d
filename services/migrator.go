package services

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"netmigrate/logging"
	"netmigrate/models"
)

// Converter runs the external converter for one batch in a workspace.
type Converter interface {
	Execute(ctx context.Context, kind models.FileKind, files []models.InputFile, ws Workspace) (models.ExecutionResult, error)
}

// Migrator drives a submission from validation to a recorded job.
type Migrator struct {
	classifier *Classifier
	workspaces *Workspaces
	converter  Converter
	ledger     *Ledger
	metrics    *Metrics
	logger     zerolog.Logger
}

func NewMigrator(classifier *Classifier, workspaces *Workspaces, converter Converter, ledger *Ledger, metrics *Metrics, logger zerolog.Logger) *Migrator {
	return &Migrator{
		classifier: classifier,
		workspaces: workspaces,
		converter:  converter,
		ledger:     ledger,
		metrics:    metrics,
		logger:     logging.Component(logger, "migrator"),
	}
}

// Submit validates files, converts them in a fresh workspace and records the
// result. It returns the job id. The workspace is destroyed on every path that
// does not end in a ledger entry.
func (m *Migrator) Submit(ctx context.Context, files []models.InputFile) (string, error) {
	// Validate batch
	kind, err := m.classifier.ClassifyBatch(files)
	if err != nil {
		m.metrics.Submission("invalid")
		return "", err
	}

	// Allocate workspace
	ws, err := m.workspaces.Create()
	if err != nil {
		m.metrics.Submission("error")
		return "", err
	}

	// Convert
	start := time.Now()
	result, err := m.converter.Execute(ctx, kind, files, ws)
	m.metrics.ConversionTook(time.Since(start))
	if err != nil {
		m.workspaces.Destroy(ws.Path)
		if models.IsValidation(err) {
			m.metrics.Submission("invalid")
		} else {
			m.metrics.Submission("error")
		}
		return "", err
	}
	if !result.Succeeded {
		m.workspaces.Destroy(ws.Path)
		m.metrics.Submission("rejected")
		return "", &models.MigrationError{Log: result.Log}
	}

	// Record job
	var id string
	err = m.ledger.Do(ctx, func(s *LedgerSession) error {
		var insertErr error
		id, insertErr = s.Insert(ws.Path, result.Log)
		return insertErr
	})
	if err != nil {
		m.workspaces.Destroy(ws.Path)
		m.metrics.Submission("error")
		return "", err
	}

	m.metrics.Submission("ok")
	m.logger.Info().
		Str("job_id", id).
		Str("kind", kind.String()).
		Int("files", len(files)).
		Msg("Job recorded")
	return id, nil
}
