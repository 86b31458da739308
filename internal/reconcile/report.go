package reconcile

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"cloud.google.com/go/storage"
	"github.com/shopspring/decimal"
)

// DriftReport is the JSON document archived when reconciliation finds an
// unexplained gap.
type DriftReport struct {
	GoalID          string          `json:"goal_id"`
	AccountID       string          `json:"account_id"`
	ExternalBalance decimal.Decimal `json:"external_balance"`
	LedgerTotal     decimal.Decimal `json:"ledger_total"`
	InitialBalance  decimal.Decimal `json:"initial_balance"`
	Gap             decimal.Decimal `json:"gap"`
	Backfilled      int             `json:"backfilled"`
	GeneratedAt     time.Time       `json:"generated_at"`
}

// Archiver stores drift reports for later review.
type Archiver interface {
	// ArchiveDriftReport stores the report and returns its location.
	ArchiveDriftReport(ctx context.Context, report *DriftReport) (string, error)
}

// GCSArchiver writes drift reports as JSON objects to a GCS bucket.
// It assumes Application Default Credentials are configured.
type GCSArchiver struct {
	bucket string
}

// NewGCSArchiver creates an archiver writing to the given bucket.
func NewGCSArchiver(bucket string) *GCSArchiver {
	return &GCSArchiver{bucket: bucket}
}

// ArchiveDriftReport implements Archiver. Objects land under
// drift-reports/<goal>/<timestamp>.json.
func (a *GCSArchiver) ArchiveDriftReport(ctx context.Context, report *DriftReport) (string, error) {
	data, err := json.MarshalIndent(report, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal drift report: %w", err)
	}

	client, err := storage.NewClient(ctx)
	if err != nil {
		return "", fmt.Errorf("create storage client: %w", err)
	}
	defer client.Close()

	objectName := fmt.Sprintf("drift-reports/%s/%s.json", report.GoalID, report.GeneratedAt.UTC().Format("20060102T150405Z"))

	ctx, cancel := context.WithTimeout(ctx, 2*time.Minute)
	defer cancel()

	w := client.Bucket(a.bucket).Object(objectName).NewWriter(ctx)
	w.ContentType = "application/json"
	if _, err := w.Write(data); err != nil {
		_ = w.Close()
		return "", fmt.Errorf("write drift report: %w", err)
	}
	if err := w.Close(); err != nil {
		return "", fmt.Errorf("finalize drift report upload: %w", err)
	}

	return fmt.Sprintf("gs://%s/%s", a.bucket, objectName), nil
}

var _ Archiver = (*GCSArchiver)(nil)
