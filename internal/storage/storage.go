// Package storage persists analysis reports and measures on-disk footprint.
package storage

import (
	"context"

	"github.com/hyperjump/kanshou/internal/models"
)

// ReportStore keeps the history of analysis reports.
type ReportStore interface {
	SaveReport(ctx context.Context, report *models.AnalysisReport) error
	GetReport(ctx context.Context, id string) (*models.AnalysisReport, error)
	// ListReports returns reports newest first.
	ListReports(ctx context.Context, offset, limit int) ([]*models.AnalysisReport, error)
	CountReports(ctx context.Context) (int64, error)

	Close() error
}
