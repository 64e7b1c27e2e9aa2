// Package cli provides output helpers for the kanshou command.
package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"

	"github.com/hyperjump/kanshou/internal/importer"
	"github.com/hyperjump/kanshou/internal/models"
	"github.com/hyperjump/kanshou/internal/server"
)

// OutputFormat is the format for command output.
type OutputFormat string

const (
	// OutputText is human-readable text (default).
	OutputText OutputFormat = "text"
	// OutputJSON is structured JSON for machine consumption.
	OutputJSON OutputFormat = "json"
)

const rule = "─────────────────────────────────────────────────────────"

// ParseFormat returns the output format named by s. Unknown names fall back to text.
func ParseFormat(s string) OutputFormat {
	if strings.EqualFold(strings.TrimSpace(s), string(OutputJSON)) {
		return OutputJSON
	}
	return OutputText
}

// WriteJSON writes v as indented JSON.
func WriteJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// WriteSimilarResults writes a similarity response to w in the given format.
func WriteSimilarResults(w io.Writer, response *models.SimilarResponse, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, response)
	}
	fmt.Fprintf(w, "\nFound %d similar artworks in %dms (index: %s)\n\n", response.Total, response.QueryTime, response.IndexType)
	for _, result := range response.Results {
		fmt.Fprintln(w, rule)
		fmt.Fprintf(w, "Rank: %d | Score: %.4f\n", result.Rank, result.Score)
		writeRecordText(w, result.Record)
		fmt.Fprintln(w)
	}
	return nil
}

// WriteRecord writes one artwork record.
func WriteRecord(w io.Writer, rec *models.ArtworkRecord, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, rec)
	}
	writeRecordText(w, rec)
	return nil
}

func writeRecordText(w io.Writer, rec *models.ArtworkRecord) {
	if rec == nil {
		return
	}
	fmt.Fprintf(w, "ID: %s\n", rec.ID)
	writeField(w, "Title", rec.Title)
	writeField(w, "Artist", rec.Artist)
	if rec.Year != nil {
		fmt.Fprintf(w, "Year: %d\n", *rec.Year)
	}
	writeField(w, "Style", rec.Style)
	writeField(w, "Movement", rec.Movement)
	writeField(w, "Source", rec.SourceURL)
}

func writeField(w io.Writer, label string, v *string) {
	if s := models.Field(v); s != "" {
		fmt.Fprintf(w, "%s: %s\n", label, Truncate(s, 200))
	}
}

// WriteReport writes an analysis report.
func WriteReport(w io.Writer, report *models.AnalysisReport, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, report)
	}
	fmt.Fprintf(w, "\nAnalysis %s (%s)\n", report.ID, report.CreatedAt.Format("2006-01-02 15:04:05 MST"))
	fmt.Fprintln(w, rule)
	identified := report.Title != nil || report.Artist != nil
	if !identified {
		fmt.Fprintln(w, "Not identified")
	}
	writeField(w, "Title", report.Title)
	writeField(w, "Artist", report.Artist)
	if report.Year != nil {
		fmt.Fprintf(w, "Year: %d\n", *report.Year)
	}
	writeField(w, "Style", report.Style)
	writeField(w, "Movement", report.Movement)
	writeField(w, "Source", report.SourceURL)
	if report.ArtistConfidence != nil {
		fmt.Fprintf(w, "Artist confidence: %.2f\n", *report.ArtistConfidence)
	}
	if len(report.Similar) > 0 {
		fmt.Fprintf(w, "\nSimilar artworks:\n")
		for _, s := range report.Similar {
			title := models.Field(s.Record.Title)
			if title == "" {
				title = s.Record.ID
			}
			line := fmt.Sprintf("  %d. %s", s.Rank, title)
			if artist := models.Field(s.Record.Artist); artist != "" {
				line += " by " + artist
			}
			fmt.Fprintf(w, "%s (%.4f)\n", line, s.Score)
		}
	}
	if len(report.Warnings) > 0 {
		fmt.Fprintf(w, "\nWarnings:\n")
		for _, warn := range report.Warnings {
			fmt.Fprintf(w, "  - %s\n", warn)
		}
	}
	return nil
}

// WriteStatus writes a status summary.
func WriteStatus(w io.Writer, st server.Status, format OutputFormat) error {
	if format == OutputJSON {
		return WriteJSON(w, st)
	}
	fmt.Fprintf(w, "Artworks:    %d\n", st.Artworks)
	fmt.Fprintf(w, "Dimension:   %d\n", st.Dimension)
	fmt.Fprintf(w, "Generation:  %d\n", st.Generation)
	indexType := st.Config.IndexType
	if indexType == "" {
		indexType = "memory"
	}
	fmt.Fprintf(w, "Index:       %s\n", indexType)
	if st.TextDocuments != nil {
		fmt.Fprintf(w, "Text index:  %d documents\n", *st.TextDocuments)
	}
	if st.Reports != nil {
		fmt.Fprintf(w, "Reports:     %d\n", *st.Reports)
	}
	if st.DiskUsageBytes != nil {
		fmt.Fprintf(w, "Disk usage:  %s\n", FormatBytes(*st.DiskUsageBytes))
	}
	if st.Config.DataDir != "" {
		fmt.Fprintf(w, "Data dir:    %s\n", st.Config.DataDir)
	}
	return nil
}

// WriteImportResult writes the outcome of a manifest import.
func WriteImportResult(w io.Writer, res *importer.Result, format OutputFormat) error {
	if format == OutputJSON {
		errors := make([]string, 0, len(res.Errors))
		for _, e := range res.Errors {
			errors = append(errors, e.Error())
		}
		return WriteJSON(w, map[string]interface{}{
			"rows":    res.Rows,
			"added":   res.Added,
			"skipped": res.Skipped,
			"errors":  errors,
		})
	}
	fmt.Fprintf(w, "Imported %d of %d rows (%d skipped, %d failed)\n", len(res.Added), res.Rows, res.Skipped, len(res.Errors))
	for _, e := range res.Errors {
		fmt.Fprintf(w, "  %s\n", e.Error())
	}
	return nil
}

// FormatBytes renders n with a binary unit suffix.
func FormatBytes(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}

// Truncate truncates s to maxLen and appends "..." if truncated.
func Truncate(s string, maxLen int) string {
	if maxLen <= 0 || len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
