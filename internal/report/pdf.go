// Package report renders checkout results as PDF documents for
// sign-off and archiving.
package report

import (
	"bytes"
	"fmt"
	"strings"
	"time"

	"github.com/phpdave11/gofpdf"

	"github.com/atef-tools/atef/internal/check"
	"github.com/atef-tools/atef/internal/checkout"
)

// Options carry the report metadata printed on the summary page.
type Options struct {
	Author string
	Note   string
}

// severityColor maps a severity onto the RGB used for its text.
func severityColor(s check.Severity) (r, g, b int) {
	switch s {
	case check.SeveritySuccess:
		return 0, 128, 0
	case check.SeverityWarning:
		return 204, 102, 0
	case check.SeverityError:
		return 178, 34, 34
	default:
		return 128, 0, 128
	}
}

// Render renders the report into an in-memory PDF.
func Render(report *checkout.CheckoutReport, opts Options) ([]byte, error) {
	pdf, err := build(report, opts)
	if err != nil {
		return nil, err
	}
	var buf bytes.Buffer
	if err := pdf.Output(&buf); err != nil {
		return nil, fmt.Errorf("render pdf: %w", err)
	}
	return buf.Bytes(), nil
}

// WriteFile renders the report and writes it to path.
func WriteFile(report *checkout.CheckoutReport, path string, opts Options) error {
	pdf, err := build(report, opts)
	if err != nil {
		return err
	}
	if err := pdf.OutputFileAndClose(path); err != nil {
		return fmt.Errorf("write pdf: %w", err)
	}
	return nil
}

func build(report *checkout.CheckoutReport, opts Options) (*gofpdf.Fpdf, error) {
	if report == nil {
		return nil, fmt.Errorf("no report")
	}
	author := strings.TrimSpace(opts.Author)
	if author == "" {
		author = "unknown"
	}

	pdf := gofpdf.New("P", "mm", "A4", "")
	pdf.SetMargins(14, 14, 14)
	pdf.SetAutoPageBreak(true, 14)
	pdf.SetTitle("atef checkout report", false)
	pdf.AddPage()

	pdf.SetFont("Helvetica", "B", 16)
	pdf.CellFormat(0, 9, "atef Checkout Report", "", 1, "L", false, 0, "")

	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(60, 60, 60)
	pdf.CellFormat(0, 6, fmt.Sprintf("Generated at: %s", time.Now().Format("2006-01-02 15:04:05")), "", 1, "L", false, 0, "")
	pdf.CellFormat(0, 6, fmt.Sprintf("Author: %s", author), "", 1, "L", false, 0, "")
	if note := strings.TrimSpace(opts.Note); note != "" {
		pdf.MultiCell(0, 5, fmt.Sprintf("Note: %s", note), "", "L", false)
	}
	pdf.Ln(2)

	sectionTitle(pdf, "1. Run Summary")
	kv(pdf, "Checkout", report.File)
	kv(pdf, "Run ID", report.RunID)
	kv(pdf, "Started At", report.StartedAt.Format("2006-01-02 15:04:05"))
	kv(pdf, "Duration", report.Duration().Round(time.Millisecond).String())
	kv(pdf, "Comparisons", fmt.Sprintf("%d", report.Comparisons))
	kv(pdf, "Live Fetches", fmt.Sprintf("%d", report.Fetches))

	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, "Overall:", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(severityColor(report.Overall))
	pdf.CellFormat(0, 5.2, strings.ToUpper(report.Overall.String()), "", 1, "L", false, 0, "")
	pdf.Ln(2)

	sectionTitle(pdf, "2. Results")
	if len(report.Entries) == 0 {
		pdf.SetFont("Helvetica", "", 10)
		pdf.SetTextColor(90, 90, 90)
		pdf.MultiCell(0, 5, "(no configurations retained)", "", "L", false)
	} else {
		for i, entry := range report.Entries {
			pdf.SetFont("Helvetica", "B", 11)
			pdf.SetTextColor(20, 20, 20)
			pdf.CellFormat(120, 6, fmt.Sprintf("%d. %s", i+1, safeText(entry.Identity)), "", 0, "L", false, 0, "")

			pdf.SetFont("Helvetica", "B", 10)
			pdf.SetTextColor(severityColor(entry.Severity))
			pdf.CellFormat(0, 6, strings.ToUpper(entry.Severity.String()), "", 1, "R", false, 0, "")

			if reason := strings.TrimSpace(entry.Result.Reason); reason != "" {
				pdf.SetFont("Helvetica", "", 9)
				pdf.SetTextColor(40, 40, 40)
				// Folded reasons arrive as "a; b; c", one line each
				// keeps long checkouts readable.
				for _, line := range strings.Split(reason, "; ") {
					pdf.MultiCell(0, 4.5, "- "+safeText(line), "", "L", false)
				}
			}
			pdf.Ln(1)
		}
	}

	pdf.Ln(2)
	pdf.SetFont("Helvetica", "", 9)
	pdf.SetTextColor(90, 90, 90)
	pdf.MultiCell(0, 4.5,
		"Note: reasons are recorded only for comparisons that did not pass. "+
			"An empty entry means every attached comparison succeeded.",
		"", "L", false)

	if pdf.Err() {
		return nil, fmt.Errorf("render pdf: %v", pdf.Error())
	}
	return pdf, nil
}

func sectionTitle(pdf *gofpdf.Fpdf, title string) {
	pdf.SetFont("Helvetica", "B", 12)
	pdf.SetTextColor(0, 0, 0)
	pdf.CellFormat(0, 7, title, "", 1, "L", false, 0, "")
	pdf.SetDrawColor(200, 200, 200)
	pdf.Line(pdf.GetX(), pdf.GetY(), 200, pdf.GetY())
	pdf.Ln(2)
}

func kv(pdf *gofpdf.Fpdf, key, value string) {
	if strings.TrimSpace(value) == "" {
		value = "-"
	}
	pdf.SetFont("Helvetica", "B", 10)
	pdf.SetTextColor(30, 30, 30)
	pdf.CellFormat(36, 5.2, key+":", "", 0, "L", false, 0, "")
	pdf.SetFont("Helvetica", "", 10)
	pdf.SetTextColor(20, 20, 20)
	pdf.MultiCell(0, 5.2, safeText(value), "", "L", false)
}

// safeText keeps the core fonts happy: PV names and reasons are ASCII
// in practice, anything else is replaced rather than failing the
// render.
func safeText(s string) string {
	s = strings.ReplaceAll(s, "\r", " ")
	s = strings.ReplaceAll(s, "\n", " ")
	s = strings.ReplaceAll(s, "\t", " ")
	s = strings.TrimSpace(s)
	var b strings.Builder
	b.Grow(len(s))
	for _, r := range s {
		if r >= 32 && r <= 126 {
			b.WriteRune(r)
		} else {
			b.WriteRune('?')
		}
	}
	return b.String()
}
