// Package export renders stored invoices as XLSX, CSV or JSON.
package export

import (
	"bytes"
	"context"
	"encoding/csv"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/xuri/excelize/v2"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
	"github.com/joseph-ayodele/invoice-pipeline/internal/repository"
)

type Format string

const (
	FormatXLSX Format = "xlsx"
	FormatCSV  Format = "csv"
	FormatJSON Format = "json"
)

const (
	invoiceSheet  = "Invoices"
	lineItemSheet = "Line Items"
)

// ParseFormat accepts xlsx, csv or json, case-insensitively. Empty means xlsx.
func ParseFormat(s string) (Format, error) {
	switch f := Format(strings.ToLower(strings.TrimSpace(s))); f {
	case "":
		return FormatXLSX, nil
	case FormatXLSX, FormatCSV, FormatJSON:
		return f, nil
	default:
		return "", common.InvalidInputf("unsupported export format %q", s)
	}
}

// ContentType returns the MIME type of an export in format f.
func (f Format) ContentType() string {
	switch f {
	case FormatCSV:
		return "text/csv"
	case FormatJSON:
		return "application/json"
	default:
		return "application/vnd.openxmlformats-officedocument.spreadsheetml.sheet"
	}
}

// Service produces export bytes from the invoice repository.
type Service struct {
	repo   repository.InvoiceRepository
	logger *zap.SugaredLogger
}

func NewService(repo repository.InvoiceRepository, logger *zap.SugaredLogger) *Service {
	return &Service{repo: repo, logger: logging.OrNop(logger)}
}

// Export lists invoices matching filter and renders them in format.
func (s *Service) Export(ctx context.Context, format Format, filter repository.ListFilter) ([]byte, error) {
	start := time.Now()
	invs, _, err := s.repo.List(ctx, filter)
	if err != nil {
		return nil, errors.Wrap(err, "query invoices")
	}

	var out []byte
	switch format {
	case FormatXLSX:
		out, err = RenderXLSX(invs)
	case FormatCSV:
		out, err = RenderCSV(invs)
	case FormatJSON:
		out, err = RenderJSON(invs)
	default:
		return nil, common.InvalidInputf("unsupported export format %q", format)
	}
	if err != nil {
		return nil, err
	}

	s.logger.Infow("export."+string(format)+".ok",
		"rows", len(invs),
		"bytes", len(out),
		"elapsed_ms", time.Since(start).Milliseconds(),
	)
	return out, nil
}

var invoiceHeaders = []string{
	"Invoice ID",
	"Status",
	"Vendor",
	"Invoice Number",
	"Invoice Date",
	"Due Date",
	"Currency",
	"Subtotal",
	"Tax",
	"Discount",
	"Shipping",
	"Total",
	"Confidence",
	"Requires Review",
	"Errors",
	"Warnings",
	"Batch",
	"Created At",
}

func invoiceRow(inv *entity.Invoice) []any {
	return []any{
		inv.ID,
		string(inv.Status),
		inv.VendorName,
		inv.InvoiceNumber,
		inv.InvoiceDate,
		inv.DueDate,
		inv.Currency,
		money(inv.Subtotal),
		money(inv.TaxAmount),
		money(inv.Discount),
		money(inv.Shipping),
		money(inv.Total),
		inv.ConfidenceScore,
		inv.RequiresReview,
		truncate(strings.Join(inv.ValidationErrors, "; "), 500),
		truncate(strings.Join(inv.ValidationWarnings, "; "), 500),
		inv.BatchID,
		inv.CreatedAt.UTC().Format(time.RFC3339),
	}
}

// money leaves absent amounts blank rather than writing 0.
func money(p *float64) any {
	if p == nil {
		return ""
	}
	return *p
}

// RenderXLSX writes one row per invoice on the Invoices sheet and one row per
// line item on the Line Items sheet.
func RenderXLSX(invs []*entity.Invoice) ([]byte, error) {
	f := excelize.NewFile()
	defer func() { _ = f.Close() }()

	if err := f.SetSheetName("Sheet1", invoiceSheet); err != nil {
		return nil, errors.Wrap(err, "xlsx sheet")
	}
	if _, err := f.NewSheet(lineItemSheet); err != nil {
		return nil, errors.Wrap(err, "xlsx sheet")
	}

	if err := writeRow(f, invoiceSheet, 1, toAny(invoiceHeaders)); err != nil {
		return nil, err
	}
	if err := writeRow(f, lineItemSheet, 1, []any{"Invoice ID", "Line", "Description", "Quantity", "Unit Price", "Amount"}); err != nil {
		return nil, err
	}

	itemRow := 2
	for i, inv := range invs {
		if err := writeRow(f, invoiceSheet, i+2, invoiceRow(inv)); err != nil {
			return nil, err
		}
		for j, it := range inv.LineItems {
			if err := writeRow(f, lineItemSheet, itemRow, []any{inv.ID, j + 1, it.Description, it.Quantity, it.UnitPrice, it.Amount}); err != nil {
				return nil, err
			}
			itemRow++
		}
	}

	_ = f.SetColWidth(invoiceSheet, "A", "A", 38) // id
	_ = f.SetColWidth(invoiceSheet, "C", "C", 28) // vendor
	_ = f.SetColWidth(invoiceSheet, "O", "P", 48) // findings
	_ = f.SetColWidth(lineItemSheet, "A", "A", 38)
	_ = f.SetColWidth(lineItemSheet, "C", "C", 40)

	idx, _ := f.GetSheetIndex(invoiceSheet)
	f.SetActiveSheet(idx)

	buf, err := f.WriteToBuffer()
	if err != nil {
		return nil, errors.Wrap(err, "xlsx write")
	}
	return buf.Bytes(), nil
}

func writeRow(f *excelize.File, sheet string, row int, values []any) error {
	cell, err := excelize.CoordinatesToCellName(1, row)
	if err != nil {
		return errors.Wrap(err, "xlsx cell")
	}
	if err := f.SetSheetRow(sheet, cell, &values); err != nil {
		return errors.Wrapf(err, "xlsx row %d", row)
	}
	return nil
}

// RenderCSV writes the invoice sheet columns as CSV.
func RenderCSV(invs []*entity.Invoice) ([]byte, error) {
	var buf bytes.Buffer
	w := csv.NewWriter(&buf)
	if err := w.Write(invoiceHeaders); err != nil {
		return nil, errors.Wrap(err, "csv header")
	}
	for _, inv := range invs {
		row := invoiceRow(inv)
		rec := make([]string, len(row))
		for i, v := range row {
			rec[i] = cellString(v)
		}
		if err := w.Write(rec); err != nil {
			return nil, errors.Wrap(err, "csv row")
		}
	}
	w.Flush()
	if err := w.Error(); err != nil {
		return nil, errors.Wrap(err, "csv flush")
	}
	return buf.Bytes(), nil
}

// RenderJSON writes the full invoice records as an indented JSON array.
func RenderJSON(invs []*entity.Invoice) ([]byte, error) {
	if invs == nil {
		invs = []*entity.Invoice{}
	}
	out, err := json.MarshalIndent(invs, "", "  ")
	if err != nil {
		return nil, errors.Wrap(err, "json encode")
	}
	return out, nil
}

func cellString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	case int:
		return strconv.Itoa(t)
	default:
		return ""
	}
}

func toAny(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}

func truncate(s string, n int) string {
	if n <= 0 || len(s) <= n {
		return s
	}
	if n <= 1 {
		return s[:n]
	}
	return s[:n-1] + "…"
}
