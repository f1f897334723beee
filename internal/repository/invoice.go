package repository

import (
	"context"
	"database/sql"
	"encoding/json"
	"strings"

	sq "github.com/Masterminds/squirrel"
	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	dbschema "github.com/joseph-ayodele/invoice-pipeline/db"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

// ListFilter narrows List. Zero values match everything; Limit 0 means no limit.
type ListFilter struct {
	Status         constants.InvoiceStatus
	BatchID        string
	OwnerID        string
	RequiresReview *bool
	Limit          uint64
	Offset         uint64
}

// InvoiceRepository persists job records. Load returns (nil, nil) for an
// unknown id; callers decide whether that is an error.
type InvoiceRepository interface {
	Create(ctx context.Context, inv *entity.Invoice) error
	Load(ctx context.Context, id string) (*entity.Invoice, error)
	Save(ctx context.Context, inv *entity.Invoice) error
	// SaveIfStatus writes inv only while the stored record still has status
	// from. It reports false, with no error, when the record moved on or is gone.
	SaveIfStatus(ctx context.Context, inv *entity.Invoice, from constants.InvoiceStatus) (bool, error)
	FindByBatch(ctx context.Context, batchID string) ([]*entity.Invoice, error)
	List(ctx context.Context, f ListFilter) ([]*entity.Invoice, int, error)
	ListByStatus(ctx context.Context, statuses ...constants.InvoiceStatus) ([]*entity.Invoice, error)
	Delete(ctx context.Context, id string) error
}

const invoicesTable = "invoices"

var invoiceColumns = []string{
	"id", "owner_id", "status", "document_ref", "original_filename", "mime_type",
	"vendor_name", "vendor_address", "vendor_email", "vendor_phone", "vendor_tax_id",
	"customer_name", "customer_address", "invoice_number", "po_number", "invoice_date", "due_date",
	"line_items", "subtotal", "tax_rate", "tax_amount", "discount", "shipping", "total_amount",
	"currency", "payment_terms", "extractor_confidence", "anomalies",
	"confidence_score", "validation_errors", "validation_warnings", "requires_review",
	"processing_started_at", "processing_completed_at", "processing_time_ms", "retry_count", "last_error",
	"batch_id", "webhook_url", "webhook_sent", "webhook_sent_at",
	"corrections", "raw_extraction", "created_at", "updated_at",
}

type invoiceRepository struct {
	db      *sql.DB
	builder sq.StatementBuilderType
	logger  *zap.SugaredLogger
}

// NewInvoiceRepository returns a SQL-backed repository for d's dialect.
func NewInvoiceRepository(d *DB, logger *zap.SugaredLogger) InvoiceRepository {
	return newSQLInvoiceRepository(d.SQL, d.Dialect, logger)
}

func newSQLInvoiceRepository(conn *sql.DB, dialect dbschema.Dialect, logger *zap.SugaredLogger) *invoiceRepository {
	return &invoiceRepository{
		db:      conn,
		builder: sq.StatementBuilder.PlaceholderFormat(dialect.Placeholder()).RunWith(conn),
		logger:  logging.OrNop(logger),
	}
}

func (r *invoiceRepository) Create(ctx context.Context, inv *entity.Invoice) error {
	values, err := invoiceValues(inv)
	if err != nil {
		return common.DatabaseError(err, "encode invoice")
	}
	if _, err := r.builder.Insert(invoicesTable).Columns(invoiceColumns...).Values(values...).ExecContext(ctx); err != nil {
		r.logger.Errorw("repo.invoice.create.error", "invoice_id", inv.ID, "err", err)
		return common.DatabaseError(err, "create invoice")
	}
	return nil
}

func (r *invoiceRepository) Save(ctx context.Context, inv *entity.Invoice) error {
	values, err := invoiceValues(inv)
	if err != nil {
		return common.DatabaseError(err, "encode invoice")
	}
	_, err = r.builder.Insert(invoicesTable).
		Columns(invoiceColumns...).
		Values(values...).
		Suffix(upsertClause()).
		ExecContext(ctx)
	if err != nil {
		r.logger.Errorw("repo.invoice.save.error", "invoice_id", inv.ID, "status", inv.Status, "err", err)
		return common.DatabaseError(err, "save invoice")
	}
	return nil
}

func (r *invoiceRepository) SaveIfStatus(ctx context.Context, inv *entity.Invoice, from constants.InvoiceStatus) (bool, error) {
	values, err := invoiceValues(inv)
	if err != nil {
		return false, common.DatabaseError(err, "encode invoice")
	}
	set := make(map[string]any, len(invoiceColumns))
	for i, c := range invoiceColumns {
		if c == "id" || c == "created_at" {
			continue
		}
		set[c] = values[i]
	}
	res, err := r.builder.Update(invoicesTable).
		SetMap(set).
		Where(sq.Eq{"id": inv.ID, "status": string(from)}).
		ExecContext(ctx)
	if err != nil {
		r.logger.Errorw("repo.invoice.save_if.error", "invoice_id", inv.ID, "from", from, "err", err)
		return false, common.DatabaseError(err, "save invoice")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return false, common.DatabaseError(err, "save invoice")
	}
	return n == 1, nil
}

func upsertClause() string {
	sets := make([]string, 0, len(invoiceColumns)-1)
	for _, c := range invoiceColumns {
		if c == "id" || c == "created_at" {
			continue
		}
		sets = append(sets, c+" = excluded."+c)
	}
	return "ON CONFLICT (id) DO UPDATE SET " + strings.Join(sets, ", ")
}

func (r *invoiceRepository) Load(ctx context.Context, id string) (*entity.Invoice, error) {
	row := r.builder.Select(invoiceColumns...).From(invoicesTable).Where(sq.Eq{"id": id}).QueryRowContext(ctx)
	inv, err := scanInvoice(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		r.logger.Errorw("repo.invoice.load.error", "invoice_id", id, "err", err)
		return nil, common.DatabaseError(err, "load invoice")
	}
	return inv, nil
}

func (r *invoiceRepository) FindByBatch(ctx context.Context, batchID string) ([]*entity.Invoice, error) {
	q := r.builder.Select(invoiceColumns...).From(invoicesTable).
		Where(sq.Eq{"batch_id": batchID}).
		OrderBy("created_at ASC", "id ASC")
	return r.query(ctx, q, "find invoices by batch")
}

func (r *invoiceRepository) ListByStatus(ctx context.Context, statuses ...constants.InvoiceStatus) ([]*entity.Invoice, error) {
	in := make([]string, len(statuses))
	for i, s := range statuses {
		in[i] = string(s)
	}
	q := r.builder.Select(invoiceColumns...).From(invoicesTable).
		Where(sq.Eq{"status": in}).
		OrderBy("created_at ASC", "id ASC")
	return r.query(ctx, q, "list invoices by status")
}

func (r *invoiceRepository) List(ctx context.Context, f ListFilter) ([]*entity.Invoice, int, error) {
	where := sq.And{}
	if f.Status != "" {
		where = append(where, sq.Eq{"status": string(f.Status)})
	}
	if f.BatchID != "" {
		where = append(where, sq.Eq{"batch_id": f.BatchID})
	}
	if f.OwnerID != "" {
		where = append(where, sq.Eq{"owner_id": f.OwnerID})
	}
	if f.RequiresReview != nil {
		where = append(where, sq.Eq{"requires_review": *f.RequiresReview})
	}

	var total int
	if err := r.builder.Select("COUNT(*)").From(invoicesTable).Where(where).QueryRowContext(ctx).Scan(&total); err != nil {
		r.logger.Errorw("repo.invoice.count.error", "err", err)
		return nil, 0, common.DatabaseError(err, "count invoices")
	}

	q := r.builder.Select(invoiceColumns...).From(invoicesTable).Where(where).OrderBy("created_at DESC", "id DESC")
	if f.Limit > 0 {
		q = q.Limit(f.Limit).Offset(f.Offset)
	}
	out, err := r.query(ctx, q, "list invoices")
	if err != nil {
		return nil, 0, err
	}
	return out, total, nil
}

func (r *invoiceRepository) Delete(ctx context.Context, id string) error {
	res, err := r.builder.Delete(invoicesTable).Where(sq.Eq{"id": id}).ExecContext(ctx)
	if err != nil {
		r.logger.Errorw("repo.invoice.delete.error", "invoice_id", id, "err", err)
		return common.DatabaseError(err, "delete invoice")
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return common.NotFoundf("invoice %s not found", id)
	}
	return nil
}

func (r *invoiceRepository) query(ctx context.Context, q sq.SelectBuilder, op string) ([]*entity.Invoice, error) {
	rows, err := q.QueryContext(ctx)
	if err != nil {
		r.logger.Errorw("repo.invoice.query.error", "op", op, "err", err)
		return nil, common.DatabaseError(err, op)
	}
	defer rows.Close()

	out := make([]*entity.Invoice, 0)
	for rows.Next() {
		inv, err := scanInvoice(rows)
		if err != nil {
			r.logger.Errorw("repo.invoice.scan.error", "op", op, "err", err)
			return nil, common.DatabaseError(err, op)
		}
		out = append(out, inv)
	}
	if err := rows.Err(); err != nil {
		return nil, common.DatabaseError(err, op)
	}
	return out, nil
}

// invoiceValues returns the column values in invoiceColumns order.
func invoiceValues(inv *entity.Invoice) ([]any, error) {
	lineItems, err := encodeJSON(inv.LineItems, "[]")
	if err != nil {
		return nil, errors.Wrap(err, "line_items")
	}
	anomalies, err := encodeJSON(inv.Anomalies, "[]")
	if err != nil {
		return nil, errors.Wrap(err, "anomalies")
	}
	valErrs, err := encodeJSON(inv.ValidationErrors, "[]")
	if err != nil {
		return nil, errors.Wrap(err, "validation_errors")
	}
	valWarns, err := encodeJSON(inv.ValidationWarnings, "[]")
	if err != nil {
		return nil, errors.Wrap(err, "validation_warnings")
	}
	corrections, err := encodeJSON(inv.Corrections, "[]")
	if err != nil {
		return nil, errors.Wrap(err, "corrections")
	}

	return []any{
		inv.ID, inv.OwnerID, string(inv.Status), inv.DocumentRef, inv.OriginalFilename, inv.MimeType,
		inv.VendorName, inv.VendorAddress, inv.VendorEmail, inv.VendorPhone, inv.VendorTaxID,
		inv.CustomerName, inv.CustomerAddress, inv.InvoiceNumber, inv.PONumber, inv.InvoiceDate, inv.DueDate,
		lineItems, nullFloat(inv.Subtotal), nullFloat(inv.TaxRate), nullFloat(inv.TaxAmount),
		nullFloat(inv.Discount), nullFloat(inv.Shipping), nullFloat(inv.Total),
		inv.Currency, inv.PaymentTerms, nullFloat(inv.ExtractorConfidence), anomalies,
		inv.ConfidenceScore, valErrs, valWarns, inv.RequiresReview,
		nullMillis(inv.ProcessingStartedAt), nullMillis(inv.ProcessingCompletedAt), inv.ProcessingTimeMs, inv.RetryCount, inv.LastError,
		inv.BatchID, inv.WebhookURL, inv.WebhookSent, nullMillis(inv.WebhookSentAt),
		corrections, nullRaw(inv.RawExtraction), millis(inv.CreatedAt), millis(inv.UpdatedAt),
	}, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanInvoice(row rowScanner) (*entity.Invoice, error) {
	var (
		inv                                                          entity.Invoice
		status                                                       string
		lineItems, anomalies, valErrs, valWarns, corrections         string
		subtotal, taxRate, taxAmount, discount, shipping, total, ext sql.NullFloat64
		started, completed, webhookAt                                sql.NullInt64
		raw                                                          sql.NullString
		createdAt, updatedAt                                         int64
	)
	err := row.Scan(
		&inv.ID, &inv.OwnerID, &status, &inv.DocumentRef, &inv.OriginalFilename, &inv.MimeType,
		&inv.VendorName, &inv.VendorAddress, &inv.VendorEmail, &inv.VendorPhone, &inv.VendorTaxID,
		&inv.CustomerName, &inv.CustomerAddress, &inv.InvoiceNumber, &inv.PONumber, &inv.InvoiceDate, &inv.DueDate,
		&lineItems, &subtotal, &taxRate, &taxAmount, &discount, &shipping, &total,
		&inv.Currency, &inv.PaymentTerms, &ext, &anomalies,
		&inv.ConfidenceScore, &valErrs, &valWarns, &inv.RequiresReview,
		&started, &completed, &inv.ProcessingTimeMs, &inv.RetryCount, &inv.LastError,
		&inv.BatchID, &inv.WebhookURL, &inv.WebhookSent, &webhookAt,
		&corrections, &raw, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	inv.Status = constants.InvoiceStatus(status)
	inv.Subtotal, inv.TaxRate, inv.TaxAmount = floatPtr(subtotal), floatPtr(taxRate), floatPtr(taxAmount)
	inv.Discount, inv.Shipping, inv.Total = floatPtr(discount), floatPtr(shipping), floatPtr(total)
	inv.ExtractorConfidence = floatPtr(ext)
	inv.ProcessingStartedAt, inv.ProcessingCompletedAt = timePtr(started), timePtr(completed)
	inv.WebhookSentAt = timePtr(webhookAt)
	inv.CreatedAt, inv.UpdatedAt = fromMillis(createdAt), fromMillis(updatedAt)
	if raw.Valid {
		inv.RawExtraction = json.RawMessage(raw.String)
	}

	for _, col := range []struct {
		name string
		raw  string
		dst  any
	}{
		{"line_items", lineItems, &inv.LineItems},
		{"anomalies", anomalies, &inv.Anomalies},
		{"validation_errors", valErrs, &inv.ValidationErrors},
		{"validation_warnings", valWarns, &inv.ValidationWarnings},
		{"corrections", corrections, &inv.Corrections},
	} {
		if err := decodeJSON(col.name, col.raw, col.dst); err != nil {
			return nil, err
		}
	}
	return &inv, nil
}
