package ingest

import (
	"context"
	"encoding/base64"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/common"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
	"github.com/joseph-ayodele/invoice-pipeline/internal/logging"
)

// FileStore keeps uploaded documents under one directory, named by invoice id.
// References are bare file names relative to that directory.
type FileStore struct {
	dir    string
	logger *zap.SugaredLogger
}

func NewFileStore(dir string, logger *zap.SugaredLogger) (*FileStore, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, common.InvalidInputf("upload directory is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, errors.Wrapf(err, "create upload dir %s", dir)
	}
	return &FileStore{dir: dir, logger: logging.OrNop(logger)}, nil
}

// Save writes up as <invoiceID>.<ext>. An unknown file extension is replaced
// by one derived from the MIME type.
func (s *FileStore) Save(_ context.Context, invoiceID string, up entity.Upload) (string, error) {
	ext := constants.NormalizeExt(filepath.Ext(up.Filename))
	if _, ok := constants.KindForExt(ext); !ok {
		ext = extForMIME(up.MimeType)
	}
	ref := invoiceID
	if ext != "" {
		ref += "." + ext
	}
	path := filepath.Join(s.dir, ref)

	tmp := path + ".part"
	if err := os.WriteFile(tmp, up.Data, 0o644); err != nil {
		return "", errors.Wrapf(err, "write %s", tmp)
	}
	if err := os.Rename(tmp, path); err != nil {
		_ = os.Remove(tmp)
		return "", errors.Wrapf(err, "rename %s", tmp)
	}
	s.logger.Debugw("ingest.store.saved", "invoice_id", invoiceID, "ref", ref, "bytes", len(up.Data))
	return ref, nil
}

// Load reads ref back as an extraction payload: raw text for text documents,
// base64 for images and PDFs.
func (s *FileStore) Load(_ context.Context, ref string) (entity.Document, error) {
	if ref == "" || ref != filepath.Base(ref) || IsHidden(ref) {
		return entity.Document{}, common.InvalidInputf("invalid document reference %q", ref)
	}
	data, err := os.ReadFile(filepath.Join(s.dir, ref))
	if err != nil {
		if os.IsNotExist(err) {
			return entity.Document{}, common.NotFoundf("document %s not found", ref)
		}
		return entity.Document{}, errors.Wrapf(err, "read document %s", ref)
	}

	ext := filepath.Ext(ref)
	kind, ok := constants.KindForExt(ext)
	if !ok {
		return entity.Document{}, common.InvalidInputf("unsupported document type %q", ref)
	}
	doc := entity.Document{Kind: kind, MimeType: constants.MIMEForExt(ext), Filename: ref}
	if kind == constants.KindText {
		doc.Content = string(data)
	} else {
		doc.Content = base64.StdEncoding.EncodeToString(data)
	}
	return doc, nil
}

// Remove deletes the stored document for ref. A missing file is not an error.
func (s *FileStore) Remove(_ context.Context, ref string) error {
	if ref == "" || ref != filepath.Base(ref) {
		return common.InvalidInputf("invalid document reference %q", ref)
	}
	if err := os.Remove(filepath.Join(s.dir, ref)); err != nil && !os.IsNotExist(err) {
		return errors.Wrapf(err, "remove document %s", ref)
	}
	return nil
}

func extForMIME(mimeType string) string {
	kind, ok := constants.KindForMIME(mimeType)
	if !ok {
		return ""
	}
	switch kind {
	case constants.KindText:
		return "txt"
	case constants.KindPDF:
		return "pdf"
	}
	sub := strings.TrimPrefix(strings.ToLower(strings.TrimSpace(strings.SplitN(mimeType, ";", 2)[0])), "image/")
	if sub == "jpeg" {
		return "jpg"
	}
	if AllowedExt(sub) {
		return sub
	}
	return ""
}
