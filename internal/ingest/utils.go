package ingest

import (
	"crypto/sha256"
	"encoding/hex"
	"os"
	"path/filepath"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/joseph-ayodele/invoice-pipeline/constants"
	"github.com/joseph-ayodele/invoice-pipeline/internal/entity"
)

// AllowedExt checks if a file extension is in the allowed set.
func AllowedExt(ext string) bool {
	ext = constants.NormalizeExt(ext)
	_, ok := constants.AllowedExtensions[ext]
	return ok
}

// IsHidden checks if a file or directory is hidden (starts with '.').
func IsHidden(path string) bool {
	base := filepath.Base(path)
	return strings.HasPrefix(base, ".") && base != "." && base != ".."
}

// ReadUpload reads path into an Upload and returns the hex sha256 of its bytes.
func ReadUpload(path string) (entity.Upload, string, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return entity.Upload{}, "", errors.Wrapf(err, "read %s", path)
	}
	sum := sha256.Sum256(data)
	name := filepath.Base(path)
	return entity.Upload{
		Filename: name,
		MimeType: constants.MIMEForExt(filepath.Ext(name)),
		Data:     data,
	}, hex.EncodeToString(sum[:]), nil
}
