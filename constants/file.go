package constants

import "strings"

// DocumentKind is the payload kind handed to the extractor.
type DocumentKind string

const (
	KindText  DocumentKind = "text"
	KindImage DocumentKind = "image"
	KindPDF   DocumentKind = "pdf"
)

// AllowedExtensions holds the default allowed file extensions for invoice ingestion.
var AllowedExtensions = map[string]struct{}{
	"pdf":  {},
	"jpg":  {},
	"jpeg": {},
	"png":  {},
	"webp": {},
	"gif":  {},
	"txt":  {},
}

var extKinds = map[string]DocumentKind{
	"pdf":  KindPDF,
	"jpg":  KindImage,
	"jpeg": KindImage,
	"png":  KindImage,
	"webp": KindImage,
	"gif":  KindImage,
	"txt":  KindText,
	"md":   KindText,
	"csv":  KindText,
}

var extMIME = map[string]string{
	"pdf":  "application/pdf",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"webp": "image/webp",
	"gif":  "image/gif",
	"txt":  "text/plain",
	"md":   "text/markdown",
	"csv":  "text/csv",
}

// NormalizeExt lowercases and trims the dot from a file extension.
func NormalizeExt(ext string) string {
	return strings.ToLower(strings.TrimPrefix(strings.TrimSpace(ext), "."))
}

// KindForExt maps a file extension to a document kind.
func KindForExt(ext string) (DocumentKind, bool) {
	k, ok := extKinds[NormalizeExt(ext)]
	return k, ok
}

// MIMEForExt returns the canonical mime type for ext, or application/octet-stream.
func MIMEForExt(ext string) string {
	if mt, ok := extMIME[NormalizeExt(ext)]; ok {
		return mt
	}
	return "application/octet-stream"
}

// KindForMIME maps a mime type to a document kind.
func KindForMIME(mimeType string) (DocumentKind, bool) {
	mt := strings.ToLower(strings.TrimSpace(mimeType))
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = strings.TrimSpace(mt[:i])
	}
	switch {
	case mt == "application/pdf":
		return KindPDF, true
	case strings.HasPrefix(mt, "image/"):
		return KindImage, true
	case strings.HasPrefix(mt, "text/"):
		return KindText, true
	}
	return "", false
}
