package entity

import "github.com/joseph-ayodele/invoice-pipeline/constants"

// Document is the payload handed to extraction. Content is raw text for
// KindText and base64 for binary kinds.
type Document struct {
	Kind     constants.DocumentKind `json:"kind"`
	Content  string                 `json:"content"`
	MimeType string                 `json:"mimeType,omitempty"`
	Filename string                 `json:"filename,omitempty"`
}

// Upload is a submitted document before it is stored.
type Upload struct {
	Filename string
	MimeType string
	Data     []byte
}
