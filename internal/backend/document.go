package backend

import (
	"encoding/base64"
	"mime"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

// AcceptedMIMEType is the only document type the backend ingests.
const AcceptedMIMEType = "application/pdf"

const objectNamePrefix = "hr_policies_"

// Document is an uploaded file as received from the user.
type Document struct {
	Name     string
	MIMEType string
	Content  []byte
}

// EncodedDocument is a document in its transport-safe form.
type EncodedDocument struct {
	MIMEType string
	DataURL  string
	Size     int
}

// ValidateDocument rejects anything not declared as a PDF. The content
// itself is not inspected.
func ValidateDocument(doc Document) error {
	mediaType, _, err := mime.ParseMediaType(doc.MIMEType)
	if err != nil || !strings.EqualFold(mediaType, AcceptedMIMEType) {
		return &ValidationError{Field: "mime_type", Reason: "expected " + AcceptedMIMEType + ", got " + strconv.Quote(doc.MIMEType)}
	}
	return nil
}

// Encode validates doc and converts it to a base64 data URL.
func Encode(doc Document) (EncodedDocument, error) {
	if err := ValidateDocument(doc); err != nil {
		return EncodedDocument{}, err
	}
	return EncodedDocument{
		MIMEType: AcceptedMIMEType,
		DataURL:  "data:" + AcceptedMIMEType + ";base64," + base64.StdEncoding.EncodeToString(doc.Content),
		Size:     len(doc.Content),
	}, nil
}

// NewObjectName returns a name that does not collide with earlier uploads.
func NewObjectName(now time.Time) string {
	return objectNamePrefix + strconv.FormatInt(now.UnixMilli(), 10) + "_" + strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
}
