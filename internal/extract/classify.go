// Package extract classifies staged files by content and pulls text out of them.
package extract

import (
	"os"
	"strings"

	"github.com/gabriel-vasile/mimetype"

	"github.com/jc2409/jsonify/internal/logger"
	"github.com/jc2409/jsonify/internal/models"
)

// OctetStream is reported whenever sniffing is impossible.
const OctetStream = "application/octet-stream"

// Classification is the content-sniffed type of one staged file.
type Classification struct {
	MimeType  string
	Extension string
	// Fallback is set when sniffing failed and MimeType is OctetStream.
	Fallback bool
}

type Classifier struct {
	log logger.Logger
}

func NewClassifier(log logger.Logger) *Classifier {
	if log == nil {
		log = logger.NewNop()
	}
	return &Classifier{log: log}
}

// Classify sniffs the bytes at path; the file name plays no part. It never fails.
func (c *Classifier) Classify(path string) Classification {
	info, err := os.Stat(path)
	if err != nil {
		c.log.Warn("classification fallback", logger.String("reason", "stat failed"), logger.Error(err))
		return fallback()
	}
	if info.Size() == 0 {
		c.log.Debug("classification fallback", logger.String("reason", "empty file"))
		return fallback()
	}

	m, err := mimetype.DetectFile(path)
	if err != nil {
		c.log.Warn("classification fallback", logger.String("reason", "sniff failed"), logger.Error(err))
		return fallback()
	}
	mt := stripParams(m.String())
	ext := m.Extension()
	if ext == "" {
		ext = ExtensionFor(mt)
	}
	return Classification{MimeType: mt, Extension: ext}
}

// ExtensionFor returns the usual extension of a MIME type, or models.UnknownExtension.
func ExtensionFor(mimeType string) string {
	if m := mimetype.Lookup(stripParams(mimeType)); m != nil && m.Extension() != "" {
		return m.Extension()
	}
	return models.UnknownExtension
}

func fallback() Classification {
	return Classification{MimeType: OctetStream, Extension: ExtensionFor(OctetStream), Fallback: true}
}

func stripParams(mt string) string {
	base, _, _ := strings.Cut(mt, ";")
	return strings.TrimSpace(strings.ToLower(base))
}
