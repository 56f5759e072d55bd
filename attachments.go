package main

import (
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"go.uber.org/zap"
)

// AllowedMediaTypes lists the attachment types forwarded to models.
var AllowedMediaTypes = map[string]bool{
	"image/png":       true,
	"image/jpeg":      true,
	"image/gif":       true,
	"image/webp":      true,
	"application/pdf": true,
	"text/plain":      true,
	"text/markdown":   true,
	"text/csv":        true,
}

// sniffPrefix is how many payload characters are decoded for type detection.
const sniffPrefix = 4096

var (
	errNotDataURI      = errors.New("not a data URI")
	errMalformedURI    = errors.New("malformed data URI")
	errTooLarge        = errors.New("attachment exceeds size limit")
	errMediaType       = errors.New("media type not allowed")
	errUndetectedMedia = errors.New("media type could not be determined")
)

// FilePart is an attachment that passed validation and may be sent to a model.
type FilePart struct {
	URL       string
	MediaType string
	Filename  string
	SizeBytes int
}

// IsImage reports whether the part should be sent as an image input.
func (p FilePart) IsImage() bool {
	return strings.HasPrefix(p.MediaType, "image/")
}

// FilterAttachments drops every attachment that is not a self-contained data
// URI, is larger than MaxAttachmentSize, or has a media type outside
// AllowedMediaTypes. Dropping is silent apart from a debug log line.
func FilterAttachments(attachments []FileAttachment, logger *zap.Logger) []FilePart {
	parts := make([]FilePart, 0, len(attachments))
	for i, a := range attachments {
		part, err := validateAttachment(a)
		if err != nil {
			logger.Debug("Dropping attachment",
				zap.Int("index", i),
				zap.String("filename", a.Filename),
				zap.Error(err),
			)
			continue
		}
		parts = append(parts, part)
	}
	return parts
}

func validateAttachment(a FileAttachment) (FilePart, error) {
	if !strings.HasPrefix(strings.ToLower(a.URL), "data:") {
		return FilePart{}, errNotDataURI
	}

	comma := strings.IndexByte(a.URL, ',')
	if comma < 0 {
		return FilePart{}, errMalformedURI
	}
	header := a.URL[len("data:"):comma]
	payload := a.URL[comma+1:]

	params := strings.Split(header, ";")
	headerType := normalizeMediaType(params[0])
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	size := estimateSize(payload, isBase64)
	if size > MaxAttachmentSize {
		return FilePart{}, fmt.Errorf("%w: ~%d bytes", errTooLarge, size)
	}

	mediaType := normalizeMediaType(a.MediaType)
	if mediaType == "" {
		mediaType = headerType
	}
	if mediaType == "" {
		detected, err := sniffMediaType(payload, isBase64)
		if err != nil {
			return FilePart{}, err
		}
		mediaType = detected
	}
	if !AllowedMediaTypes[mediaType] {
		return FilePart{}, fmt.Errorf("%w: %s", errMediaType, mediaType)
	}

	return FilePart{
		URL:       a.URL,
		MediaType: mediaType,
		Filename:  a.Filename,
		SizeBytes: size,
	}, nil
}

// estimateSize returns the decoded payload size without decoding it.
func estimateSize(payload string, isBase64 bool) int {
	if isBase64 {
		return len(payload) * 3 / 4
	}
	return len(payload)
}

func sniffMediaType(payload string, isBase64 bool) (string, error) {
	var sample []byte
	if isBase64 {
		prefix := payload
		if len(prefix) > sniffPrefix {
			prefix = prefix[:sniffPrefix]
		}
		prefix = strings.TrimRight(prefix, "=")
		decoded, err := base64.RawStdEncoding.DecodeString(prefix[:len(prefix)/4*4])
		if err != nil {
			return "", fmt.Errorf("%w: %v", errMalformedURI, err)
		}
		sample = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return "", fmt.Errorf("%w: %v", errMalformedURI, err)
		}
		sample = []byte(unescaped)
	}

	detected := normalizeMediaType(mimetype.Detect(sample).String())
	if detected == "" || detected == "application/octet-stream" {
		return "", errUndetectedMedia
	}
	return detected, nil
}

// normalizeMediaType lowercases a media type and strips its parameters.
func normalizeMediaType(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}
