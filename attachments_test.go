package main

import (
	"encoding/base64"
	"errors"
	"strings"
	"testing"

	"go.uber.org/zap"
)

// pngBytes is a 1x1 transparent PNG.
var pngBytes, _ = base64.StdEncoding.DecodeString("iVBORw0KGgoAAAANSUhEUgAAAAEAAAABCAYAAAAfFcSJAAAADUlEQVR42mNkYPhfDwAChwGA60e6kgAAAABJRU5ErkJggg==")

func dataURI(mediaType string, payload []byte) string {
	return "data:" + mediaType + ";base64," + base64.StdEncoding.EncodeToString(payload)
}

// TestValidateAttachment tests attachment filtering rules
func TestValidateAttachment(t *testing.T) {
	oversized := "data:text/plain;base64," + strings.Repeat("A", MaxAttachmentSize/3*4+8)

	tests := []struct {
		name      string
		input     FileAttachment
		wantType  string
		wantError error
	}{
		{
			name:     "declared png",
			input:    FileAttachment{URL: dataURI("image/png", pngBytes), MediaType: "image/png"},
			wantType: "image/png",
		},
		{
			name:     "declared type is normalized",
			input:    FileAttachment{URL: dataURI("text/plain", []byte("hi")), MediaType: "Text/Plain; charset=utf-8"},
			wantType: "text/plain",
		},
		{
			name:     "type from data URI header",
			input:    FileAttachment{URL: dataURI("application/pdf", []byte("%PDF-1.4"))},
			wantType: "application/pdf",
		},
		{
			name:     "sniffed png",
			input:    FileAttachment{URL: "data:;base64," + base64.StdEncoding.EncodeToString(pngBytes)},
			wantType: "image/png",
		},
		{
			name:     "sniffed plain text from percent-encoded payload",
			input:    FileAttachment{URL: "data:,hello%20world"},
			wantType: "text/plain",
		},
		{
			name:      "remote URL",
			input:     FileAttachment{URL: "https://example.com/a.png", MediaType: "image/png"},
			wantError: errNotDataURI,
		},
		{
			name:      "blob URL",
			input:     FileAttachment{URL: "blob:http://localhost:3000/abc", MediaType: "image/png"},
			wantError: errNotDataURI,
		},
		{
			name:      "no payload separator",
			input:     FileAttachment{URL: "data:image/png;base64", MediaType: "image/png"},
			wantError: errMalformedURI,
		},
		{
			name:      "declared type outside allow-list",
			input:     FileAttachment{URL: dataURI("application/zip", []byte("PK")), MediaType: "application/zip"},
			wantError: errMediaType,
		},
		{
			name:      "header type outside allow-list",
			input:     FileAttachment{URL: dataURI("application/x-msdownload", []byte("MZ"))},
			wantError: errMediaType,
		},
		{
			name:      "sniffed type outside allow-list",
			input:     FileAttachment{URL: "data:;base64," + base64.StdEncoding.EncodeToString([]byte("PK\x03\x04\x14\x00\x00\x00\x08\x00"))},
			wantError: errMediaType,
		},
		{
			name:      "oversized payload",
			input:     FileAttachment{URL: oversized, MediaType: "text/plain"},
			wantError: errTooLarge,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			part, err := validateAttachment(tt.input)

			if tt.wantError != nil {
				if !errors.Is(err, tt.wantError) {
					t.Fatalf("Error = %v, want %v", err, tt.wantError)
				}
				return
			}
			if err != nil {
				t.Fatalf("Unexpected error: %v", err)
			}
			if part.MediaType != tt.wantType {
				t.Errorf("MediaType = %q, want %q", part.MediaType, tt.wantType)
			}
			if part.URL != tt.input.URL {
				t.Errorf("URL was modified")
			}
		})
	}
}

// TestEstimateSize tests payload size estimation
func TestEstimateSize(t *testing.T) {
	if got := estimateSize("AAAA", true); got != 3 {
		t.Errorf("base64 size = %d, want 3", got)
	}
	if got := estimateSize("hello", false); got != 5 {
		t.Errorf("plain size = %d, want 5", got)
	}
}

// TestFilterAttachmentsKeepsValidOnes tests that invalid attachments don't block valid ones
func TestFilterAttachmentsKeepsValidOnes(t *testing.T) {
	attachments := []FileAttachment{
		{URL: "https://example.com/x.png", MediaType: "image/png"},
		{URL: dataURI("image/png", pngBytes), MediaType: "image/png", Filename: "ok.png"},
		{URL: dataURI("application/zip", []byte("PK")), MediaType: "application/zip"},
		{URL: dataURI("text/csv", []byte("a,b\n1,2")), MediaType: "text/csv", Filename: "t.csv"},
	}

	parts := FilterAttachments(attachments, zap.NewNop())

	if len(parts) != 2 {
		t.Fatalf("Got %d parts, want 2", len(parts))
	}
	if parts[0].Filename != "ok.png" || !parts[0].IsImage() {
		t.Errorf("First part = %+v, want ok.png image", parts[0])
	}
	if parts[1].Filename != "t.csv" || parts[1].IsImage() {
		t.Errorf("Second part = %+v, want t.csv non-image", parts[1])
	}
	if parts[1].SizeBytes == 0 {
		t.Errorf("SizeBytes should be estimated")
	}
}

// TestFilterAttachmentsEmpty tests nil input
func TestFilterAttachmentsEmpty(t *testing.T) {
	parts := FilterAttachments(nil, zap.NewNop())
	if parts == nil || len(parts) != 0 {
		t.Errorf("Got %v, want empty slice", parts)
	}
}
