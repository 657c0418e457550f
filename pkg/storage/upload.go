package storage

import (
	"fmt"
	"mime"
	"strings"

	"github.com/gabriel-vasile/mimetype"
)

// DefaultMaxUploadBytes bounds greeting and photo uploads (10MB).
const DefaultMaxUploadBytes = 10 * 1024 * 1024

// SniffBytes is how much of an upload is read to detect its real type.
const SniffBytes = 3072

var imageExtensions = map[string]string{
	"image/jpeg": ".jpg",
	"image/png":  ".png",
	"image/webp": ".webp",
	"image/gif":  ".gif",
	"image/heic": ".heic",
}

var audioExtensions = map[string]string{
	"audio/mpeg":   ".mp3",
	"audio/mp3":    ".mp3",
	"audio/wav":    ".wav",
	"audio/x-wav":  ".wav",
	"audio/wave":   ".wav",
	"audio/mp4":    ".m4a",
	"audio/x-m4a":  ".m4a",
	"audio/aac":    ".aac",
	"audio/ogg":    ".ogg",
	"audio/webm":   ".webm",
	"audio/flac":   ".flac",
	"audio/x-flac": ".flac",
}

// UploadError describes why an upload was refused.
type UploadError struct {
	Reason string
}

func (e *UploadError) Error() string { return e.Reason }

// CheckedUpload is an upload that passed validation.
type CheckedUpload struct {
	ContentType string
	Ext         string
}

// ValidateAudio checks the declared content type, the sniffed head of the file and its size.
// Nothing is written anywhere before this passes.
func ValidateAudio(declared string, head []byte, size, maxBytes int64) (*CheckedUpload, error) {
	return validate("audio", audioExtensions, declared, head, size, maxBytes)
}

// ValidateImage is ValidateAudio for guest photos.
func ValidateImage(declared string, head []byte, size, maxBytes int64) (*CheckedUpload, error) {
	return validate("image", imageExtensions, declared, head, size, maxBytes)
}

func validate(family string, allowed map[string]string, declared string, head []byte, size, maxBytes int64) (*CheckedUpload, error) {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxUploadBytes
	}
	if size <= 0 {
		return nil, &UploadError{Reason: "file is empty"}
	}
	if size > maxBytes {
		return nil, &UploadError{Reason: fmt.Sprintf("file size exceeds %dMB limit", maxBytes/(1024*1024))}
	}
	declaredType, err := normalizeMime(declared)
	if err != nil {
		return nil, &UploadError{Reason: "content type invalid"}
	}
	if !strings.HasPrefix(declaredType, family+"/") {
		return nil, &UploadError{Reason: fmt.Sprintf("content type must be an %s type", family)}
	}
	contentType := declaredType
	if len(head) > 0 {
		detected := mimetype.Detect(head)
		sniffed, _ := normalizeMime(detected.String())
		// Unrecognized containers sniff as application/octet-stream; only a positive mismatch is refused.
		if sniffed != "application/octet-stream" && !strings.HasPrefix(sniffed, family+"/") {
			return nil, &UploadError{Reason: fmt.Sprintf("file content is %s, not %s", sniffed, family)}
		}
		if _, ok := allowed[sniffed]; ok {
			contentType = sniffed
		}
	}
	ext, ok := allowed[contentType]
	if !ok {
		ext = ".bin"
	}
	return &CheckedUpload{ContentType: contentType, Ext: ext}, nil
}

func normalizeMime(value string) (string, error) {
	clean := strings.TrimSpace(value)
	if clean == "" {
		return "", fmt.Errorf("mime type required")
	}
	mediaType, _, err := mime.ParseMediaType(clean)
	if err != nil {
		return "", fmt.Errorf("mime type invalid: %w", err)
	}
	return strings.ToLower(mediaType), nil
}
