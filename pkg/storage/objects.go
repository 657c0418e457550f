package storage

import (
	"path"
	"strings"

	"github.com/google/uuid"
)

// AccessClass partitions private objects into containers with their own grant parameters.
type AccessClass string

const (
	ClassMedia AccessClass = "media"
	ClassImage AccessClass = "image"
)

// Valid reports whether c is a known class.
func (c AccessClass) Valid() bool {
	return c == ClassMedia || c == ClassImage
}

// Object key prefixes. The first path segment decides the container.
const (
	FolderRecordings = "recordings"
	FolderEnhanced   = "enhanced"
	FolderGreetings  = "greetings"
	FolderExports    = "exports"
	FolderPhotos     = "photos"
)

var classByFolder = map[string]AccessClass{
	FolderRecordings: ClassMedia,
	FolderEnhanced:   ClassMedia,
	FolderGreetings:  ClassMedia,
	FolderExports:    ClassMedia,
	FolderPhotos:     ClassImage,
}

// ClassOf returns the access class an object path belongs to.
func ClassOf(objectPath string) (AccessClass, bool) {
	p := strings.TrimPrefix(objectPath, "/")
	folder, _, found := strings.Cut(p, "/")
	if !found || folder == "" {
		return "", false
	}
	class, ok := classByFolder[folder]
	return class, ok
}

// IsExternalURL reports whether p is already a fully-qualified URL (legacy rows stored these).
func IsExternalURL(p string) bool {
	lower := strings.ToLower(strings.TrimSpace(p))
	return strings.HasPrefix(lower, "https://") || strings.HasPrefix(lower, "http://")
}

// GreetingKey returns greetings/{event_id}/{uuid}{ext}.
func GreetingKey(eventID uuid.UUID, ext string) string {
	return path.Join(FolderGreetings, eventID.String(), uuid.NewString()+ext)
}

// PhotoKey returns photos/{event_id}/{message_id}/{uuid}{ext}.
func PhotoKey(eventID, messageID uuid.UUID, ext string) string {
	return path.Join(FolderPhotos, eventID.String(), messageID.String(), uuid.NewString()+ext)
}

// PhotoPrefix returns photos/{event_id}/{message_id}/, the folder PhotoKey writes under.
func PhotoPrefix(eventID, messageID uuid.UUID) string {
	return path.Join(FolderPhotos, eventID.String(), messageID.String()) + "/"
}

// WithinPrefix reports whether objectPath is a clean key strictly below prefix.
func WithinPrefix(objectPath, prefix string) bool {
	if objectPath == "" || path.Clean(objectPath) != objectPath {
		return false
	}
	return strings.HasPrefix(objectPath, prefix) && len(objectPath) > len(prefix)
}

// ExportKey returns exports/{event_id}/{job_id}.zip.
func ExportKey(eventID uuid.UUID, jobID string) string {
	return path.Join(FolderExports, eventID.String(), jobID+".zip")
}
