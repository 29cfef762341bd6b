package storage

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"strings"

	"github.com/google/uuid"
)

// ResumePrefix is where resumes live in the bucket
const ResumePrefix = "resumes/"

// MaxResumeSize is the largest accepted resume upload
const MaxResumeSize = 5 * 1024 * 1024

var (
	ErrResumeType = errors.New("resume must be a .pdf, .doc, or .docx file")
	ErrResumeSize = errors.New("resume file too large (max 5MB)")
)

var resumeContentTypes = map[string]string{
	".pdf":  "application/pdf",
	".doc":  "application/msword",
	".docx": "application/vnd.openxmlformats-officedocument.wordprocessingml.document",
}

// ResumeStore persists uploaded resumes
type ResumeStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) error
	Delete(ctx context.Context, key string) error
}

// ValidateResume checks the extension and size of an upload and returns the
// normalized extension.
func ValidateResume(filename string, size int64) (string, error) {
	ext := strings.ToLower(filepath.Ext(filename))
	if _, ok := resumeContentTypes[ext]; !ok {
		return "", ErrResumeType
	}
	if size > MaxResumeSize {
		return "", ErrResumeSize
	}
	return ext, nil
}

// NewResumeKey returns a random object key for a resume with ext
func NewResumeKey(ext string) string {
	return ResumePrefix + uuid.New().String() + ext
}

// ContentType returns the MIME type stored with a resume of ext
func ContentType(ext string) string {
	if ct, ok := resumeContentTypes[ext]; ok {
		return ct
	}
	return "application/octet-stream"
}
