// Package uploads validates uploaded policy documents and archives them.
package uploads

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"mime/multipart"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"

	"policy-backend/internal/shared/storage/object"
	"policy-backend/internal/shared/telemetry"
	"policy-backend/internal/shared/util"
)

const (
	mimePDF = "application/pdf"

	defaultMaxFileBytes = 20 << 20
	defaultMaxFiles     = 10
)

// File is one accepted document.
type File struct {
	Name       string
	MIMEType   string
	Data       []byte
	Pages      int
	StorageKey string
}

// Rejection explains why one file was not accepted.
type Rejection struct {
	File   string `json:"file"`
	Reason string `json:"reason"`
}

// RejectedError lists every file that failed validation.
type RejectedError struct {
	Rejections []Rejection
}

func (e *RejectedError) Error() string {
	parts := make([]string, 0, len(e.Rejections))
	for _, r := range e.Rejections {
		parts = append(parts, r.File+": "+r.Reason)
	}
	return "uploads rejected: " + strings.Join(parts, "; ")
}

// Service accepts PDF documents. Store is optional; without it nothing is archived.
type Service struct {
	Store        object.ObjectStore
	MaxFileBytes int64
	MaxFiles     int
}

// Collect reads and validates multipart files, then archives the accepted
// ones. Any rejected file fails the whole batch.
func (s *Service) Collect(ctx context.Context, userIdentity string, policyIndex int, headers []*multipart.FileHeader) ([]File, error) {
	if len(headers) == 0 {
		return nil, &RejectedError{Rejections: []Rejection{{File: "", Reason: "at least one PDF file is required"}}}
	}
	if len(headers) > s.maxFiles() {
		return nil, &RejectedError{Rejections: []Rejection{{File: "", Reason: fmt.Sprintf("at most %d files can be analyzed together", s.maxFiles())}}}
	}

	files := make([]File, 0, len(headers))
	var rejected []Rejection
	for _, fh := range headers {
		data, err := s.read(fh)
		if err != nil {
			rejected = append(rejected, Rejection{File: fh.Filename, Reason: err.Error()})
			continue
		}
		f, err := s.Inspect(fh.Filename, data)
		if err != nil {
			rejected = append(rejected, Rejection{File: fh.Filename, Reason: err.Error()})
			continue
		}
		files = append(files, f)
	}
	if len(rejected) > 0 {
		return nil, &RejectedError{Rejections: rejected}
	}
	return s.Archive(ctx, userIdentity, policyIndex, files), nil
}

// Inspect validates one in-memory document.
func (s *Service) Inspect(name string, data []byte) (File, error) {
	clean, err := util.SanitizeFileName(name)
	if err != nil {
		return File{}, fmt.Errorf("invalid file name")
	}
	if len(data) == 0 {
		return File{}, fmt.Errorf("file is empty")
	}
	if int64(len(data)) > s.maxFileBytes() {
		return File{}, fmt.Errorf("file exceeds %d MB", s.maxFileBytes()>>20)
	}
	if mt := mimetype.Detect(data); !mt.Is(mimePDF) {
		return File{}, fmt.Errorf("only PDF files are accepted (detected %s)", mt.String())
	}
	pages, err := PageCount(data)
	if err != nil {
		return File{}, fmt.Errorf("not a readable PDF: %v", err)
	}
	return File{Name: clean, MIMEType: mimePDF, Data: data, Pages: pages}, nil
}

// Archive stores accepted files. Failures are logged and leave StorageKey empty.
func (s *Service) Archive(ctx context.Context, userIdentity string, policyIndex int, files []File) []File {
	if s.Store == nil {
		return files
	}
	for i := range files {
		key, err := object.PolicyKey(userIdentity, policyIndex, files[i].Name)
		if err == nil {
			_, err = s.Store.Put(ctx, key, files[i].MIMEType, bytes.NewReader(files[i].Data))
		}
		if err != nil {
			telemetry.Warn("uploads.archive.failed", map[string]any{
				"file":         files[i].Name,
				"policy_index": policyIndex,
				"error":        err.Error(),
			})
			continue
		}
		files[i].StorageKey = key
	}
	return files
}

// PageCount opens data as a PDF and returns its page count.
func PageCount(data []byte) (pages int, err error) {
	defer func() {
		// the pdf reader panics on some malformed inputs
		if r := recover(); r != nil {
			pages, err = 0, fmt.Errorf("malformed pdf: %v", r)
		}
	}()
	reader, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return 0, err
	}
	n := reader.NumPage()
	if n < 1 {
		return 0, fmt.Errorf("document has no pages")
	}
	return n, nil
}

func (s *Service) read(fh *multipart.FileHeader) ([]byte, error) {
	if fh.Size > s.maxFileBytes() {
		return nil, fmt.Errorf("file exceeds %d MB", s.maxFileBytes()>>20)
	}
	f, err := fh.Open()
	if err != nil {
		return nil, fmt.Errorf("cannot open upload")
	}
	defer f.Close()
	data, err := io.ReadAll(io.LimitReader(f, s.maxFileBytes()+1))
	if err != nil {
		return nil, fmt.Errorf("cannot read upload")
	}
	return data, nil
}

func (s *Service) maxFileBytes() int64 {
	if s == nil || s.MaxFileBytes <= 0 {
		return defaultMaxFileBytes
	}
	return s.MaxFileBytes
}

func (s *Service) maxFiles() int {
	if s == nil || s.MaxFiles <= 0 {
		return defaultMaxFiles
	}
	return s.MaxFiles
}
