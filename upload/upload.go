package upload

import (
	"bytes"
	"context"
	"errors"
	"io"
	"log"
	"mime/multipart"
	"net/http"
	"path"
	"path/filepath"
	"strings"

	"github.com/masa23/formd/mailparser"
	"github.com/masa23/formd/model"
	"github.com/masa23/formd/objectstorage"
)

const (
	ReasonUploadFailed = "upload_failed"
	ReasonTooLarge     = "file_too_large"
	ReasonFileType     = "file_type"
	ReasonTooMany      = "too_many_files"
	ReasonRequired     = "required"
)

// MaxItems bounds the number of files accepted for one multiple field.
const MaxItems = 10

// FormSlack is the room left in a request body for text fields and multipart framing.
const FormSlack = 1 << 20

type Limits struct {
	AllowedExtensions []string
	MaxFileMB         int
	// MaxFiles lowers MaxItems for multiple fields
	MaxFiles int
}

type Processor struct {
	storage objectstorage.Storage
	limits  Limits
	prefix  string
}

func New(storage objectstorage.Storage, limits Limits, prefix string) *Processor {
	return &Processor{storage: storage, limits: limits, prefix: prefix}
}

type Result struct {
	Files    model.FileMap
	Errors   map[string]string
	Warnings map[string]string

	storage objectstorage.Storage
	saved   []string
}

// Rollback removes every file stored while processing.
func (r *Result) Rollback(ctx context.Context) {
	for _, key := range r.saved {
		if err := r.storage.Delete(ctx, key); err != nil {
			log.Printf("upload rollback: failed to delete %s: %v", key, err)
		}
	}
	r.saved = nil
}

func (r *Result) fail(f model.Field, reason string) {
	if f.IsRequired() {
		if _, ok := r.Errors[f.ID]; !ok {
			r.Errors[f.ID] = reason
		}
		return
	}
	if _, ok := r.Warnings[f.ID]; !ok {
		r.Warnings[f.ID] = reason
	}
}

// Process stores the uploaded items of every file field. Rejected items of
// required fields become errors, those of optional fields warnings.
func (p *Processor) Process(ctx context.Context, files map[string][]*multipart.FileHeader, fields []model.Field) *Result {
	res := &Result{
		Files:    model.FileMap{},
		Errors:   map[string]string{},
		Warnings: map[string]string{},
		storage:  p.storage,
	}

	for _, f := range fields {
		if f.Type != model.FieldFile {
			continue
		}

		items := headersFor(files, f.ID)
		limit := p.itemLimit(f)
		if len(items) > limit {
			res.fail(f, ReasonTooMany)
			items = items[:limit]
		}

		var stored []model.UploadedFile
		for _, fh := range items {
			uf, reason := p.store(ctx, f, fh)
			if reason != "" {
				log.Printf("upload: field=%s file=%q rejected: %s", f.ID, fh.Filename, reason)
				res.fail(f, reason)
				continue
			}
			res.saved = append(res.saved, uf.StoredPath)
			stored = append(stored, uf)
		}

		switch {
		case len(stored) == 0:
			if f.IsRequired() {
				res.fail(f, ReasonRequired)
			}
		case f.Multiple():
			res.Files[f.ID] = model.Multiple(stored)
		default:
			res.Files[f.ID] = model.Single(stored[0])
		}
	}

	return res
}

// headersFor collects the non-empty parts sent as field_<id> or field_<id>[].
func headersFor(files map[string][]*multipart.FileHeader, id string) []*multipart.FileHeader {
	var items []*multipart.FileHeader
	for _, k := range []string{"field_" + id, "field_" + id + "[]"} {
		for _, fh := range files[k] {
			if fh == nil || (fh.Filename == "" && fh.Size == 0) {
				continue
			}
			items = append(items, fh)
		}
	}
	return items
}

func (p *Processor) itemLimit(f model.Field) int {
	if !f.Multiple() {
		return 1
	}
	if p.limits.MaxFiles > 0 && p.limits.MaxFiles < MaxItems {
		return p.limits.MaxFiles
	}
	return MaxItems
}

// MaxBodyBytes is the largest request body a submission for fields can need:
// every file field filled to its item and size limits, plus FormSlack.
func (p *Processor) MaxBodyBytes(fields []model.Field) int64 {
	n := int64(FormSlack)
	for _, f := range fields {
		if f.Type != model.FieldFile {
			continue
		}
		n += int64(p.itemLimit(f)) * p.maxBytes(f)
	}
	return n
}

func (p *Processor) maxBytes(f model.Field) int64 {
	mb := p.limits.MaxFileMB
	if f.FileMaxMB != nil && *f.FileMaxMB > 0 {
		mb = *f.FileMaxMB
	}
	if mb <= 0 {
		mb = 10
	}
	return int64(mb) << 20
}

func (p *Processor) allowed(ext string) bool {
	for _, e := range p.limits.AllowedExtensions {
		if e == ext {
			return true
		}
	}
	return false
}

func (p *Processor) store(ctx context.Context, f model.Field, fh *multipart.FileHeader) (model.UploadedFile, string) {
	name := OriginalName(fh.Filename)
	ext := strings.TrimPrefix(strings.ToLower(filepath.Ext(name)), ".")

	if fh.Size > p.maxBytes(f) {
		return model.UploadedFile{}, ReasonTooLarge
	}
	if ext == "" || !p.allowed(ext) {
		return model.UploadedFile{}, ReasonFileType
	}

	src, err := fh.Open()
	if err != nil {
		log.Printf("upload: failed to open %q: %v", fh.Filename, err)
		return model.UploadedFile{}, ReasonUploadFailed
	}
	defer src.Close()

	head := make([]byte, 512)
	n, err := io.ReadFull(src, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		log.Printf("upload: failed to read %q: %v", fh.Filename, err)
		return model.UploadedFile{}, ReasonUploadFailed
	}
	head = head[:n]
	mimeType, ok := checkType(ext, http.DetectContentType(head))
	if !ok {
		return model.UploadedFile{}, ReasonFileType
	}

	key := objectstorage.GenerateObjectKey(ext)
	if p.prefix != "" {
		key = path.Join(p.prefix, key)
	}
	stored, err := p.storage.Save(ctx, key, io.MultiReader(bytes.NewReader(head), src), mimeType)
	if err != nil {
		log.Printf("upload: failed to store %q: %v", fh.Filename, err)
		return model.UploadedFile{}, ReasonUploadFailed
	}

	return model.UploadedFile{
		Name:         path.Base(key),
		OriginalName: name,
		StoredPath:   stored,
		URL:          p.storage.URL(stored),
		MimeType:     mimeType,
		SizeBytes:    fh.Size,
	}, ""
}

// OriginalName decodes RFC 2047 encoded names and strips any directory part.
func OriginalName(s string) string {
	if strings.Contains(s, "=?") {
		if dec, err := mailparser.DecodeHeader(s); err == nil {
			s = dec
		}
	}
	s = strings.ReplaceAll(s, "\\", "/")
	s = path.Base(strings.TrimSpace(s))
	if s == "." || s == "/" {
		return ""
	}
	return s
}
