package entrystore

import (
	"context"
	"errors"
	"fmt"
	"log"
	"path"
	"strings"
	"time"

	"github.com/masa23/formd/model"
	"github.com/masa23/formd/objectstorage"
	"gorm.io/gorm"
)

var (
	ErrNotFound      = errors.New("not found")
	ErrInvalidStatus = errors.New("invalid entry status")
)

// legacyFilePrefix marks data values that referenced an upload before files had their own column.
const legacyFilePrefix = "FILE:"

type Store struct {
	db      *gorm.DB
	storage objectstorage.Storage
}

func New(db *gorm.DB, storage objectstorage.Storage) *Store {
	return &Store{db: db, storage: storage}
}

// Create inserts a new entry with status new and returns its id.
func (s *Store) Create(ctx context.Context, formID uint64, data model.SubmissionData, files model.FileMap, meta model.EntryMeta) (uint64, error) {
	if data == nil {
		data = model.SubmissionData{}
	}
	if files == nil {
		files = model.FileMap{}
	}
	entry := model.Entry{
		FormID:      formID,
		Status:      model.StatusNew,
		Data:        data,
		Files:       files,
		MailLog:     model.MailLog{},
		SubmittedAt: time.Now().UTC().Truncate(time.Second),
		RemoteIP:    meta.RemoteIP,
		UserAgent:   meta.UserAgent,
		PageURL:     meta.PageURL,
	}
	if err := s.db.WithContext(ctx).Create(&entry).Error; err != nil {
		return 0, fmt.Errorf("failed to create entry for form %d: %w", formID, err)
	}
	log.Printf("entry created id=%d form=%d", entry.ID, formID)
	return entry.ID, nil
}

func (s *Store) Get(ctx context.Context, id uint64) (*model.Entry, error) {
	var entry model.Entry
	if err := s.db.WithContext(ctx).First(&entry, id).Error; err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, fmt.Errorf("entry %d: %w", id, ErrNotFound)
		}
		return nil, err
	}
	s.translateLegacy(&entry)
	return &entry, nil
}

type Filter struct {
	FormID  uint64
	Status  model.Status
	From    time.Time
	To      time.Time
	Page    int
	PerPage int
}

// Normalized applies the paging defaults: page 1, 20 entries per page, at most 200.
func (f Filter) Normalized() Filter {
	if f.PerPage <= 0 || f.PerPage > 200 {
		f.PerPage = 20
	}
	if f.Page < 1 {
		f.Page = 1
	}
	return f
}

// List returns one page of entries, newest first, and the total matching count.
func (s *Store) List(ctx context.Context, f Filter) ([]model.Entry, int64, error) {
	q := s.db.WithContext(ctx).Model(&model.Entry{})
	if f.FormID != 0 {
		q = q.Where("form_id = ?", f.FormID)
	}
	if f.Status != "" {
		q = q.Where("status = ?", f.Status)
	}
	if !f.From.IsZero() {
		q = q.Where("submitted_at >= ?", f.From.UTC())
	}
	if !f.To.IsZero() {
		q = q.Where("submitted_at < ?", f.To.UTC())
	}

	var total int64
	if err := q.Count(&total).Error; err != nil {
		return nil, 0, err
	}

	f = f.Normalized()
	var entries []model.Entry
	err := q.Order("submitted_at DESC").Order("id DESC").
		Limit(f.PerPage).Offset((f.Page - 1) * f.PerPage).
		Find(&entries).Error
	if err != nil {
		return nil, 0, err
	}
	for i := range entries {
		s.translateLegacy(&entries[i])
	}
	return entries, total, nil
}

func (s *Store) UpdateStatus(ctx context.Context, id uint64, status model.Status) error {
	if !status.Valid() {
		return fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry model.Entry
		if err := tx.Select("id").First(&entry, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("entry %d: %w", id, ErrNotFound)
			}
			return err
		}
		return tx.Model(&entry).Update("status", status).Error
	})
}

// AppendMailLog merges ml into the stored mail log of the entry.
func (s *Store) AppendMailLog(ctx context.Context, id uint64, ml model.MailLog) error {
	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var entry model.Entry
		if err := tx.Select("id", "mail_log").First(&entry, id).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return fmt.Errorf("entry %d: %w", id, ErrNotFound)
			}
			return err
		}
		merged := entry.MailLog.Merge(ml)
		return tx.Model(&entry).Select("mail_log").Updates(&model.Entry{MailLog: merged}).Error
	})
}

// Delete removes the files owned by the entry and then the row. File
// deletion failures are logged and never keep the row.
func (s *Store) Delete(ctx context.Context, id uint64) error {
	entry, err := s.Get(ctx, id)
	if err != nil {
		return err
	}
	s.deleteFiles(ctx, entry)

	if err := s.db.WithContext(ctx).Delete(&model.Entry{}, id).Error; err != nil {
		return fmt.Errorf("failed to delete entry %d: %w", id, err)
	}
	log.Printf("entry deleted id=%d form=%d", id, entry.FormID)
	return nil
}

func (s *Store) deleteFiles(ctx context.Context, entry *model.Entry) {
	if s.storage == nil {
		return
	}
	for _, f := range entry.Files.All() {
		if f.StoredPath == "" {
			continue
		}
		if err := s.storage.Delete(ctx, f.StoredPath); err != nil {
			log.Printf("entry %d: failed to delete file %s: %v", entry.ID, f.StoredPath, err)
		}
	}
}

// DeleteOlderThan deletes entries submitted more than days ago.
func (s *Store) DeleteOlderThan(ctx context.Context, days int) (int, error) {
	if days <= 0 {
		return 0, nil
	}
	cutoff := time.Now().UTC().AddDate(0, 0, -days)
	return s.deleteWhere(ctx, "submitted_at < ?", cutoff)
}

func (s *Store) DeleteByStatus(ctx context.Context, status model.Status) (int, error) {
	if !status.Valid() {
		return 0, fmt.Errorf("%q: %w", status, ErrInvalidStatus)
	}
	return s.deleteWhere(ctx, "status = ?", status)
}

func (s *Store) deleteWhere(ctx context.Context, query string, args ...any) (int, error) {
	var ids []uint64
	if err := s.db.WithContext(ctx).Model(&model.Entry{}).Where(query, args...).Pluck("id", &ids).Error; err != nil {
		return 0, err
	}
	n := 0
	for _, id := range ids {
		if err := s.Delete(ctx, id); err != nil {
			log.Printf("failed to delete entry %d: %v", id, err)
			continue
		}
		n++
	}
	return n, nil
}

// translateLegacy moves FILE:<path> data values of rows written before the
// files column existed into Files.
func (s *Store) translateLegacy(entry *model.Entry) {
	if entry.Files != nil {
		return
	}
	entry.Files = model.FileMap{}
	for id, v := range entry.Data {
		if v.IsList() || !strings.HasPrefix(v.String(), legacyFilePrefix) {
			continue
		}
		rel := strings.TrimLeft(strings.TrimPrefix(v.String(), legacyFilePrefix), "/")
		if rel == "" {
			continue
		}
		uf := model.UploadedFile{
			Name:         path.Base(rel),
			OriginalName: path.Base(rel),
			StoredPath:   rel,
		}
		if s.storage != nil {
			uf.URL = s.storage.URL(rel)
		}
		entry.Files[id] = model.Single(uf)
		delete(entry.Data, id)
	}
}
