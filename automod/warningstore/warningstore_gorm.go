package warningstore

import (
	"context"
	"time"

	"gorm.io/gorm"
)

type GormWarningStore struct {
	db *gorm.DB
	// clock used for active/expired comparisons and force-expire. defaults to time.Now
	Now func() time.Time
}

var _ WarningStore = (*GormWarningStore)(nil)

// Creates the store and ensures the `warnings` table (and its subject index) exist.
func NewGormWarningStore(db *gorm.DB) (*GormWarningStore, error) {
	if err := db.AutoMigrate(&Warning{}); err != nil {
		return nil, storageErr("migrate", err)
	}
	return &GormWarningStore{
		db:  db,
		Now: time.Now,
	}, nil
}

func (s *GormWarningStore) now() time.Time {
	return s.Now().UTC()
}

func (s *GormWarningStore) Put(ctx context.Context, w *Warning) error {
	w.IssuedAt = w.IssuedAt.UTC()
	w.ExpiresAt = w.ExpiresAt.UTC()
	return storageErr("put", s.db.WithContext(ctx).Create(w).Error)
}

func (s *GormWarningStore) GetAll(ctx context.Context, subject string) ([]Warning, error) {
	var out []Warning
	err := s.db.WithContext(ctx).
		Where("subject_id = ?", subject).
		Order("issued_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("get-all", err)
	}
	return out, nil
}

func (s *GormWarningStore) GetActive(ctx context.Context, subject string) ([]Warning, error) {
	var out []Warning
	err := s.db.WithContext(ctx).
		Where("subject_id = ? AND expires_at > ?", subject, s.now()).
		Order("issued_at ASC, id ASC").
		Find(&out).Error
	if err != nil {
		return nil, storageErr("get-active", err)
	}
	return out, nil
}

func (s *GormWarningStore) GetAllGrouped(ctx context.Context) (map[string][]Warning, error) {
	var all []Warning
	err := s.db.WithContext(ctx).
		Order("subject_id ASC, issued_at ASC, id ASC").
		Find(&all).Error
	if err != nil {
		return nil, storageErr("get-all-grouped", err)
	}
	return groupBySubject(all), nil
}

func (s *GormWarningStore) GetAllActiveGrouped(ctx context.Context) (map[string][]Warning, error) {
	var active []Warning
	err := s.db.WithContext(ctx).
		Where("expires_at > ?", s.now()).
		Order("subject_id ASC, issued_at ASC, id ASC").
		Find(&active).Error
	if err != nil {
		return nil, storageErr("get-all-active-grouped", err)
	}
	return groupBySubject(active), nil
}

func (s *GormWarningStore) ListSubjects(ctx context.Context) ([]string, error) {
	var subjects []string
	err := s.db.WithContext(ctx).
		Model(&Warning{}).
		Distinct("subject_id").
		Order("subject_id ASC").
		Pluck("subject_id", &subjects).Error
	if err != nil {
		return nil, storageErr("list-subjects", err)
	}
	return subjects, nil
}

func (s *GormWarningStore) ForceExpire(ctx context.Context, subject string) (int, error) {
	now := s.now()
	// the "expires_at > now" clause is what keeps expiry monotonic: already-expired rows are never touched
	res := s.db.WithContext(ctx).
		Model(&Warning{}).
		Where("subject_id = ? AND expires_at > ?", subject, now).
		Update("expires_at", now)
	if res.Error != nil {
		return 0, storageErr("force-expire", res.Error)
	}
	return int(res.RowsAffected), nil
}
