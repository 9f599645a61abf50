package warningstore

import (
	"context"
	"fmt"
	"time"
)

type Warning struct {
	ID         uint64    `gorm:"primaryKey" json:"id"`
	SubjectID  string    `gorm:"not null;index" json:"subject_id"`
	IssuedAt   time.Time `gorm:"not null" json:"issued_at"`
	ExpiresAt  time.Time `gorm:"not null" json:"expires_at"`
	Reason     string    `json:"reason"`
	IssuerName string    `json:"issuer_name,omitempty"`
}

// Whether the warning is still counted against its subject at time `now`.
func (w *Warning) ActiveAt(now time.Time) bool {
	return w.ExpiresAt.After(now)
}

type WarningStore interface {
	Put(ctx context.Context, w *Warning) error
	GetAll(ctx context.Context, subject string) ([]Warning, error)
	GetActive(ctx context.Context, subject string) ([]Warning, error)
	GetAllGrouped(ctx context.Context) (map[string][]Warning, error)
	GetAllActiveGrouped(ctx context.Context) (map[string][]Warning, error)
	ListSubjects(ctx context.Context) ([]string, error)
	// lowers `expires_at` to now for every currently active warning of the subject. returns number of warnings expired
	ForceExpire(ctx context.Context, subject string) (int, error)
}

// Wraps any I/O fault from a store backend. Stores do not retry.
type StorageError struct {
	Op  string
	Err error
}

func (e *StorageError) Error() string {
	return fmt.Sprintf("warning store %s: %v", e.Op, e.Err)
}

func (e *StorageError) Unwrap() error {
	return e.Err
}

func storageErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &StorageError{Op: op, Err: err}
}

func groupBySubject(warnings []Warning) map[string][]Warning {
	out := make(map[string][]Warning)
	for _, w := range warnings {
		out[w.SubjectID] = append(out[w.SubjectID], w)
	}
	return out
}
