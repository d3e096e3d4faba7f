package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-sql-driver/mysql"
	"gorm.io/gorm"

	"collabSync/backend/internal/ot"
)

const errDuplicateEntry = 1062

type OperationStore struct {
	db *gorm.DB
}

func NewOperationStore(db *gorm.DB) *OperationStore {
	return &OperationStore{db: db}
}

// AppendOperation stores one entry. Writing the same (document, version)
// twice is not an error so retried deliveries are harmless.
func (s *OperationStore) AppendOperation(ctx context.Context, docID string, e ot.Entry) error {
	payload, err := json.Marshal(e.Operation)
	if err != nil {
		return fmt.Errorf("encode operation %s: %w", e.ID, err)
	}
	rec := OperationRecord{
		DocumentID:  docID,
		Version:     e.Version,
		OperationID: e.ID,
		Kind:        string(e.Kind),
		AuthorID:    e.AuthorID,
		ElementID:   e.ElementID,
		Timestamp:   e.Timestamp,
		AcceptedAt:  e.AcceptedAt,
		Payload:     payload,
	}
	err = s.db.WithContext(ctx).Create(&rec).Error
	if err != nil {
		var mysqlErr *mysql.MySQLError
		if errors.As(err, &mysqlErr) && mysqlErr.Number == errDuplicateEntry {
			return nil
		}
		return err
	}
	return nil
}

// LoadOperations returns the stored history of docID ordered by version.
func (s *OperationStore) LoadOperations(ctx context.Context, docID string) ([]ot.Entry, error) {
	var recs []OperationRecord
	err := s.db.WithContext(ctx).
		Where("document_id = ?", docID).
		Order("version ASC").
		Find(&recs).Error
	if err != nil {
		return nil, err
	}
	out := make([]ot.Entry, 0, len(recs))
	for i := range recs {
		e, err := recs[i].entry()
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, nil
}

func (r *OperationRecord) entry() (ot.Entry, error) {
	var op ot.Operation
	if err := json.Unmarshal(r.Payload, &op); err != nil {
		return ot.Entry{}, fmt.Errorf("decode %s v%d: %w", r.DocumentID, r.Version, err)
	}
	// indexed columns win over whatever the payload says
	op.ID = r.OperationID
	op.AuthorID = r.AuthorID
	return ot.Entry{Operation: op, Version: r.Version, AcceptedAt: r.AcceptedAt}, nil
}

// PruneBefore deletes entries accepted before cutoff and returns how many
// rows went away.
func (s *OperationStore) PruneBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	res := s.db.WithContext(ctx).
		Where("accepted_at < ?", cutoff.UnixMilli()).
		Delete(&OperationRecord{})
	return res.RowsAffected, res.Error
}
