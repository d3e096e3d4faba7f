package store

import (
	"context"
	"errors"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"collabSync/backend/internal/collab"
)

type PermissionStore struct {
	db *gorm.DB
}

func NewPermissionStore(db *gorm.DB) *PermissionStore {
	return &PermissionStore{db: db}
}

// Level returns the recorded level of userID on docID. found is false when
// there is no record.
func (s *PermissionStore) Level(ctx context.Context, userID, docID string) (collab.Permission, bool, error) {
	var rec DocumentPermission
	err := s.db.WithContext(ctx).
		Where("document_id = ? AND user_id = ?", docID, userID).
		First(&rec).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return collab.PermissionNone, false, nil
		}
		return collab.PermissionNone, false, err
	}
	p, _ := collab.ParsePermission(rec.Level)
	return p, true, nil
}

// Grant sets the level of userID on docID, replacing any earlier grant.
func (s *PermissionStore) Grant(ctx context.Context, docID, userID string, level collab.Permission) error {
	rec := DocumentPermission{DocumentID: docID, UserID: userID, Level: level.String()}
	return s.db.WithContext(ctx).Clauses(clause.OnConflict{
		DoUpdates: clause.AssignmentColumns([]string{"level", "updated_at"}),
	}).Create(&rec).Error
}
