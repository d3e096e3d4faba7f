package store

import "time"

// OperationRecord is one accepted log entry. Payload holds the operation as
// JSON; the other columns exist for lookups and retention.
type OperationRecord struct {
	ID          uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID  string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_version,priority:1"`
	Version     int64  `gorm:"not null;uniqueIndex:uk_doc_version,priority:2"`
	OperationID string `gorm:"type:varchar(64);not null"`
	Kind        string `gorm:"type:varchar(16);not null"`
	AuthorID    string `gorm:"type:varchar(64);not null"`
	ElementID   string `gorm:"type:varchar(128);not null"`
	Timestamp   int64  `gorm:"not null"`
	AcceptedAt  int64  `gorm:"not null;index"`
	Payload     []byte `gorm:"type:json;not null"`
	CreatedAt   time.Time
}

func (OperationRecord) TableName() string { return "operation_records" }

// DocumentPermission grants one user a level on one document.
type DocumentPermission struct {
	ID         uint64 `gorm:"primaryKey;autoIncrement"`
	DocumentID string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_user,priority:1"`
	UserID     string `gorm:"type:varchar(64);not null;uniqueIndex:uk_doc_user,priority:2"`
	Level      string `gorm:"type:varchar(16);not null"`
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

func (DocumentPermission) TableName() string { return "document_permissions" }
