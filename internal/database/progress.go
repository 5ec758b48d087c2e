package database

import (
	"context"
	"github.com/ethereum/go-ethereum/common"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"moff.io/coursewallet/pkg/errors"
	"strings"
	"time"
)

type SectionCompletion struct {
	ID          int64     `gorm:"primaryKey"`
	Account     string    `gorm:"type:varchar(42);uniqueIndex:uni_completion"`
	Course      string    `gorm:"type:varchar(200);uniqueIndex:uni_completion"`
	Section     string    `gorm:"type:varchar(200);uniqueIndex:uni_completion"`
	CompletedAt time.Time `gorm:"type:timestamp"`
}

// ProgressStore keeps section completions in postgres.
type ProgressStore struct {
	db *gorm.DB
}

func NewProgressStore(db *gorm.DB) *ProgressStore {
	return &ProgressStore{db: db}
}

func accountColumn(account common.Address) string {
	return strings.ToLower(account.Hex())
}

func (s *ProgressStore) Completed(ctx context.Context, account common.Address, course string) (map[string]bool, error) {
	var rows []*SectionCompletion
	err := s.db.WithContext(ctx).Where("account = ? AND course = ?",
		accountColumn(account), course).Find(&rows).Error
	if err != nil {
		return nil, errors.WrapAndReport(err, "query section completions")
	}
	out := make(map[string]bool, len(rows))
	for _, row := range rows {
		out[row.Section] = true
	}
	return out, nil
}

func (s *ProgressStore) MarkCompleted(ctx context.Context, account common.Address, course, section string) error {
	err := s.db.WithContext(ctx).Clauses(clause.OnConflict{DoNothing: true}).Create(&SectionCompletion{
		Account:     accountColumn(account),
		Course:      course,
		Section:     section,
		CompletedAt: time.Now(),
	}).Error
	return errors.WrapAndReport(err, "save section completion")
}

func (s *ProgressStore) Reset(ctx context.Context, account common.Address) error {
	err := s.db.WithContext(ctx).Where("account = ?", accountColumn(account)).
		Delete(&SectionCompletion{}).Error
	return errors.WrapAndReport(err, "delete section completions")
}
