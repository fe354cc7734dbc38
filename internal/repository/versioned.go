package repository

import (
	"context"

	"github.com/aman-churiwal/wa-throttle/internal/apperror"
	"gorm.io/gorm"
)

// Writes every column of row if the stored version still equals expected.
// row must carry its primary key and the already incremented version.
func casUpdate(ctx context.Context, db *gorm.DB, row interface{}, expected int64) error {
	res := db.WithContext(ctx).
		Model(row).
		Where("version = ?", expected).
		Select("*").
		Omit("created_at").
		Updates(row)

	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return apperror.ErrConflict
	}

	return nil
}
