package db

import (
	"errors"
	"strings"

	"gorm.io/gorm"
)

// duplicate-key message fragments per dialect; gorm's TranslateError does
// not cover every driver path, so string matching stays as the fallback.
var duplicateKeyFragments = []string{
	"duplicate key value violates unique constraint", // postgres 23505
	"Error 1062",               // mysql
	"UNIQUE constraint failed", // sqlite
}

// IsDuplicateKeyErr reports whether err is a unique-constraint violation on
// any supported dialect. Sequence allocation and idempotent inserts branch
// on this to retry instead of failing.
func IsDuplicateKeyErr(err error) bool {
	if err == nil {
		return false
	}
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return true
	}
	msg := err.Error()
	for _, fragment := range duplicateKeyFragments {
		if strings.Contains(msg, fragment) {
			return true
		}
	}
	return false
}
