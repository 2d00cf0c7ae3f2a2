package core

import (
	"errors"
	"strings"

	"github.com/jackc/pgx/v5"
)

// ストア層が返すエラー種別。ハンドラ側で HTTP ステータスへ写像する。
var (
	ErrNotFound  = errors.New("entity not found")
	ErrConflict  = errors.New("unique key conflict")
	ErrIntegrity = errors.New("integrity violation")
)

// wrapStoreErr normalizes pgx-level failures into the store error kinds.
func wrapStoreErr(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, pgx.ErrNoRows) {
		return ErrNotFound
	}
	// naive duplicate/FK detection, same approach as user creation
	msg := err.Error()
	if strings.Contains(msg, "duplicate") || strings.Contains(msg, "unique") {
		return ErrConflict
	}
	if strings.Contains(msg, "foreign key") || strings.Contains(msg, "violates") {
		return ErrIntegrity
	}
	return err
}
