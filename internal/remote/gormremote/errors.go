package gormremote

import (
	"errors"
	"fmt"

	mysqldriver "github.com/go-sql-driver/mysql"
	"github.com/mattn/go-sqlite3"
	"gorm.io/gorm"

	"github.com/roach88/possync/internal/model"
)

// MySQL error numbers for lock contention.
const (
	mysqlDeadlock    = 1213
	mysqlLockTimeout = 1205
)

// retryable reports lock contention that a fresh transaction may not hit.
func retryable(err error) bool {
	var me *mysqldriver.MySQLError
	if errors.As(err, &me) {
		return me.Number == mysqlDeadlock || me.Number == mysqlLockTimeout
	}
	var se sqlite3.Error
	if errors.As(err, &se) {
		return se.Code == sqlite3.ErrBusy || se.Code == sqlite3.ErrLocked
	}
	return false
}

// wrapDB classifies a database failure. Missing rows become
// model.ErrNotFound; everything else means the store is unreachable from
// the caller's point of view.
func wrapDB(op string, err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return fmt.Errorf("%s: %w", op, model.ErrNotFound)
	}
	var se *model.SyncError
	if errors.As(err, &se) || errors.Is(err, model.ErrNotFound) {
		return err
	}
	return model.NewConnectivityError(op, err)
}
