//go:build cgo && sqlite3_cgo

package db

import (
	_ "github.com/mattn/go-sqlite3"
)

const (
	driverID   = "mattn/go-sqlite3"
	driverName = "sqlite3"
	dsnParams  = "_busy_timeout=5000&_journal_mode=WAL&_foreign_keys=on"
)
