//go:build cgo && sqlite3_cgo

package db

import _ "github.com/mattn/go-sqlite3"

// cgo driver, selected with -tags sqlite3_cgo
const (
	driverName = "sqlite3"
	driverID   = "mattn/go-sqlite3"
)
