//go:build !sqlite3_cgo

package db

import (
	_ "github.com/ncruces/go-sqlite3/driver"
	_ "github.com/ncruces/go-sqlite3/embed"
)

// wasm build of sqlite, no cgo needed
const (
	driverName = "sqlite3"
	driverID   = "ncruces/go-sqlite3"
)
