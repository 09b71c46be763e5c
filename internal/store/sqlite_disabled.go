//go:build !sqlite
// +build !sqlite

package store

import (
	"errors"

	logx "fetchbot/pkg/logx"
)

// Built without the sqlite tag: direct users to the file driver.
func openSQLite(cfg Config, log logx.Logger) (Store, error) {
	_ = cfg
	_ = log
	return nil, errors.New("sqlite driver not compiled in (build with -tags sqlite)")
}
