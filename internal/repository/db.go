package repository

import (
	"database/sql"
	"os"
	"path/filepath"

	_ "modernc.org/sqlite"
)

// Open 打开 sqlite 数据库并建表。path 为 ":memory:" 时只保留单连接，
// 否则每个连接各自是一个空库。
func Open(path string) (*sql.DB, error) {
	dsn := ":memory:"
	if path != ":memory:" {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, err
		}
		dsn = "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_time_format=sqlite"
	}
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, err
	}
	if path == ":memory:" {
		db.SetMaxOpenConns(1)
	}
	for _, ensure := range []func() error{NewHistoryRepo(db).EnsureSchema, NewFactsRepo(db).EnsureSchema} {
		if err := ensure(); err != nil {
			db.Close()
			return nil, err
		}
	}
	return db, nil
}
