package database

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/lib/pq"
)

type PgChatRepository struct {
	conn *sql.DB
}

func NewPgChatRepository(ctx context.Context, dsn string) (*PgChatRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, err
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(5 * time.Minute)

	return &PgChatRepository{conn: db}, nil
}

func (db *PgChatRepository) Ping(ctx context.Context) error {
	return db.conn.PingContext(ctx)
}

func (db *PgChatRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}
