package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

type Database struct {
	Conn *sql.DB
}

// Options tunes the connection pool. Zero values keep the defaults.
type Options struct {
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

func NewDatabase(dsn string, opts Options) (*Database, error) {
	conn, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := conn.PingContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	if opts.MaxOpenConns <= 0 {
		opts.MaxOpenConns = 25
	}
	if opts.MaxIdleConns <= 0 {
		opts.MaxIdleConns = opts.MaxOpenConns
	}
	if opts.ConnMaxLifetime <= 0 {
		opts.ConnMaxLifetime = 5 * time.Minute
	}
	conn.SetMaxOpenConns(opts.MaxOpenConns)
	conn.SetMaxIdleConns(opts.MaxIdleConns)
	conn.SetConnMaxLifetime(opts.ConnMaxLifetime)
	return &Database{Conn: conn}, nil
}

func (d *Database) Close() error {
	return d.Conn.Close()
}

// Schema lists the statements AutoMigrate runs, in order.
var Schema = []string{
	`CREATE TABLE IF NOT EXISTS users (
            id VARCHAR(20) PRIMARY KEY,
            username VARCHAR(50) UNIQUE NOT NULL,
            password VARCHAR(255) NOT NULL,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS chat_groups (
            id VARCHAR(20) PRIMARY KEY,
            name VARCHAR(100) NOT NULL,
            notice TEXT NOT NULL DEFAULT '',
            owner_id VARCHAR(20) REFERENCES users(id) ON DELETE CASCADE,
            add_mode SMALLINT NOT NULL DEFAULT 0,
            status SMALLINT NOT NULL DEFAULT 0,
            created_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE TABLE IF NOT EXISTS group_members (
            group_id VARCHAR(20) REFERENCES chat_groups(id) ON DELETE CASCADE,
            user_id VARCHAR(20) REFERENCES users(id) ON DELETE CASCADE,
            joined_at TIMESTAMP DEFAULT CURRENT_TIMESTAMP,
            PRIMARY KEY (group_id, user_id)
        )`,

	`CREATE TABLE IF NOT EXISTS messages (
            id VARCHAR(20) PRIMARY KEY,
            send_id VARCHAR(20) NOT NULL,
            receive_id VARCHAR(20) NOT NULL,
            target_kind SMALLINT NOT NULL,
            type SMALLINT NOT NULL,
            content TEXT NOT NULL DEFAULT '',
            url TEXT NOT NULL DEFAULT '',
            file_name VARCHAR(255) NOT NULL DEFAULT '',
            file_type VARCHAR(100) NOT NULL DEFAULT '',
            file_size VARCHAR(50) NOT NULL DEFAULT '',
            created_at TIMESTAMP NOT NULL DEFAULT CURRENT_TIMESTAMP
        )`,

	`CREATE INDEX IF NOT EXISTS messages_receive_idx ON messages (receive_id, created_at DESC)`,
	`CREATE INDEX IF NOT EXISTS messages_pair_idx ON messages (send_id, receive_id, created_at DESC)`,
}

func (d *Database) AutoMigrate(ctx context.Context) error {
	for _, query := range Schema {
		_, err := d.Conn.ExecContext(ctx, query)
		if err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}
