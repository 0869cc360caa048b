package user

import (
	"context"
	"database/sql"
	"errors"

	"github.com/jackc/pgx/v5/pgconn"
)

var (
	ErrUserNotFound  = errors.New("user not found")
	ErrUsernameTaken = errors.New("username already taken")
)

// Store is what the Service needs from persistence. Repository is the
// Postgres implementation; store.Memory is the in-process one.
type Store interface {
	CreateUser(ctx context.Context, user *User) (*User, error)
	GetUserByUsername(ctx context.Context, username string) (*User, error)
	SearchUsers(ctx context.Context, query string) ([]User, error)
}

type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

func (r *Repository) CreateUser(ctx context.Context, user *User) (*User, error) {
	query := "INSERT INTO users (id, username, password) VALUES ($1, $2, $3)"

	_, err := r.db.ExecContext(ctx, query, user.ID, user.Username, user.Password)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrUsernameTaken
		}
		return nil, err
	}
	return user, nil
}

func (r *Repository) GetUserByUsername(ctx context.Context, username string) (*User, error) {
	u := &User{}
	query := "SELECT id, username, password FROM users WHERE username = $1"

	err := r.db.QueryRowContext(ctx, query, username).Scan(&u.ID, &u.Username, &u.Password)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, ErrUserNotFound
		}
		return nil, err
	}

	return u, nil
}

func (r *Repository) SearchUsers(ctx context.Context, query string) ([]User, error) {
	// We limit to 10 to keep it fast
	q := `SELECT id, username FROM users WHERE username ILIKE $1 ORDER BY username LIMIT 10`
	rows, err := r.db.QueryContext(ctx, q, "%"+query+"%")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	users := []User{}
	for rows.Next() {
		var u User
		if err := rows.Scan(&u.ID, &u.Username); err != nil {
			return nil, err
		}
		users = append(users, u)
	}
	return users, rows.Err()
}
