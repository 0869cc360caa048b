package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"go-groupchat/internal/chat"
)

// Postgres is the durable store over the schema in internal/db.
type Postgres struct {
	db *sql.DB
}

func NewPostgres(db *sql.DB) *Postgres {
	return &Postgres{db: db}
}

func (p *Postgres) PersistMessage(ctx context.Context, msg *chat.Message) error {
	var content, url, name, mime, size string
	switch pl := msg.Payload.(type) {
	case chat.TextPayload:
		content = pl.Content
	case chat.FilePayload:
		content, url, name, mime, size = pl.URL, pl.URL, pl.Name, pl.MIME, pl.Size
	default:
		return fmt.Errorf("unsupported payload %T", msg.Payload)
	}
	query := `INSERT INTO messages
		(id, send_id, receive_id, target_kind, type, content, url, file_name, file_type, file_size, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11)`
	_, err := p.db.ExecContext(ctx, query,
		msg.ID, string(msg.Sender), msg.Target.ID, int16(msg.Target.Kind), int16(msg.Payload.Kind()),
		content, url, name, mime, size, msg.CreatedAt.UTC())
	return err
}

func (p *Postgres) GetHistory(ctx context.Context, viewer chat.Identity, target chat.Target, limit int) ([]*chat.Message, error) {
	var (
		rows *sql.Rows
		err  error
	)
	const cols = `SELECT id, send_id, receive_id, target_kind, type, content, url, file_name, file_type, file_size, created_at FROM messages`
	if target.Kind == chat.TargetGroup {
		rows, err = p.db.QueryContext(ctx,
			cols+` WHERE receive_id = $1 AND target_kind = $2 ORDER BY created_at DESC LIMIT $3`,
			target.ID, int16(chat.TargetGroup), limit)
	} else {
		rows, err = p.db.QueryContext(ctx,
			cols+` WHERE target_kind = $1 AND ((send_id = $2 AND receive_id = $3) OR (send_id = $3 AND receive_id = $2))
			ORDER BY created_at DESC LIMIT $4`,
			int16(chat.TargetDirect), string(viewer), target.ID, limit)
	}
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var messages []*chat.Message
	for rows.Next() {
		var (
			msg                            chat.Message
			sender                         string
			kind, typ                      int16
			content, url, name, mime, size string
		)
		if err := rows.Scan(&msg.ID, &sender, &msg.Target.ID, &kind, &typ,
			&content, &url, &name, &mime, &size, &msg.CreatedAt); err != nil {
			return nil, err
		}
		msg.Sender = chat.Identity(sender)
		msg.Target.Kind = chat.TargetKind(kind)
		if chat.MessageKind(typ) == chat.KindFile {
			msg.Payload = chat.FilePayload{URL: url, Name: name, MIME: mime, Size: size}
		} else {
			msg.Payload = chat.TextPayload{Content: content}
		}
		messages = append(messages, &msg)
	}
	return messages, rows.Err()
}

func (p *Postgres) IdentityExists(ctx context.Context, id chat.Identity) (bool, error) {
	var exists bool
	err := p.db.QueryRowContext(ctx, `SELECT EXISTS (SELECT 1 FROM users WHERE id = $1)`, string(id)).Scan(&exists)
	return exists, err
}

func (p *Postgres) GetGroup(ctx context.Context, groupID string) (*chat.Group, error) {
	g := &chat.Group{}
	var owner string
	var mode, status int16
	err := p.db.QueryRowContext(ctx,
		`SELECT id, name, notice, owner_id, add_mode, status, created_at FROM chat_groups WHERE id = $1`,
		groupID).Scan(&g.ID, &g.Name, &g.Notice, &owner, &mode, &status, &g.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, chat.ErrNotFound
		}
		return nil, err
	}
	g.OwnerID = chat.Identity(owner)
	g.AddMode = chat.AddMode(mode)
	g.Status = chat.GroupStatus(status)

	rows, err := p.db.QueryContext(ctx,
		`SELECT user_id FROM group_members WHERE group_id = $1 ORDER BY user_id`, groupID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var m string
		if err := rows.Scan(&m); err != nil {
			return nil, err
		}
		g.Members = append(g.Members, chat.Identity(m))
	}
	return g, rows.Err()
}

func (p *Postgres) CreateGroup(ctx context.Context, g *chat.Group) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO chat_groups (id, name, notice, owner_id, add_mode, status, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)`,
		g.ID, g.Name, g.Notice, string(g.OwnerID), int16(g.AddMode), int16(g.Status), g.CreatedAt.UTC())
	if err != nil {
		return err
	}
	for _, m := range g.Members {
		if _, err := tx.ExecContext(ctx,
			`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
			g.ID, string(m)); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (p *Postgres) UpdateGroup(ctx context.Context, g *chat.Group) error {
	_, err := p.db.ExecContext(ctx,
		`UPDATE chat_groups SET name = $2, notice = $3, add_mode = $4 WHERE id = $1`,
		g.ID, g.Name, g.Notice, int16(g.AddMode))
	return err
}

func (p *Postgres) AddMember(ctx context.Context, groupID string, id chat.Identity) error {
	_, err := p.db.ExecContext(ctx,
		`INSERT INTO group_members (group_id, user_id) VALUES ($1, $2) ON CONFLICT DO NOTHING`,
		groupID, string(id))
	return err
}

func (p *Postgres) RemoveMember(ctx context.Context, groupID string, id chat.Identity) error {
	_, err := p.db.ExecContext(ctx,
		`DELETE FROM group_members WHERE group_id = $1 AND user_id = $2`, groupID, string(id))
	return err
}

// DismissGroup marks the group dismissed and clears its members in one transaction.
func (p *Postgres) DismissGroup(ctx context.Context, groupID string) error {
	tx, err := p.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx,
		`UPDATE chat_groups SET status = $2 WHERE id = $1`, groupID, int16(chat.GroupDismissed)); err != nil {
		return err
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM group_members WHERE group_id = $1`, groupID); err != nil {
		return err
	}
	return tx.Commit()
}
