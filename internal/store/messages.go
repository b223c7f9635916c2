package store

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/jmoiron/sqlx"

	"github.com/hivemux/hivemux/internal/models"
)

const messageColumns = `message_id, sender_id, recipient_id, content, message_type, priority, delivered, read, created_at`

// InsertMessage stores a message in the recipient's inbox.
func (s *Store) InsertMessage(ctx context.Context, msg *models.AgentMessage) error {
	if msg.ID == "" {
		msg.ID = uuid.New().String()
	}
	msg.CreatedAt = time.Now().UTC()
	msg.SenderID = models.CanonicalActor(msg.SenderID)
	msg.RecipientID = models.CanonicalActor(msg.RecipientID)
	if msg.Type == "" {
		msg.Type = models.MessageTypeDirect
	}
	if msg.Priority == "" {
		msg.Priority = models.MessagePriorityNormal
	}

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO agent_messages (message_id, sender_id, recipient_id, content, message_type, priority, delivered, read, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, msg.ID, msg.SenderID, msg.RecipientID, msg.Content, string(msg.Type), string(msg.Priority),
		msg.Delivered, msg.Read, msg.CreatedAt)
	if err != nil {
		return storageErr("insert message", err)
	}
	return nil
}

// GetMessages returns a recipient's inbox, oldest first. Fetched messages
// are marked delivered; markRead additionally marks them read so they drop
// out of subsequent unread-only fetches.
func (s *Store) GetMessages(ctx context.Context, recipientID string, unreadOnly, markRead bool) ([]*models.AgentMessage, error) {
	recipientID = models.CanonicalActor(recipientID)

	var messages []*models.AgentMessage
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		query := `SELECT ` + messageColumns + ` FROM agent_messages WHERE recipient_id = ?`
		args := []interface{}{recipientID}
		if unreadOnly {
			query += ` AND read = 0`
		}
		query += ` ORDER BY created_at ASC, message_id ASC`

		rows, err := tx.QueryContext(ctx, query, args...)
		if err != nil {
			return storageErr("get messages", err)
		}
		defer func() { _ = rows.Close() }()

		var ids []string
		for rows.Next() {
			msg := &models.AgentMessage{}
			var msgType, priority string
			if err := rows.Scan(&msg.ID, &msg.SenderID, &msg.RecipientID, &msg.Content,
				&msgType, &priority, &msg.Delivered, &msg.Read, &msg.CreatedAt); err != nil {
				return storageErr("scan message", err)
			}
			msg.Type = models.MessageType(msgType)
			msg.Priority = models.MessagePriority(priority)
			messages = append(messages, msg)
			ids = append(ids, msg.ID)
		}
		if err := rows.Err(); err != nil {
			return storageErr("get messages", err)
		}
		if len(ids) == 0 {
			return nil
		}

		update := `UPDATE agent_messages SET delivered = 1`
		if markRead {
			update += `, read = 1`
		}
		update += ` WHERE message_id IN (?)`
		query, inArgs, err := sqlx.In(update, ids)
		if err != nil {
			return storageErr("mark messages delivered", err)
		}
		if _, err := tx.ExecContext(ctx, tx.Rebind(query), inArgs...); err != nil {
			return storageErr("mark messages delivered", err)
		}

		for _, msg := range messages {
			msg.Delivered = true
			if markRead {
				msg.Read = true
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return messages, nil
}

// BroadcastMessage fans one admin message out to every non-terminated agent
// in a single transaction. Returns the per-recipient copies.
func (s *Store) BroadcastMessage(ctx context.Context, senderID, content string, priority models.MessagePriority) ([]*models.AgentMessage, error) {
	if priority == "" {
		priority = models.MessagePriorityNormal
	}
	now := time.Now().UTC()
	senderID = models.CanonicalActor(senderID)

	var copies []*models.AgentMessage
	err := s.inTx(ctx, func(tx *sqlx.Tx) error {
		rows, err := tx.QueryContext(ctx, `SELECT agent_id FROM agents WHERE status != 'terminated'`)
		if err != nil {
			return storageErr("list broadcast recipients", err)
		}
		var recipients []string
		for rows.Next() {
			var id string
			if err := rows.Scan(&id); err != nil {
				_ = rows.Close()
				return storageErr("scan broadcast recipient", err)
			}
			recipients = append(recipients, id)
		}
		if err := rows.Err(); err != nil {
			_ = rows.Close()
			return storageErr("list broadcast recipients", err)
		}
		_ = rows.Close()

		for _, recipient := range recipients {
			if recipient == senderID {
				continue
			}
			msg := &models.AgentMessage{
				ID:          uuid.New().String(),
				SenderID:    senderID,
				RecipientID: recipient,
				Content:     content,
				Type:        models.MessageTypeBroadcast,
				Priority:    priority,
				CreatedAt:   now,
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO agent_messages (message_id, sender_id, recipient_id, content, message_type, priority, delivered, read, created_at)
				VALUES (?, ?, ?, ?, ?, ?, 0, 0, ?)
			`, msg.ID, msg.SenderID, msg.RecipientID, msg.Content, string(msg.Type), string(msg.Priority), msg.CreatedAt); err != nil {
				return storageErr("insert broadcast copy", err)
			}
			copies = append(copies, msg)
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return copies, nil
}

// CountUnreadMessages returns the number of unread messages per recipient.
func (s *Store) CountUnreadMessages(ctx context.Context) (map[string]int, error) {
	rows, err := s.ro.QueryContext(ctx, `
		SELECT recipient_id, COUNT(*) FROM agent_messages WHERE read = 0 GROUP BY recipient_id
	`)
	if err != nil {
		return nil, storageErr("count unread messages", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var recipient string
		var n int
		if err := rows.Scan(&recipient, &n); err != nil {
			return nil, storageErr("count unread messages", err)
		}
		counts[recipient] = n
	}
	return counts, rows.Err()
}
