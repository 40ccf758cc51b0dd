package storage

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"wabulk/internal/model"
)

const contactCols = `c.id, c.phone, c.name, c.status, c.first_message_at, c.last_message_at,
	c.total_messages, c.last_verified_at, c.created_at, c.updated_at`

func scanContact(r rowScanner) (model.Contact, error) {
	var (
		c                     model.Contact
		status                string
		first, last, verified sql.NullInt64
		createdAt, updatedAt  int64
	)
	if err := r.Scan(&c.ID, &c.Phone, &c.Name, &status, &first, &last,
		&c.TotalMessages, &verified, &createdAt, &updatedAt); err != nil {
		return model.Contact{}, err
	}
	c.Status = model.ContactStatus(status)
	c.FirstMessageAt = fromMs(first)
	c.LastMessageAt = fromMs(last)
	c.LastVerifiedAt = fromMs(verified)
	c.CreatedAt = time.UnixMilli(createdAt)
	c.UpdatedAt = time.UnixMilli(updatedAt)
	return c, nil
}

func (s *sqlStore) CreateContact(ctx context.Context, c model.Contact) (model.Contact, error) {
	if strings.TrimSpace(c.Phone) == "" {
		return model.Contact{}, model.Invalid("phone", "required")
	}
	if c.Status == "" {
		c.Status = model.ContactActive
	}
	if !c.Status.Valid() {
		return model.Contact{}, model.Invalid("status", fmt.Sprintf("unknown status %q", c.Status))
	}
	now := time.Now()
	if c.CreatedAt.IsZero() {
		c.CreatedAt = now
	}
	c.UpdatedAt = now

	err := s.withTx(ctx, func(tx *sql.Tx) error {
		id, err := s.insertContact(ctx, tx, c)
		if err != nil {
			return err
		}
		c.ID = id
		return s.writeTags(ctx, tx, c.ID, c.Tags)
	})
	if err != nil {
		return model.Contact{}, err
	}
	return c, nil
}

func (s *sqlStore) insertContact(ctx context.Context, tx queryer, c model.Contact) (int64, error) {
	var id int64
	err := tx.QueryRowContext(ctx, s.q(
		`INSERT INTO contacts(phone, phone_key, name, status, first_message_at, last_message_at,
			total_messages, last_verified_at, created_at, updated_at)
		 VALUES(?,?,?,?,?,?,?,?,?,?) RETURNING id`),
		c.Phone, PhoneKey(c.Phone), c.Name, string(c.Status), msPtr(c.FirstMessageAt), msPtr(c.LastMessageAt),
		c.TotalMessages, msPtr(c.LastVerifiedAt), ms(c.CreatedAt), ms(c.UpdatedAt),
	).Scan(&id)
	return id, err
}

func (s *sqlStore) updateContact(ctx context.Context, tx queryer, c model.Contact) error {
	res, err := tx.ExecContext(ctx, s.q(
		`UPDATE contacts SET phone=?, phone_key=?, name=?, status=?, first_message_at=?, last_message_at=?,
			total_messages=?, last_verified_at=?, updated_at=?
		 WHERE id=?`),
		c.Phone, PhoneKey(c.Phone), c.Name, string(c.Status), msPtr(c.FirstMessageAt), msPtr(c.LastMessageAt),
		c.TotalMessages, msPtr(c.LastVerifiedAt), ms(c.UpdatedAt), c.ID,
	)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("contact %d: %w", c.ID, model.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) writeTags(ctx context.Context, tx queryer, id int64, tags []string) error {
	if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM contact_tags WHERE contact_id=?`), id); err != nil {
		return err
	}
	seen := make(map[string]struct{}, len(tags))
	for _, t := range tags {
		if _, dup := seen[t]; dup || t == "" {
			continue
		}
		seen[t] = struct{}{}
		if _, err := tx.ExecContext(ctx, s.q(`INSERT INTO contact_tags(contact_id, tag) VALUES(?,?)`), id, t); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) GetContact(ctx context.Context, id int64) (model.Contact, error) {
	cs, err := s.QueryContacts(ctx, ContactQuery{IDs: []int64{id}})
	if err != nil {
		return model.Contact{}, err
	}
	if len(cs) == 0 {
		return model.Contact{}, fmt.Errorf("contact %d: %w", id, model.ErrNotFound)
	}
	return cs[0], nil
}

func contactWhere(q ContactQuery) (string, []any) {
	var (
		conds []string
		args  []any
	)
	if q.IDs != nil {
		conds = append(conds, "c.id IN ("+placeholders(len(q.IDs))+")")
		for _, id := range q.IDs {
			args = append(args, id)
		}
	}
	if q.Status != "" {
		conds = append(conds, "c.status = ?")
		args = append(args, string(q.Status))
	}
	if q.Phone != "" {
		conds = append(conds, "c.phone_key = ?")
		args = append(args, PhoneKey(q.Phone))
	}
	if q.Tag != "" {
		conds = append(conds, "EXISTS (SELECT 1 FROM contact_tags t WHERE t.contact_id = c.id AND t.tag = ?)")
		args = append(args, q.Tag)
	}
	if q.ActiveSince != nil {
		conds = append(conds, "c.last_message_at >= ?")
		args = append(args, ms(*q.ActiveSince))
	}
	if q.InactiveBefore != nil {
		conds = append(conds, "(c.last_message_at IS NULL OR c.last_message_at < ?)")
		args = append(args, ms(*q.InactiveBefore))
	}
	if len(conds) == 0 {
		return "", nil
	}
	return " WHERE " + strings.Join(conds, " AND "), args
}

func (s *sqlStore) QueryContacts(ctx context.Context, q ContactQuery) ([]model.Contact, error) {
	if q.IDs != nil && len(q.IDs) == 0 {
		return []model.Contact{}, nil
	}
	where, args := contactWhere(q)

	rows, err := s.db.QueryContext(ctx, s.q(`SELECT `+contactCols+` FROM contacts c`+where+` ORDER BY c.id`), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	out := make([]model.Contact, 0, 64)
	byID := make(map[int64]int)
	for rows.Next() {
		c, err := scanContact(rows)
		if err != nil {
			return nil, err
		}
		byID[c.ID] = len(out)
		out = append(out, c)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	// sqlite runs on a single connection; release it before the tag query.
	_ = rows.Close()
	if len(out) == 0 {
		return out, nil
	}

	trows, err := s.db.QueryContext(ctx, s.q(
		`SELECT tg.contact_id, tg.tag FROM contact_tags tg JOIN contacts c ON c.id = tg.contact_id`+where+
			` ORDER BY tg.contact_id, tg.tag`), args...)
	if err != nil {
		return nil, err
	}
	defer trows.Close()
	for trows.Next() {
		var (
			id  int64
			tag string
		)
		if err := trows.Scan(&id, &tag); err != nil {
			return nil, err
		}
		if i, ok := byID[id]; ok {
			out[i].Tags = append(out[i].Tags, tag)
		}
	}
	return out, trows.Err()
}

func (s *sqlStore) TouchContact(ctx context.Context, phone, name string, at time.Time) (model.Contact, error) {
	key := PhoneKey(phone)
	if key == "" {
		return model.Contact{}, model.Invalid("phone", "no digits")
	}
	var out model.Contact
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		c, err := scanContact(tx.QueryRowContext(ctx, s.q(
			`SELECT `+contactCols+` FROM contacts c WHERE c.phone_key = ? ORDER BY c.created_at, c.id LIMIT 1`), key))
		switch {
		case errors.Is(err, sql.ErrNoRows):
			now := time.Now()
			c = model.Contact{
				Phone: phone, Name: name, Status: model.ContactActive,
				FirstMessageAt: &at, LastMessageAt: &at, TotalMessages: 1,
				CreatedAt: now, UpdatedAt: now,
			}
			id, err := s.insertContact(ctx, tx, c)
			if err != nil {
				return err
			}
			c.ID = id
			out = c
			return nil
		case err != nil:
			return err
		}
		c = touch(c, name, at)
		if err := s.updateContact(ctx, tx, c); err != nil {
			return err
		}
		out = c
		return nil
	})
	if err != nil {
		return model.Contact{}, err
	}
	// tags are untouched; reload them for a complete record
	return s.GetContact(ctx, out.ID)
}

func (s *sqlStore) SetContactStatus(ctx context.Context, id int64, status model.ContactStatus, verifiedAt time.Time) error {
	var verified any
	if !verifiedAt.IsZero() {
		verified = ms(verifiedAt)
	}
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE contacts SET status=?, last_verified_at=COALESCE(?, last_verified_at), updated_at=? WHERE id=?`),
		string(status), verified, ms(time.Now()), id)
	if err != nil {
		return err
	}
	if rowsAffected(res) == 0 {
		return fmt.Errorf("contact %d: %w", id, model.ErrNotFound)
	}
	return nil
}

func (s *sqlStore) MergeContacts(ctx context.Context, survivor model.Contact, removed []int64) error {
	gone := make([]any, 0, len(removed))
	for _, id := range removed {
		if id != survivor.ID {
			gone = append(gone, id)
		}
	}
	survivor.UpdatedAt = time.Now()
	return s.withTx(ctx, func(tx *sql.Tx) error {
		if err := s.updateContact(ctx, tx, survivor); err != nil {
			return err
		}
		if err := s.writeTags(ctx, tx, survivor.ID, survivor.Tags); err != nil {
			return err
		}
		if len(gone) == 0 {
			return nil
		}
		in := "(" + placeholders(len(gone)) + ")"
		args := append([]any{survivor.ID}, gone...)
		if _, err := tx.ExecContext(ctx, s.q(`UPDATE job_recipients SET contact_id=? WHERE contact_id IN `+in), args...); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM contact_tags WHERE contact_id IN `+in), gone...); err != nil {
			return err
		}
		_, err := tx.ExecContext(ctx, s.q(`DELETE FROM contacts WHERE id IN `+in), gone...)
		return err
	})
}
