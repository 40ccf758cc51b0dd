package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"wabulk/internal/model"
)

const jobCols = `id, kind, state, name, message, filter, rate_seconds, total, cursor_pos,
	processed, succeeded, failed, responded, degraded, note,
	scheduled_at, created_at, started_at, finished_at, updated_at`

func scanJob(r rowScanner) (model.Job, error) {
	var (
		j                            model.Job
		kind, state, filter          string
		degraded                     int
		scheduled, started, finished sql.NullInt64
		createdAt, updatedAt         int64
	)
	if err := r.Scan(&j.ID, &kind, &state, &j.Name, &j.Message, &filter, &j.RateSeconds, &j.Total, &j.Cursor,
		&j.Processed, &j.Succeeded, &j.Failed, &j.Responded, &degraded, &j.Note,
		&scheduled, &createdAt, &started, &finished, &updatedAt); err != nil {
		return model.Job{}, err
	}
	j.Kind = model.JobKind(kind)
	j.State = model.JobState(state)
	j.Degraded = degraded != 0
	if filter != "" {
		var f model.FilterSpec
		if err := json.Unmarshal([]byte(filter), &f); err != nil {
			return model.Job{}, fmt.Errorf("job %s: decode filter: %w", j.ID, err)
		}
		j.Filter = &f
	}
	j.ScheduledAt = fromMs(scheduled)
	j.StartedAt = fromMs(started)
	j.FinishedAt = fromMs(finished)
	j.CreatedAt = time.UnixMilli(createdAt)
	j.UpdatedAt = time.UnixMilli(updatedAt)
	return j, nil
}

func (s *sqlStore) getJob(ctx context.Context, qr queryer, id string) (model.Job, error) {
	j, err := scanJob(qr.QueryRowContext(ctx, s.q(`SELECT `+jobCols+` FROM jobs WHERE id=? AND deleted_at IS NULL`), id))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Job{}, fmt.Errorf("job %s: %w", id, model.ErrNotFound)
	}
	return j, err
}

func (s *sqlStore) GetJob(ctx context.Context, id string) (model.Job, error) {
	return s.getJob(ctx, s.db, id)
}

func (s *sqlStore) insertRecipients(ctx context.Context, tx *sql.Tx, jobID string, recipients []model.Recipient) error {
	if len(recipients) == 0 {
		return nil
	}
	stmt, err := tx.PrepareContext(ctx, s.q(
		`INSERT INTO job_recipients(job_id, idx, contact_id, phone, display_name, status) VALUES(?,?,?,?,?,?)`))
	if err != nil {
		return err
	}
	defer stmt.Close()
	for i, r := range recipients {
		if _, err := stmt.ExecContext(ctx, jobID, i, r.ContactID, r.Phone, r.DisplayName, string(model.DeliveryPending)); err != nil {
			return err
		}
	}
	return nil
}

func (s *sqlStore) CreateJob(ctx context.Context, job model.Job, recipients []model.Recipient) error {
	if job.ID == "" {
		return model.Invalid("job.id", "required")
	}
	if recipients != nil {
		job.Total = len(recipients)
	}
	filter, err := job.FilterJSON()
	if err != nil {
		return err
	}
	now := time.Now()
	if job.CreatedAt.IsZero() {
		job.CreatedAt = now
	}
	job.UpdatedAt = now

	err = s.withTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.ExecContext(ctx, s.q(
			`INSERT INTO jobs(id, kind, state, name, message, filter, rate_seconds, total, cursor_pos,
				processed, succeeded, failed, responded, degraded, note,
				scheduled_at, created_at, started_at, finished_at, updated_at)
			 VALUES(?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`),
			job.ID, string(job.Kind), string(job.State), job.Name, job.Message, filter, job.RateSeconds, job.Total, job.Cursor,
			job.Processed, job.Succeeded, job.Failed, job.Responded, boolInt(job.Degraded), job.Note,
			msPtr(job.ScheduledAt), ms(job.CreatedAt), msPtr(job.StartedAt), msPtr(job.FinishedAt), ms(job.UpdatedAt),
		)
		if err != nil {
			return err
		}
		return s.insertRecipients(ctx, tx, job.ID, recipients)
	})
	if err != nil && job.Kind == model.KindVerificationSweep && s.d.isUnique(err) {
		return fmt.Errorf("verification sweep: %w", model.ErrAlreadyRunning)
	}
	return err
}

func (s *sqlStore) ListJobs(ctx context.Context, q model.JobQuery) ([]model.Job, error) {
	conds := []string{"deleted_at IS NULL"}
	var args []any
	if q.Kind != "" {
		conds = append(conds, "kind = ?")
		args = append(args, string(q.Kind))
	}
	if q.State != "" {
		conds = append(conds, "state = ?")
		args = append(args, string(q.State))
	}
	query := `SELECT ` + jobCols + ` FROM jobs WHERE ` + strings.Join(conds, " AND ") + ` ORDER BY created_at DESC, id DESC`
	if q.Limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, q.Limit, max(q.Offset, 0))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Job, 0, 16)
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, j)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if q.Limit <= 0 && q.Offset > 0 {
		out = page(out, q.Offset, 0)
	}
	return out, nil
}

func (s *sqlStore) ReplaceDraft(ctx context.Context, job model.Job, recipients []model.Recipient) (model.Job, error) {
	filter, err := job.FilterJSON()
	if err != nil {
		return model.Job{}, err
	}
	var out model.Job
	err = s.withTx(ctx, func(tx *sql.Tx) error {
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE jobs SET name=?, message=?, filter=?, rate_seconds=?, scheduled_at=?, total=?, cursor_pos=0, updated_at=?
			 WHERE id=? AND state=? AND deleted_at IS NULL`),
			job.Name, job.Message, filter, job.RateSeconds, msPtr(job.ScheduledAt), len(recipients), ms(time.Now()),
			job.ID, string(model.StateDraft))
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			cur, err := s.getJob(ctx, tx, job.ID)
			if err != nil {
				return err
			}
			return &model.StateError{JobID: job.ID, Op: "update", State: cur.State}
		}
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM job_recipients WHERE job_id=?`), job.ID); err != nil {
			return err
		}
		if err := s.insertRecipients(ctx, tx, job.ID, recipients); err != nil {
			return err
		}
		out, err = s.getJob(ctx, tx, job.ID)
		return err
	})
	return out, err
}

func (s *sqlStore) Transition(ctx context.Context, id string, t Transition) (model.Job, error) {
	at := t.At
	if at.IsZero() {
		at = time.Now()
	}
	sets := []string{"state = ?", "updated_at = ?"}
	args := []any{string(t.To), ms(at)}
	if t.SetStarted {
		sets = append(sets, "started_at = COALESCE(started_at, ?)")
		args = append(args, ms(at))
	}
	if t.SetFinished {
		sets = append(sets, "finished_at = ?")
		args = append(args, ms(at))
	}
	if t.Degraded != nil {
		sets = append(sets, "degraded = ?")
		args = append(args, boolInt(*t.Degraded))
	}
	if t.Note != nil {
		sets = append(sets, "note = ?")
		args = append(args, *t.Note)
	}
	in, stArgs := statesArgs(t.From)
	args = append(args, id)
	args = append(args, stArgs...)

	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET `+strings.Join(sets, ", ")+` WHERE id=? AND deleted_at IS NULL AND state IN (`+in+`)`), args...)
	if err != nil {
		return model.Job{}, err
	}
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return model.Job{}, err
	}
	if rowsAffected(res) == 0 {
		return cur, &model.StateError{JobID: id, Op: t.Op, State: cur.State}
	}
	return cur, nil
}

func (s *sqlStore) RecordTick(ctx context.Context, id string, cursor int, out model.Outcome) (model.Job, error) {
	at := out.At
	if at.IsZero() {
		at = time.Now()
	}
	status := model.DeliverySent
	if !out.OK {
		status = model.DeliveryFailed
	}
	in, stArgs := statesArgs(tickStates)

	var (
		job      model.Job
		rejected bool
	)
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(
			`UPDATE job_recipients SET status=?, error=?, sent_at=?
			 WHERE job_id=? AND idx=? AND status=?
			   AND EXISTS (SELECT 1 FROM jobs WHERE id=? AND cursor_pos=? AND state<>? AND deleted_at IS NULL)`),
			string(status), out.Err, ms(at), id, cursor, string(model.DeliveryPending), id, cursor, string(model.StateDraft)); err != nil {
			return err
		}
		succ, fail := 0, 1
		if out.OK {
			succ, fail = 1, 0
		}
		args := append([]any{succ, fail, ms(at), id, cursor, cursor}, stArgs...)
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE jobs SET cursor_pos=cursor_pos+1, processed=processed+1, succeeded=succeeded+?, failed=failed+?, updated_at=?
			 WHERE id=? AND cursor_pos=? AND total > ? AND deleted_at IS NULL AND state IN (`+in+`)`), args...)
		if err != nil {
			return err
		}
		rejected = rowsAffected(res) == 0
		job, err = s.getJob(ctx, tx, id)
		return err
	})
	if err != nil {
		return model.Job{}, err
	}
	if rejected {
		return job, fmt.Errorf("job %s cursor %d (state %s, at %d): %w", id, cursor, job.State, job.Cursor, ErrTickRejected)
	}
	return job, nil
}

const deliveryCols = `job_id, idx, contact_id, phone, display_name, status, error, sent_at, responded_at`

func scanDelivery(r rowScanner) (model.Delivery, error) {
	var (
		d               model.Delivery
		status          string
		sent, responded sql.NullInt64
	)
	if err := r.Scan(&d.JobID, &d.Index, &d.ContactID, &d.Phone, &d.DisplayName, &status, &d.Error, &sent, &responded); err != nil {
		return model.Delivery{}, err
	}
	d.Status = model.DeliveryStatus(status)
	d.SentAt = fromMs(sent)
	d.RespondedAt = fromMs(responded)
	return d, nil
}

func (s *sqlStore) Recipient(ctx context.Context, id string, index int) (model.Recipient, error) {
	d, err := scanDelivery(s.db.QueryRowContext(ctx, s.q(
		`SELECT `+deliveryCols+` FROM job_recipients WHERE job_id=? AND idx=?`), id, index))
	if errors.Is(err, sql.ErrNoRows) {
		return model.Recipient{}, fmt.Errorf("job %s recipient %d: %w", id, index, model.ErrNotFound)
	}
	return d.Recipient, err
}

func (s *sqlStore) Deliveries(ctx context.Context, id string, status model.DeliveryStatus, offset, limit int) ([]model.Delivery, error) {
	if _, err := s.GetJob(ctx, id); err != nil {
		return nil, err
	}
	query := `SELECT ` + deliveryCols + ` FROM job_recipients WHERE job_id=?`
	args := []any{id}
	if status != "" {
		query += ` AND status=?`
		args = append(args, string(status))
	}
	query += ` ORDER BY idx`
	if limit > 0 {
		query += ` LIMIT ? OFFSET ?`
		args = append(args, limit, max(offset, 0))
	}
	rows, err := s.db.QueryContext(ctx, s.q(query), args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	out := make([]model.Delivery, 0, 32)
	for rows.Next() {
		d, err := scanDelivery(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	if limit <= 0 && offset > 0 {
		out = page(out, offset, 0)
	}
	return out, nil
}

func (s *sqlStore) MarkResponded(ctx context.Context, contactID int64, at, since time.Time) (string, error) {
	var jobID string
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		var idx int
		err := tx.QueryRowContext(ctx, s.q(
			`SELECT r.job_id, r.idx FROM job_recipients r JOIN jobs j ON j.id = r.job_id
			 WHERE j.kind=? AND j.deleted_at IS NULL AND r.contact_id=? AND r.status=? AND r.sent_at >= ?
			 ORDER BY r.sent_at DESC, r.idx DESC LIMIT 1`),
			string(model.KindCampaign), contactID, string(model.DeliverySent), ms(since),
		).Scan(&jobID, &idx)
		if errors.Is(err, sql.ErrNoRows) {
			jobID = ""
			return nil
		}
		if err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(
			`UPDATE job_recipients SET status=?, responded_at=? WHERE job_id=? AND idx=? AND status=?`),
			string(model.DeliveryResponded), ms(at), jobID, idx, string(model.DeliverySent))
		if err != nil {
			return err
		}
		if rowsAffected(res) == 0 {
			jobID = ""
			return nil
		}
		_, err = tx.ExecContext(ctx, s.q(`UPDATE jobs SET responded=responded+1, updated_at=? WHERE id=?`), ms(time.Now()), jobID)
		return err
	})
	if err != nil {
		return "", err
	}
	return jobID, nil
}

func (s *sqlStore) RecentlyContacted(ctx context.Context, since time.Time) ([]int64, error) {
	rows, err := s.db.QueryContext(ctx, s.q(
		`SELECT DISTINCT r.contact_id FROM job_recipients r JOIN jobs j ON j.id = r.job_id
		 WHERE j.kind=? AND j.deleted_at IS NULL AND r.status IN (?,?) AND r.sent_at >= ?
		 ORDER BY r.contact_id`),
		string(model.KindCampaign), string(model.DeliverySent), string(model.DeliveryResponded), ms(since))
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []int64
	for rows.Next() {
		var id int64
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

func (s *sqlStore) SoftDeleteJob(ctx context.Context, id string, allowed []model.JobState, at time.Time) error {
	in, stArgs := statesArgs(allowed)
	args := append([]any{ms(at), id}, stArgs...)
	res, err := s.db.ExecContext(ctx, s.q(
		`UPDATE jobs SET deleted_at=? WHERE id=? AND deleted_at IS NULL AND state IN (`+in+`)`), args...)
	if err != nil {
		return err
	}
	if rowsAffected(res) > 0 {
		return nil
	}
	cur, err := s.GetJob(ctx, id)
	if err != nil {
		return err
	}
	return &model.StateError{JobID: id, Op: "delete", State: cur.State}
}

func (s *sqlStore) PruneJobs(ctx context.Context, before time.Time) (int, error) {
	cutoff := ms(before)
	cond := `(deleted_at IS NOT NULL AND deleted_at < ?)
		OR (kind <> ? AND state IN (?,?,?) AND finished_at IS NOT NULL AND finished_at < ?)`
	args := []any{cutoff, string(model.KindCampaign),
		string(model.StateCompleted), string(model.StateCancelled), string(model.StateFailed), cutoff}

	var n int64
	err := s.withTx(ctx, func(tx *sql.Tx) error {
		if _, err := tx.ExecContext(ctx, s.q(`DELETE FROM job_recipients WHERE job_id IN (SELECT id FROM jobs WHERE `+cond+`)`), args...); err != nil {
			return err
		}
		res, err := tx.ExecContext(ctx, s.q(`DELETE FROM jobs WHERE `+cond), args...)
		if err != nil {
			return err
		}
		n = rowsAffected(res)
		return nil
	})
	return int(n), err
}
