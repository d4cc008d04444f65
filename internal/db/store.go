package db

import (
	"context"
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/staydesk/backend/internal/models"
)

//go:embed schema.sql
var schema string

type Store struct {
	Pool *pgxpool.Pool
}

func New(ctx context.Context, databaseURL string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, err
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, err
	}
	return &Store{Pool: pool}, nil
}

func (s *Store) Close() {
	s.Pool.Close()
}

func (s *Store) Ping(ctx context.Context) error {
	return s.Pool.Ping(ctx)
}

func (s *Store) Migrate(ctx context.Context) error {
	if _, err := s.Pool.Exec(ctx, schema); err != nil {
		return fmt.Errorf("apply schema: %w", err)
	}
	return nil
}

func (s *Store) WithTx(ctx context.Context, fn func(tx pgx.Tx) error) error {
	tx, err := s.Pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const messageColumns = `id, guest_name, platform, content, timestamp, status, ai_response, grounding_sources, author`

func scanMessage(row pgx.Row) (models.Message, error) {
	var (
		m       models.Message
		sources []byte
	)
	if err := row.Scan(&m.ID, &m.GuestName, &m.Platform, &m.Content, &m.Timestamp, &m.Status, &m.AIResponse, &sources, &m.Author); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return m, ErrNotFound
		}
		return m, err
	}
	if len(sources) > 0 {
		if err := json.Unmarshal(sources, &m.GroundingSources); err != nil {
			return m, fmt.Errorf("decode sources for %s: %w", m.ID, err)
		}
	}
	return m, nil
}

func encodeSources(sources []models.Source) []byte {
	if len(sources) == 0 {
		return nil
	}
	b, _ := json.Marshal(sources)
	return b
}

func (s *Store) InsertMessage(ctx context.Context, m models.Message) error {
	_, err := s.Pool.Exec(ctx, `
		INSERT INTO messages (`+messageColumns+`)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
	`, m.ID, m.GuestName, m.Platform, m.Content, m.Timestamp, m.Status, m.AIResponse, encodeSources(m.GroundingSources), m.Author)
	return err
}

func (s *Store) InsertMessages(ctx context.Context, msgs []models.Message) (int64, error) {
	rows := make([][]any, 0, len(msgs))
	for _, m := range msgs {
		rows = append(rows, []any{m.ID, m.GuestName, m.Platform, m.Content, m.Timestamp, string(m.Status), m.AIResponse, encodeSources(m.GroundingSources), m.Author})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"messages"}, strings.Split(strings.ReplaceAll(messageColumns, " ", ""), ","), pgx.CopyFromRows(rows))
}

func (s *Store) GetMessage(ctx context.Context, id string) (models.Message, error) {
	return scanMessage(s.Pool.QueryRow(ctx, `SELECT `+messageColumns+` FROM messages WHERE id = $1`, id))
}

func (s *Store) ListMessages(ctx context.Context, f MessageFilter) ([]models.Message, error) {
	query := `SELECT ` + messageColumns + ` FROM messages`
	var args []any
	if f.Status != "" {
		args = append(args, f.Status)
		query += " WHERE status = $1"
	}
	offset := f.Offset
	if offset < 0 {
		offset = 0
	}
	query += " ORDER BY timestamp DESC, id ASC LIMIT $" + fmt.Sprint(len(args)+1) + " OFFSET $" + fmt.Sprint(len(args)+2)
	args = append(args, clampLimit(f.Limit, 50, 500), offset)

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) ListMessageIDsByStatus(ctx context.Context, status models.MessageStatus) ([]string, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id FROM messages WHERE status = $1 ORDER BY timestamp ASC, id ASC`, status)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, err
		}
		out = append(out, id)
	}
	return out, rows.Err()
}

// ClaimMessage moves a message from New to Processing. The boolean is false
// when the message exists but was not New.
func (s *Store) ClaimMessage(ctx context.Context, id string) (models.Message, bool, error) {
	m, err := scanMessage(s.Pool.QueryRow(ctx, `
		UPDATE messages SET status = $2, claimed_at = now()
		WHERE id = $1 AND status = $3
		RETURNING `+messageColumns, id, models.MessageProcessing, models.MessageNew))
	if errors.Is(err, ErrNotFound) {
		var exists bool
		if err := s.Pool.QueryRow(ctx, `SELECT EXISTS (SELECT 1 FROM messages WHERE id = $1)`, id).Scan(&exists); err != nil {
			return models.Message{}, false, err
		}
		if !exists {
			return models.Message{}, false, ErrNotFound
		}
		return models.Message{}, false, nil
	}
	if err != nil {
		return models.Message{}, false, err
	}
	return m, true, nil
}

// FinishMessage records the terminal outcome of a message still in Processing.
func (s *Store) FinishMessage(ctx context.Context, id string, status models.MessageStatus, aiResponse string, sources []models.Source) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE messages SET status = $2, ai_response = $3, grounding_sources = $4
		WHERE id = $1 AND status = $5
	`, id, status, aiResponse, encodeSources(sources), models.MessageProcessing)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrConflict
	}
	return nil
}

// FailStaleMessages marks Failed every message claimed more than olderThan
// ago that never reached a terminal status, and returns them.
func (s *Store) FailStaleMessages(ctx context.Context, olderThan time.Duration) ([]models.Message, error) {
	rows, err := s.Pool.Query(ctx, `
		UPDATE messages SET status = $1
		WHERE status = $2 AND COALESCE(claimed_at, timestamp) < now() - $3::float8 * interval '1 second'
		RETURNING `+messageColumns, models.MessageFailed, models.MessageProcessing, olderThan.Seconds())
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Message
	for rows.Next() {
		m, err := scanMessage(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

func (s *Store) RequeueMessage(ctx context.Context, id string) error {
	tag, err := s.Pool.Exec(ctx, `
		UPDATE messages SET status = $2, ai_response = '', grounding_sources = NULL
		WHERE id = $1 AND status = $3
	`, id, models.MessageNew, models.MessageFailed)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		if _, err := s.GetMessage(ctx, id); err != nil {
			return err
		}
		return ErrConflict
	}
	return nil
}

const bookingColumns = `id, guest_name, property, check_in, check_out, pre_arrival_sent, mid_stay_sent, pre_departure_sent`

func (s *Store) InsertBookings(ctx context.Context, bookings []models.Booking) (int64, error) {
	rows := make([][]any, 0, len(bookings))
	for _, b := range bookings {
		f := b.AutomatedMessagesSent
		rows = append(rows, []any{b.ID, b.GuestName, b.Property, b.CheckIn, b.CheckOut, f.PreArrival, f.MidStay, f.PreDeparture})
	}
	return s.Pool.CopyFrom(ctx, pgx.Identifier{"bookings"}, strings.Split(strings.ReplaceAll(bookingColumns, " ", ""), ","), pgx.CopyFromRows(rows))
}

func (s *Store) ListBookings(ctx context.Context) ([]models.Booking, error) {
	rows, err := s.Pool.Query(ctx, `SELECT `+bookingColumns+` FROM bookings ORDER BY check_in ASC, id ASC`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Booking
	for rows.Next() {
		var b models.Booking
		f := &b.AutomatedMessagesSent
		if err := rows.Scan(&b.ID, &b.GuestName, &b.Property, &b.CheckIn, &b.CheckOut, &f.PreArrival, &f.MidStay, &f.PreDeparture); err != nil {
			return nil, err
		}
		out = append(out, b)
	}
	return out, rows.Err()
}

// EmitLifecycleMessage flips the booking's flag for kind and inserts msg in
// the same transaction. It reports false without inserting when the flag was
// already set.
func (s *Store) EmitLifecycleMessage(ctx context.Context, bookingID string, kind models.LifecycleType, msg models.Message) (bool, error) {
	col, ok := lifecycleColumn(kind)
	if !ok {
		return false, fmt.Errorf("unknown lifecycle type %q", kind)
	}
	emitted := false
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		tag, err := tx.Exec(ctx, `UPDATE bookings SET `+col+` = TRUE WHERE id = $1 AND NOT `+col, bookingID)
		if err != nil {
			return err
		}
		if tag.RowsAffected() == 0 {
			return nil
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO messages (`+messageColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		`, msg.ID, msg.GuestName, msg.Platform, msg.Content, msg.Timestamp, msg.Status, msg.AIResponse, encodeSources(msg.GroundingSources), msg.Author); err != nil {
			return err
		}
		emitted = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return emitted, nil
}

const taskColumns = `id, created_at, property, description, status, source_message_id, staff_id, staff_name`

func scanTask(row pgx.Row) (models.MaintenanceTask, error) {
	var t models.MaintenanceTask
	if err := row.Scan(&t.ID, &t.CreatedAt, &t.Property, &t.Description, &t.Status, &t.SourceMessageID, &t.StaffID, &t.StaffName); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return t, ErrNotFound
		}
		return t, err
	}
	return t, nil
}

func collectTasks(rows pgx.Rows) ([]models.MaintenanceTask, error) {
	defer rows.Close()
	var out []models.MaintenanceTask
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// AppendTask serializes task creation: the table lock keeps the open-task
// snapshot handed to build valid until the insert commits.
func (s *Store) AppendTask(ctx context.Context, build BuildTask) (models.MaintenanceTask, error) {
	var created models.MaintenanceTask
	err := s.WithTx(ctx, func(tx pgx.Tx) error {
		if _, err := tx.Exec(ctx, `LOCK TABLE maintenance_tasks IN SHARE ROW EXCLUSIVE MODE`); err != nil {
			return err
		}
		rows, err := tx.Query(ctx, `SELECT `+taskColumns+` FROM maintenance_tasks WHERE status = ANY($1) ORDER BY created_at ASC`,
			[]string{string(models.TaskToDo), string(models.TaskInProgress)})
		if err != nil {
			return err
		}
		open, err := collectTasks(rows)
		if err != nil {
			return err
		}

		t, err := build(open)
		if err != nil {
			return err
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO maintenance_tasks (`+taskColumns+`)
			VALUES ($1,$2,$3,$4,$5,$6,$7,$8)
		`, t.ID, t.CreatedAt, t.Property, t.Description, t.Status, t.SourceMessageID, t.StaffID, t.StaffName); err != nil {
			return err
		}
		created = t
		return nil
	})
	return created, err
}

func (s *Store) ListTasks(ctx context.Context, f TaskFilter) ([]models.MaintenanceTask, error) {
	query := `SELECT ` + taskColumns + ` FROM maintenance_tasks`
	var args []any
	var wheres []string
	if f.Status != "" {
		args = append(args, f.Status)
		wheres = append(wheres, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.StaffID != "" {
		args = append(args, f.StaffID)
		wheres = append(wheres, fmt.Sprintf("staff_id = $%d", len(args)))
	}
	if len(wheres) > 0 {
		query += " WHERE " + strings.Join(wheres, " AND ")
	}
	query += " ORDER BY created_at DESC, id ASC"

	rows, err := s.Pool.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	return collectTasks(rows)
}

func (s *Store) UpdateTaskStatus(ctx context.Context, id string, status models.TaskStatus) (models.MaintenanceTask, error) {
	return scanTask(s.Pool.QueryRow(ctx, `
		UPDATE maintenance_tasks SET status = $2 WHERE id = $1
		RETURNING `+taskColumns, id, status))
}

func (s *Store) AppendLog(ctx context.Context, e models.LogEntry) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO logs (id, timestamp, message, outcome) VALUES ($1,$2,$3,$4)`, e.ID, e.Timestamp, e.Message, e.Outcome)
	return err
}

func (s *Store) ListLogs(ctx context.Context, limit int) ([]models.LogEntry, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, timestamp, message, outcome FROM logs ORDER BY timestamp DESC LIMIT $1`, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.LogEntry
	for rows.Next() {
		var e models.LogEntry
		if err := rows.Scan(&e.ID, &e.Timestamp, &e.Message, &e.Outcome); err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (s *Store) InsertNotification(ctx context.Context, n models.Notification) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO notifications (id, timestamp, channel, message) VALUES ($1,$2,$3,$4)`, n.ID, n.Timestamp, n.Channel, n.Message)
	return err
}

func (s *Store) ListNotifications(ctx context.Context, limit int) ([]models.Notification, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, timestamp, channel, message FROM notifications ORDER BY timestamp DESC LIMIT $1`, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Notification
	for rows.Next() {
		var n models.Notification
		if err := rows.Scan(&n.ID, &n.Timestamp, &n.Channel, &n.Message); err != nil {
			return nil, err
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

func (s *Store) InsertAlert(ctx context.Context, a models.Alert) error {
	_, err := s.Pool.Exec(ctx, `INSERT INTO alerts (id, timestamp, recipient, subject, body) VALUES ($1,$2,$3,$4,$5)`, a.ID, a.Timestamp, a.Recipient, a.Subject, a.Body)
	return err
}

func (s *Store) ListAlerts(ctx context.Context, limit int) ([]models.Alert, error) {
	rows, err := s.Pool.Query(ctx, `SELECT id, timestamp, recipient, subject, body FROM alerts ORDER BY timestamp DESC LIMIT $1`, clampLimit(limit, 100, 1000))
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []models.Alert
	for rows.Next() {
		var a models.Alert
		if err := rows.Scan(&a.ID, &a.Timestamp, &a.Recipient, &a.Subject, &a.Body); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

func (s *Store) CreateRun(ctx context.Context, kind, status string) (string, error) {
	id := uuid.NewString()
	_, err := s.Pool.Exec(ctx, `INSERT INTO runs (id, kind, status, started_at) VALUES ($1, $2, $3, $4)`, id, kind, status, time.Now().UTC())
	return id, err
}

func (s *Store) FinishRun(ctx context.Context, runID string, status string, summary []byte) error {
	_, err := s.Pool.Exec(ctx, `UPDATE runs SET status = $1, summary = $2, finished_at = NOW() WHERE id = $3`, status, summary, runID)
	return err
}

// GetLatestRun returns the most recent run of kind, or of any kind when kind is empty.
func (s *Store) GetLatestRun(ctx context.Context, kind string) (models.Run, error) {
	row := s.Pool.QueryRow(ctx, `
		SELECT id, kind, started_at, finished_at, status, summary FROM runs
		WHERE $1 = '' OR kind = $1
		ORDER BY started_at DESC LIMIT 1
	`, kind)
	var r models.Run
	if err := row.Scan(&r.ID, &r.Kind, &r.StartedAt, &r.FinishedAt, &r.Status, &r.Summary); err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return r, ErrNotFound
		}
		return r, err
	}
	return r, nil
}
