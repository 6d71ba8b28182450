package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	_ "github.com/tursodatabase/go-libsql"

	"github.com/freightdesk/waypoint/pkg/schema"
)

// LibSQLStore implements the Store interface using libSQL (embedded SQLite fork).
type LibSQLStore struct {
	db *sql.DB
}

// NewLibSQLStore opens a libSQL database at the given path and returns a Store.
// The path should be a file URI, e.g. "file:/path/to/db.db".
func NewLibSQLStore(dbPath string) (*LibSQLStore, error) {
	db, err := sql.Open("libsql", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open libsql: %w", err)
	}
	db.SetMaxOpenConns(1)

	// Apply connection-level PRAGMAs. Some PRAGMAs return rows so we use QueryRow.
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA cache_size=-20000",
		"PRAGMA foreign_keys=ON",
		"PRAGMA temp_store=MEMORY",
	}
	for _, p := range pragmas {
		var result string
		_ = db.QueryRow(p).Scan(&result)
	}

	return &LibSQLStore{db: db}, nil
}

// DB returns the underlying *sql.DB for advanced usage.
func (s *LibSQLStore) DB() *sql.DB { return s.db }

// Close closes the database.
func (s *LibSQLStore) Close() error { return s.db.Close() }

// Migrate runs all pending database migrations.
func (s *LibSQLStore) Migrate(ctx context.Context) error {
	return runMigrations(ctx, s.db)
}

// --- Definitions ---

func (s *LibSQLStore) PutDefinition(ctx context.Context, def *Definition) error {
	raw, err := json.Marshal(def.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_definitions (id, version, name, status, definition, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(id, version) DO UPDATE SET name=excluded.name, status=excluded.status, definition=excluded.definition, updated_at=excluded.updated_at`,
		def.ID, def.Version, nullStr(def.Name), string(def.Status), string(raw),
		timeOrNow(def.CreatedAt), time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetDefinition(ctx context.Context, id string, version int) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, status, definition, created_at, updated_at
		 FROM workflow_definitions WHERE id = ? AND version = ?`, id, version)
	return scanDefinition(row, id)
}

func (s *LibSQLStore) GetActiveDefinition(ctx context.Context, id string) (*Definition, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, version, name, status, definition, created_at, updated_at
		 FROM workflow_definitions WHERE id = ? AND status = ?
		 ORDER BY version DESC LIMIT 1`, id, string(schema.DefinitionStatusActive))
	return scanDefinition(row, id)
}

func (s *LibSQLStore) ListDefinitions(ctx context.Context, status schema.DefinitionStatus) ([]*Definition, error) {
	query := `SELECT id, version, name, status, definition, created_at, updated_at FROM workflow_definitions`
	var args []any
	if status != "" {
		query += ` WHERE status = ?`
		args = append(args, string(status))
	}
	query += ` ORDER BY id, version`

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var defs []*Definition
	for rows.Next() {
		d, err := scanDefinitionRow(rows)
		if err != nil {
			return nil, err
		}
		defs = append(defs, d)
	}
	return defs, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanDefinition(row rowScanner, id string) (*Definition, error) {
	d, err := scanDefinitionRow(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("definition", id)
	}
	return d, err
}

func scanDefinitionRow(row rowScanner) (*Definition, error) {
	d := &Definition{}
	var name sql.NullString
	var status, defJSON string
	if err := row.Scan(&d.ID, &d.Version, &name, &status, &defJSON, &d.CreatedAt, &d.UpdatedAt); err != nil {
		return nil, err
	}
	d.Name = name.String
	d.Status = schema.DefinitionStatus(status)
	if err := json.Unmarshal([]byte(defJSON), &d.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	return d, nil
}

// --- Instances ---

func (s *LibSQLStore) CreateInstance(ctx context.Context, inst *Instance) error {
	def, err := json.Marshal(inst.Definition)
	if err != nil {
		return fmt.Errorf("marshal definition: %w", err)
	}
	contextJSON, err := marshalMapOrDefault(inst.Context)
	if err != nil {
		return fmt.Errorf("marshal context: %w", err)
	}
	variablesJSON, err := marshalMapOrDefault(inst.Variables)
	if err != nil {
		return fmt.Errorf("marshal variables: %w", err)
	}
	logJSON, err := marshalSliceOrDefault(inst.ExecutionLog)
	if err != nil {
		return fmt.Errorf("marshal execution log: %w", err)
	}
	errsJSON, err := marshalSliceOrDefault(inst.Errors)
	if err != nil {
		return fmt.Errorf("marshal errors: %w", err)
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO workflow_instances (id, definition_id, definition_version, definition, entity_type, entity_id, priority, status, current_node_id, step_number, context, variables, execution_log, errors, cancel_reason, resume_at, started_at, paused_at, completed_at, created_at, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		inst.ID, inst.DefinitionID, inst.DefinitionVersion, string(def),
		inst.Entity.Type, inst.Entity.ID, string(inst.Priority), string(inst.Status),
		nullStr(inst.CurrentNodeID), inst.StepNumber,
		string(contextJSON), string(variablesJSON), string(logJSON), string(errsJSON),
		nullStr(inst.CancelReason), nullTime(inst.ResumeAt), nullTime(inst.StartedAt),
		nullTime(inst.PausedAt), nullTime(inst.CompletedAt),
		timeOrNow(inst.CreatedAt), timeOrNow(inst.UpdatedAt),
	)
	return err
}

const instanceColumns = `id, definition_id, definition_version, definition, entity_type, entity_id, priority, status, current_node_id, step_number, context, variables, execution_log, errors, cancel_reason, resume_at, started_at, paused_at, completed_at, created_at, updated_at`

func (s *LibSQLStore) GetInstance(ctx context.Context, id string) (*Instance, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+instanceColumns+` FROM workflow_instances WHERE id = ?`, id)
	inst, err := scanInstance(row)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("instance", id)
	}
	return inst, err
}

func scanInstance(row rowScanner) (*Instance, error) {
	inst := &Instance{}
	var (
		defJSON, priority, status                 string
		currentNode, cancelReason                 sql.NullString
		contextJSON, variablesJSON                sql.NullString
		logJSON, errsJSON                         sql.NullString
		resumeAt, startedAt, pausedAt, completedAt sql.NullTime
	)
	if err := row.Scan(&inst.ID, &inst.DefinitionID, &inst.DefinitionVersion, &defJSON,
		&inst.Entity.Type, &inst.Entity.ID, &priority, &status, &currentNode, &inst.StepNumber,
		&contextJSON, &variablesJSON, &logJSON, &errsJSON, &cancelReason,
		&resumeAt, &startedAt, &pausedAt, &completedAt, &inst.CreatedAt, &inst.UpdatedAt); err != nil {
		return nil, err
	}
	inst.Priority = schema.Priority(priority)
	inst.Status = schema.InstanceStatus(status)
	inst.CurrentNodeID = currentNode.String
	inst.CancelReason = cancelReason.String
	if err := json.Unmarshal([]byte(defJSON), &inst.Definition); err != nil {
		return nil, fmt.Errorf("unmarshal definition: %w", err)
	}
	if contextJSON.Valid && contextJSON.String != "" {
		_ = json.Unmarshal([]byte(contextJSON.String), &inst.Context)
	}
	if variablesJSON.Valid && variablesJSON.String != "" {
		_ = json.Unmarshal([]byte(variablesJSON.String), &inst.Variables)
	}
	if logJSON.Valid && logJSON.String != "" {
		_ = json.Unmarshal([]byte(logJSON.String), &inst.ExecutionLog)
	}
	if errsJSON.Valid && errsJSON.String != "" {
		_ = json.Unmarshal([]byte(errsJSON.String), &inst.Errors)
	}
	if resumeAt.Valid {
		inst.ResumeAt = &resumeAt.Time
	}
	if startedAt.Valid {
		inst.StartedAt = &startedAt.Time
	}
	if pausedAt.Valid {
		inst.PausedAt = &pausedAt.Time
	}
	if completedAt.Valid {
		inst.CompletedAt = &completedAt.Time
	}
	return inst, nil
}

// UpdateInstance applies the update atomically. Appends to the execution log
// and error list are serialized through a transaction that re-reads the
// current JSON; when ExpectedStep is set the write is guarded on the
// persisted step number.
func (s *LibSQLStore) UpdateInstance(ctx context.Context, id string, update InstanceUpdate) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	var sets []string
	var args []any

	if update.Status != nil {
		sets = append(sets, "status = ?")
		args = append(args, string(*update.Status))
	}
	if update.CurrentNodeID != nil {
		sets = append(sets, "current_node_id = ?")
		args = append(args, *update.CurrentNodeID)
	}
	if update.StepNumber != nil {
		sets = append(sets, "step_number = ?")
		args = append(args, *update.StepNumber)
	}
	if update.Context != nil {
		raw, err := json.Marshal(update.Context)
		if err != nil {
			return fmt.Errorf("marshal context: %w", err)
		}
		sets = append(sets, "context = ?")
		args = append(args, string(raw))
	}
	if update.Variables != nil {
		raw, err := json.Marshal(update.Variables)
		if err != nil {
			return fmt.Errorf("marshal variables: %w", err)
		}
		sets = append(sets, "variables = ?")
		args = append(args, string(raw))
	}
	if len(update.AppendLog) > 0 {
		merged, err := appendJSONList[ExecutionLogEntry](ctx, tx, id, "execution_log", update.AppendLog)
		if err != nil {
			return err
		}
		sets = append(sets, "execution_log = ?")
		args = append(args, merged)
	}
	if len(update.AppendErrors) > 0 {
		merged, err := appendJSONList[InstanceError](ctx, tx, id, "errors", update.AppendErrors)
		if err != nil {
			return err
		}
		sets = append(sets, "errors = ?")
		args = append(args, merged)
	}
	if update.CancelReason != nil {
		sets = append(sets, "cancel_reason = ?")
		args = append(args, *update.CancelReason)
	}
	if update.ResumeAt != nil {
		sets = append(sets, "resume_at = ?")
		args = append(args, *update.ResumeAt)
	} else if update.ClearResumeAt {
		sets = append(sets, "resume_at = NULL")
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, *update.StartedAt)
	}
	if update.PausedAt != nil {
		sets = append(sets, "paused_at = ?")
		args = append(args, *update.PausedAt)
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, *update.CompletedAt)
	}

	if len(sets) == 0 {
		return nil
	}

	sets = append(sets, "updated_at = ?")
	args = append(args, time.Now().UTC())

	query := fmt.Sprintf(`UPDATE workflow_instances SET %s WHERE id = ?`, strings.Join(sets, ", "))
	args = append(args, id)
	if update.ExpectedStep != nil {
		query += ` AND step_number = ?`
		args = append(args, *update.ExpectedStep)
	}

	res, err := tx.ExecContext(ctx, query, args...)
	if err != nil {
		return err
	}
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		if update.ExpectedStep != nil {
			return schema.NewErrorf(schema.ErrCodeConflict,
				"instance %q modified concurrently (expected step %d)", id, *update.ExpectedStep)
		}
		return storeNotFound("instance", id)
	}
	return tx.Commit()
}

// appendJSONList reads a JSON array column within tx and appends items to it.
func appendJSONList[T any](ctx context.Context, tx *sql.Tx, id, column string, items []T) (string, error) {
	var current sql.NullString
	query := fmt.Sprintf(`SELECT %s FROM workflow_instances WHERE id = ?`, column)
	if err := tx.QueryRowContext(ctx, query, id).Scan(&current); err != nil {
		if err == sql.ErrNoRows {
			return "", storeNotFound("instance", id)
		}
		return "", err
	}
	var list []T
	if current.Valid && current.String != "" {
		if err := json.Unmarshal([]byte(current.String), &list); err != nil {
			return "", fmt.Errorf("unmarshal %s: %w", column, err)
		}
	}
	list = append(list, items...)
	raw, err := json.Marshal(list)
	if err != nil {
		return "", fmt.Errorf("marshal %s: %w", column, err)
	}
	return string(raw), nil
}

func (s *LibSQLStore) ListInstances(ctx context.Context, filter InstanceFilter) ([]*Instance, error) {
	query := `SELECT ` + instanceColumns + ` FROM workflow_instances`
	var conds []string
	var args []any

	if len(filter.Statuses) > 0 {
		placeholders := make([]string, len(filter.Statuses))
		for i, st := range filter.Statuses {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		conds = append(conds, fmt.Sprintf("status IN (%s)", strings.Join(placeholders, ", ")))
	}
	if filter.StartedAfter != nil {
		conds = append(conds, "started_at >= ?")
		args = append(args, *filter.StartedAfter)
	}
	if filter.StartedBefore != nil {
		conds = append(conds, "started_at < ?")
		args = append(args, *filter.StartedBefore)
	}
	if filter.ResumeDueBy != nil {
		conds = append(conds, "resume_at IS NOT NULL AND resume_at <= ?")
		args = append(args, *filter.ResumeDueBy)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var instances []*Instance
	for rows.Next() {
		inst, err := scanInstance(rows)
		if err != nil {
			return nil, err
		}
		instances = append(instances, inst)
	}
	return instances, rows.Err()
}

// --- TAT records ---

func (s *LibSQLStore) UpsertTATRecord(ctx context.Context, rec *TATRecord) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tat_records (entity_type, entity_id, instance_id, status, deadline_at, extended_minutes, updated_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?)
		 ON CONFLICT(entity_type, entity_id) DO UPDATE SET instance_id=excluded.instance_id, status=excluded.status, deadline_at=excluded.deadline_at, extended_minutes=excluded.extended_minutes, updated_at=excluded.updated_at`,
		rec.Entity.Type, rec.Entity.ID, nullStr(rec.InstanceID), string(rec.Status),
		rec.DeadlineAt, rec.ExtendedMinutes, time.Now().UTC(),
	)
	return err
}

func (s *LibSQLStore) GetTATRecord(ctx context.Context, entity schema.EntityRef) (*TATRecord, error) {
	rec := &TATRecord{}
	var instanceID sql.NullString
	var status string
	err := s.db.QueryRowContext(ctx,
		`SELECT entity_type, entity_id, instance_id, status, deadline_at, extended_minutes, updated_at
		 FROM tat_records WHERE entity_type = ? AND entity_id = ?`, entity.Type, entity.ID,
	).Scan(&rec.Entity.Type, &rec.Entity.ID, &instanceID, &status, &rec.DeadlineAt, &rec.ExtendedMinutes, &rec.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, storeNotFound("tat record", entity.Type+"/"+entity.ID)
	}
	if err != nil {
		return nil, err
	}
	rec.InstanceID = instanceID.String
	rec.Status = schema.TATStatus(status)
	return rec, nil
}

func (s *LibSQLStore) AppendTATAudit(ctx context.Context, entry *TATAuditEntry) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tat_audit (id, entity_type, entity_id, old_deadline, new_deadline, extension_minutes, reason, extended_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		entry.ID, entry.Entity.Type, entry.Entity.ID,
		entry.OldDeadline, entry.NewDeadline, entry.ExtensionMinutes,
		nullStr(entry.Reason), timeOrNow(entry.ExtendedAt),
	)
	return err
}

func (s *LibSQLStore) ListTATAudit(ctx context.Context, entity schema.EntityRef) ([]*TATAuditEntry, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, entity_type, entity_id, old_deadline, new_deadline, extension_minutes, reason, extended_at
		 FROM tat_audit WHERE entity_type = ? AND entity_id = ? ORDER BY extended_at`,
		entity.Type, entity.ID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []*TATAuditEntry
	for rows.Next() {
		e := &TATAuditEntry{}
		var reason sql.NullString
		if err := rows.Scan(&e.ID, &e.Entity.Type, &e.Entity.ID, &e.OldDeadline, &e.NewDeadline,
			&e.ExtensionMinutes, &reason, &e.ExtendedAt); err != nil {
			return nil, err
		}
		e.Reason = reason.String
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

// --- Notifications ---

func (s *LibSQLStore) CreateNotification(ctx context.Context, n *Notification) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO notifications (id, recipient, title, body, priority, channel, entity_type, entity_id, instance_id, created_at, read_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		n.ID, n.Recipient, n.Title, nullStr(n.Body), string(n.Priority), string(n.Channel),
		nullStr(n.Entity.Type), nullStr(n.Entity.ID), nullStr(n.InstanceID),
		timeOrNow(n.CreatedAt), nullTime(n.ReadAt),
	)
	return err
}

func (s *LibSQLStore) ListNotifications(ctx context.Context, filter NotificationFilter) ([]*Notification, error) {
	query := `SELECT id, recipient, title, body, priority, channel, entity_type, entity_id, instance_id, created_at, read_at FROM notifications`
	var conds []string
	var args []any

	if filter.Recipient != "" {
		conds = append(conds, "recipient = ?")
		args = append(args, filter.Recipient)
	}
	if filter.InstanceID != "" {
		conds = append(conds, "instance_id = ?")
		args = append(args, filter.InstanceID)
	}
	if filter.EntityType != "" {
		conds = append(conds, "entity_type = ?")
		args = append(args, filter.EntityType)
	}
	if filter.EntityID != "" {
		conds = append(conds, "entity_id = ?")
		args = append(args, filter.EntityID)
	}
	if len(conds) > 0 {
		query += " WHERE " + strings.Join(conds, " AND ")
	}
	query += " ORDER BY created_at"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var notifications []*Notification
	for rows.Next() {
		n := &Notification{}
		var body, entityType, entityID, instanceID sql.NullString
		var priority, channel string
		var readAt sql.NullTime
		if err := rows.Scan(&n.ID, &n.Recipient, &n.Title, &body, &priority, &channel,
			&entityType, &entityID, &instanceID, &n.CreatedAt, &readAt); err != nil {
			return nil, err
		}
		n.Body = body.String
		n.Priority = schema.Priority(priority)
		n.Channel = schema.Channel(channel)
		n.Entity = schema.EntityRef{Type: entityType.String, ID: entityID.String}
		n.InstanceID = instanceID.String
		if readAt.Valid {
			n.ReadAt = &readAt.Time
		}
		notifications = append(notifications, n)
	}
	return notifications, rows.Err()
}

// --- Notification marks ---

func (s *LibSQLStore) GetNotificationMark(ctx context.Context, instanceID, threshold string) (*NotificationMark, error) {
	mark := &NotificationMark{}
	err := s.db.QueryRowContext(ctx,
		`SELECT instance_id, threshold, notified_at FROM tat_notifications WHERE instance_id = ? AND threshold = ?`,
		instanceID, threshold,
	).Scan(&mark.InstanceID, &mark.Threshold, &mark.NotifiedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return mark, nil
}

func (s *LibSQLStore) PutNotificationMark(ctx context.Context, mark *NotificationMark) error {
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tat_notifications (instance_id, threshold, notified_at) VALUES (?, ?, ?)
		 ON CONFLICT(instance_id, threshold) DO UPDATE SET notified_at=excluded.notified_at`,
		mark.InstanceID, mark.Threshold, timeOrNow(mark.NotifiedAt),
	)
	return err
}

// --- Helpers ---

func storeNotFound(resource, id string) *schema.FlowError {
	return schema.NewErrorf(schema.ErrCodeNotFound, "%s %q not found", resource, id)
}

func timeOrNow(t time.Time) time.Time {
	if t.IsZero() {
		return time.Now().UTC()
	}
	return t
}

func nullTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return *t
}

func nullStr(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func marshalMapOrDefault(m map[string]any) (json.RawMessage, error) {
	if len(m) == 0 {
		return json.RawMessage("{}"), nil
	}
	return json.Marshal(m)
}

func marshalSliceOrDefault[T any](list []T) (json.RawMessage, error) {
	if len(list) == 0 {
		return json.RawMessage("[]"), nil
	}
	return json.Marshal(list)
}
