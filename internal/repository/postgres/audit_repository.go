package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"

	"security-core/internal/models"
)

const auditColumns = `id, category, event_type, user_id, email, description, ip_address,
	resource_type, resource_id, action, old_values, new_values, success, severity,
	occurred_at, compliance_tags, additional_data`

// InsertAuditEvent appends one row to the audit trail.
func (s *Store) InsertAuditEvent(ctx context.Context, e *models.AuditEvent) error {
	if err := s.ready(); err != nil {
		return err
	}

	oldValues, err := jsonb(e.OldValues)
	if err != nil {
		return err
	}
	newValues, err := jsonb(e.NewValues)
	if err != nil {
		return err
	}
	tags, err := jsonb(e.ComplianceTags)
	if err != nil {
		return err
	}
	additional, err := jsonb(e.AdditionalData)
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		insert into audit_events (`+auditColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
		on conflict (id) do nothing
	`,
		e.ID, e.Category, e.EventType, nullIfEmpty(e.UserID), nullIfEmpty(e.Email), e.Description,
		nullIfEmpty(e.IPAddress), nullIfEmpty(e.ResourceType), nullIfEmpty(e.ResourceID), nullIfEmpty(e.Action),
		oldValues, newValues, e.Success, string(e.Severity), e.Timestamp, tags, additional,
	)
	return classify("insert audit event", err)
}

// QueryAuditEvents returns matching events newest first.
func (s *Store) QueryAuditEvents(ctx context.Context, f models.AuditFilter) ([]*models.AuditEvent, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	add := func(clause string, v any) {
		args = append(args, v)
		where = append(where, fmt.Sprintf(clause, len(args)))
	}
	if f.UserID != "" {
		add("user_id = $%d", f.UserID)
	}
	if f.EventType != "" {
		add("event_type = $%d", f.EventType)
	}
	if f.IPAddress != "" {
		add("ip_address = $%d", f.IPAddress)
	}
	if !f.Since.IsZero() {
		add("occurred_at >= $%d", f.Since)
	}
	if !f.Until.IsZero() {
		add("occurred_at < $%d", f.Until)
	}

	limit := f.Limit
	if limit <= 0 || limit > 1000 {
		limit = 100
	}

	query := `select ` + auditColumns + ` from audit_events`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by occurred_at desc limit $%d`, len(args))

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("query audit events", err)
	}
	defer rows.Close()

	var result []*models.AuditEvent
	for rows.Next() {
		e, err := scanAuditEvent(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, e)
	}
	return result, rows.Err()
}

func scanAuditEvent(rows *sql.Rows) (*models.AuditEvent, error) {
	var (
		e                                         models.AuditEvent
		userID, email, ip, resType, resID, action sql.NullString
		severity                                  string
		oldRaw, newRaw, tagsRaw, additionalRaw    []byte
	)
	if err := rows.Scan(
		&e.ID, &e.Category, &e.EventType, &userID, &email, &e.Description, &ip,
		&resType, &resID, &action, &oldRaw, &newRaw, &e.Success, &severity,
		&e.Timestamp, &tagsRaw, &additionalRaw,
	); err != nil {
		return nil, err
	}
	e.UserID, e.Email, e.IPAddress = userID.String, email.String, ip.String
	e.ResourceType, e.ResourceID, e.Action = resType.String, resID.String, action.String
	e.Severity = models.ThreatLevel(severity)

	if err := decodeJSON(oldRaw, &e.OldValues); err != nil {
		return nil, err
	}
	if err := decodeJSON(newRaw, &e.NewValues); err != nil {
		return nil, err
	}
	if err := decodeJSON(tagsRaw, &e.ComplianceTags); err != nil {
		return nil, err
	}
	if err := decodeJSON(additionalRaw, &e.AdditionalData); err != nil {
		return nil, err
	}
	return &e, nil
}
