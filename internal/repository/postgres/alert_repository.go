package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"security-core/internal/models"
)

const alertColumns = `id, title, description, severity, category, rule, source_ip, user_id,
	status, assigned_to, correlation_id, related_alerts, indicators, recommended_actions,
	confidence, created_at, updated_at`

type rowScanner interface {
	Scan(dest ...any) error
}

func (s *Store) InsertAlert(ctx context.Context, a *models.SecurityAlert) error {
	if err := s.ready(); err != nil {
		return err
	}

	related, err := jsonb(a.RelatedAlerts)
	if err != nil {
		return err
	}
	indicators, err := jsonb(a.Indicators)
	if err != nil {
		return err
	}
	actions, err := jsonb(a.RecommendedActions)
	if err != nil {
		return err
	}

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	_, err = s.db.ExecContext(ctx, `
		insert into security_alerts (`+alertColumns+`)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17)
	`,
		a.ID, a.Title, a.Description, string(a.Severity), string(a.Category), a.Rule,
		nullIfEmpty(a.SourceIP), nullIfEmpty(a.UserID), string(a.Status), nullIfEmpty(a.AssignedTo),
		nullIfEmpty(a.CorrelationID), related, indicators, actions, a.Confidence, a.Timestamp, a.UpdatedAt,
	)
	return classify("insert alert", err)
}

func (s *Store) GetAlert(ctx context.Context, id string) (*models.SecurityAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `select `+alertColumns+` from security_alerts where id = $1`, id)
	a, err := scanAlert(row)
	if err != nil {
		return nil, classify("get alert", err)
	}
	return a, nil
}

// UpdateAlertStatus returns models.ErrNotFound for unknown ids. An empty
// assignedTo keeps the current assignee.
func (s *Store) UpdateAlertStatus(ctx context.Context, id string, status models.AlertStatus, assignedTo string, at time.Time) (*models.SecurityAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}
	ctx, cancel := s.opContext(ctx)
	defer cancel()

	row := s.db.QueryRowContext(ctx, `
		update security_alerts
		set status = $2, assigned_to = coalesce($3, assigned_to), updated_at = $4
		where id = $1
		returning `+alertColumns,
		id, string(status), nullIfEmpty(assignedTo), at)
	a, err := scanAlert(row)
	if err != nil {
		return nil, classify("update alert status", err)
	}
	return a, nil
}

// ListAlerts returns matching alerts newest first.
func (s *Store) ListAlerts(ctx context.Context, f models.AlertFilter) ([]*models.SecurityAlert, error) {
	if err := s.ready(); err != nil {
		return nil, err
	}

	var (
		where []string
		args  []any
	)
	if f.Status != "" {
		args = append(args, string(f.Status))
		where = append(where, fmt.Sprintf("status = $%d", len(args)))
	}
	if f.Category != "" {
		args = append(args, string(f.Category))
		where = append(where, fmt.Sprintf("category = $%d", len(args)))
	}
	if f.SourceIP != "" {
		args = append(args, f.SourceIP)
		where = append(where, fmt.Sprintf("source_ip = $%d", len(args)))
	}
	limit := f.Limit
	if limit <= 0 || limit > 500 {
		limit = 50
	}

	query := `select ` + alertColumns + ` from security_alerts`
	if len(where) > 0 {
		query += ` where ` + strings.Join(where, " and ")
	}
	args = append(args, limit)
	query += fmt.Sprintf(` order by created_at desc limit $%d`, len(args))

	ctx, cancel := s.opContext(ctx)
	defer cancel()

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, classify("list alerts", err)
	}
	defer rows.Close()

	var result []*models.SecurityAlert
	for rows.Next() {
		a, err := scanAlert(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, a)
	}
	return result, rows.Err()
}

func scanAlert(row rowScanner) (*models.SecurityAlert, error) {
	var (
		a                                  models.SecurityAlert
		severity, category, status         string
		sourceIP, userID, assignee, corrID sql.NullString
		relatedRaw, indicatorsRaw, actsRaw []byte
	)
	if err := row.Scan(
		&a.ID, &a.Title, &a.Description, &severity, &category, &a.Rule, &sourceIP, &userID,
		&status, &assignee, &corrID, &relatedRaw, &indicatorsRaw, &actsRaw,
		&a.Confidence, &a.Timestamp, &a.UpdatedAt,
	); err != nil {
		return nil, err
	}
	a.Severity = models.ThreatLevel(severity)
	a.Category = models.ThreatCategory(category)
	a.Status = models.AlertStatus(status)
	a.SourceIP, a.UserID, a.AssignedTo, a.CorrelationID = sourceIP.String, userID.String, assignee.String, corrID.String

	for _, f := range []struct {
		raw    []byte
		target *[]string
	}{
		{relatedRaw, &a.RelatedAlerts},
		{indicatorsRaw, &a.Indicators},
		{actsRaw, &a.RecommendedActions},
	} {
		if err := decodeJSON(f.raw, f.target); err != nil {
			return nil, err
		}
	}
	return &a, nil
}
