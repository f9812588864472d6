package repo

import (
	"context"
	"database/sql"
	"strings"

	"gigflow/internal/domain"
)

const ruleColumns = `id,name,description,type,trigger_event,condition,action_kind,action_config,is_active,run_count,success_count,created_at,updated_at`

func (r Repo) InsertRule(ctx context.Context, tx *sql.Tx, rule domain.AutomationRule) error {
	_, err := tx.ExecContext(ctx, `INSERT INTO automation_rules(`+ruleColumns+`) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		rule.ID, rule.Name, nullable(rule.Description), rule.Type, rule.Trigger, nullable(rule.Condition),
		rule.ActionKind, nullable(rule.ActionConfig), rule.IsActive, rule.RunCount, rule.SuccessCount,
		rule.CreatedAt, rule.UpdatedAt)
	return err
}

func (r Repo) GetRule(ctx context.Context, id string) (domain.AutomationRule, error) {
	return scanRule(r.DB.QueryRowContext(ctx, `SELECT `+ruleColumns+` FROM automation_rules WHERE id=?`, id))
}

func scanRule(row *sql.Row) (domain.AutomationRule, error) {
	var rule domain.AutomationRule
	var desc, cond, actionCfg sql.NullString
	err := row.Scan(&rule.ID, &rule.Name, &desc, &rule.Type, &rule.Trigger, &cond, &rule.ActionKind, &actionCfg,
		&rule.IsActive, &rule.RunCount, &rule.SuccessCount, &rule.CreatedAt, &rule.UpdatedAt)
	if err == sql.ErrNoRows {
		return rule, ErrNotFound
	}
	if err != nil {
		return rule, err
	}
	if desc.Valid {
		rule.Description = desc.String
	}
	if cond.Valid {
		rule.Condition = cond.String
	}
	if actionCfg.Valid {
		rule.ActionConfig = actionCfg.String
	}
	return rule, nil
}

type RuleFilters struct {
	Type    string
	Trigger string
	Active  *bool
}

func (r Repo) ListRules(ctx context.Context, f RuleFilters) ([]domain.AutomationRule, error) {
	var clauses []string
	var args []any
	if f.Type != "" {
		clauses = append(clauses, "type=?")
		args = append(args, f.Type)
	}
	if f.Trigger != "" {
		clauses = append(clauses, "trigger_event=?")
		args = append(args, f.Trigger)
	}
	if f.Active != nil {
		clauses = append(clauses, "is_active=?")
		args = append(args, *f.Active)
	}
	where := ""
	if len(clauses) > 0 {
		where = "WHERE " + strings.Join(clauses, " AND ")
	}
	query := `SELECT ` + ruleColumns + ` FROM automation_rules ` + where + ` ORDER BY created_at ASC, id ASC`
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.AutomationRule
	for rows.Next() {
		var rule domain.AutomationRule
		var desc, cond, actionCfg sql.NullString
		if err := rows.Scan(&rule.ID, &rule.Name, &desc, &rule.Type, &rule.Trigger, &cond, &rule.ActionKind, &actionCfg,
			&rule.IsActive, &rule.RunCount, &rule.SuccessCount, &rule.CreatedAt, &rule.UpdatedAt); err != nil {
			return nil, err
		}
		if desc.Valid {
			rule.Description = desc.String
		}
		if cond.Valid {
			rule.Condition = cond.String
		}
		if actionCfg.Valid {
			rule.ActionConfig = actionCfg.String
		}
		res = append(res, rule)
	}
	return res, rows.Err()
}

// UpdateRule rewrites the editable fields of a rule. Counters are never
// touched here; they only move through IncrementRunCounters.
func (r Repo) UpdateRule(ctx context.Context, rule domain.AutomationRule) error {
	res, err := r.DB.ExecContext(ctx, `UPDATE automation_rules SET name=?, description=?, type=?, trigger_event=?, condition=?, action_kind=?, action_config=?, is_active=?, updated_at=? WHERE id=?`,
		rule.Name, nullable(rule.Description), rule.Type, rule.Trigger, nullable(rule.Condition),
		rule.ActionKind, nullable(rule.ActionConfig), rule.IsActive, rule.UpdatedAt, rule.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

func (r Repo) DeleteRule(ctx context.Context, id string) error {
	res, err := r.DB.ExecContext(ctx, `DELETE FROM automation_rules WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// IncrementRunCounters bumps run_count and, on success, success_count in a
// single conditional update so concurrent executions never lose increments.
func (r Repo) IncrementRunCounters(ctx context.Context, tx *sql.Tx, id string, success bool, updatedAt string) (int64, int64, error) {
	successDelta := 0
	if success {
		successDelta = 1
	}
	exec := func(query string, args ...any) (sql.Result, error) {
		if tx != nil {
			return tx.ExecContext(ctx, query, args...)
		}
		return r.DB.ExecContext(ctx, query, args...)
	}
	res, err := exec(`UPDATE automation_rules SET run_count=run_count+1, success_count=success_count+?, updated_at=? WHERE id=?`,
		successDelta, updatedAt, id)
	if err != nil {
		return 0, 0, err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return 0, 0, ErrNotFound
	}
	var runCount, successCount int64
	var row *sql.Row
	if tx != nil {
		row = tx.QueryRowContext(ctx, `SELECT run_count,success_count FROM automation_rules WHERE id=?`, id)
	} else {
		row = r.DB.QueryRowContext(ctx, `SELECT run_count,success_count FROM automation_rules WHERE id=?`, id)
	}
	if err := row.Scan(&runCount, &successCount); err != nil {
		return 0, 0, err
	}
	return runCount, successCount, nil
}
