package db

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/cosialm/hermitta/internal/reminder"
)

// RuleRepository is the reminder rule store.
type RuleRepository struct {
	db     *DB
	logger *zap.Logger
}

func NewRuleRepository(db *DB, logger *zap.Logger) *RuleRepository {
	return &RuleRepository{db: db, logger: logger}
}

// ListActiveRules retrieves every active reminder rule across landlords.
func (r *RuleRepository) ListActiveRules(ctx context.Context) ([]*reminder.Rule, error) {
	query := `
		SELECT id, landlord_id, template_id, days_offset, offset_relative_to,
		       send_time_hour, send_time_minute, is_active
		FROM reminder_rules
		WHERE is_active
		ORDER BY id
	`

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("query reminder rules: %w", err)
	}
	defer rows.Close()

	var rules []*reminder.Rule
	for rows.Next() {
		var rule reminder.Rule
		err := rows.Scan(
			&rule.ID,
			&rule.LandlordID,
			&rule.TemplateID,
			&rule.DaysOffset,
			&rule.RelativeTo,
			&rule.SendHour,
			&rule.SendMinute,
			&rule.IsActive,
		)
		if err != nil {
			return nil, fmt.Errorf("scan reminder rule: %w", err)
		}
		rules = append(rules, &rule)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate reminder rules: %w", err)
	}
	return rules, nil
}
