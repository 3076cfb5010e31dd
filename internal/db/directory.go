package db

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"go.uber.org/zap"
)

var (
	ErrUserNotFound     = errors.New("user not found")
	ErrPropertyNotFound = errors.New("property not found")
	ErrTemplateNotFound = errors.New("template not found")
)

// fallbackLanguage is used when no template variant exists for the
// recipient's preference.
const fallbackLanguage = "en"

// Directory provides read-only access to users, properties and message
// templates. The rows are owned by the surrounding CRUD application;
// this service only reads them to populate render context and select
// delivery addresses.
type Directory struct {
	db     *DB
	logger *zap.Logger
}

func NewDirectory(db *DB, logger *zap.Logger) *Directory {
	return &Directory{db: db, logger: logger}
}

// GetUser retrieves a user by ID.
func (d *Directory) GetUser(ctx context.Context, id int64) (*User, error) {
	var u User
	err := d.db.Pool().QueryRow(ctx, `
		SELECT id, full_name, email, phone, COALESCE(webhook_url, ''), language, preferred_method
		FROM users WHERE id = $1
	`, id).Scan(&u.ID, &u.FullName, &u.Email, &u.Phone, &u.WebhookURL, &u.Language, &u.PreferredMethod)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrUserNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query user: %w", err)
	}
	return &u, nil
}

// GetProperty retrieves a property by ID.
func (d *Directory) GetProperty(ctx context.Context, id int64) (*Property, error) {
	var p Property
	err := d.db.Pool().QueryRow(ctx, `
		SELECT id, name, address FROM properties WHERE id = $1
	`, id).Scan(&p.ID, &p.Name, &p.Address)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d", ErrPropertyNotFound, id)
	}
	if err != nil {
		return nil, fmt.Errorf("query property: %w", err)
	}
	return &p, nil
}

// GetTemplate retrieves the template variant for a language, falling
// back to the default language when the preferred one is missing.
func (d *Directory) GetTemplate(ctx context.Context, id int64, language string) (*Template, error) {
	t, err := d.getTemplateVariant(ctx, id, language)
	if err == nil {
		return t, nil
	}
	if !errors.Is(err, ErrTemplateNotFound) || language == fallbackLanguage {
		return nil, err
	}

	d.logger.Debug("template language missing, using fallback",
		zap.Int64("template_id", id),
		zap.String("language", language),
	)
	return d.getTemplateVariant(ctx, id, fallbackLanguage)
}

func (d *Directory) getTemplateVariant(ctx context.Context, id int64, language string) (*Template, error) {
	var t Template
	err := d.db.Pool().QueryRow(ctx, `
		SELECT template_id, language, subject, body, required_placeholders
		FROM notification_templates
		WHERE template_id = $1 AND language = $2
	`, id, language).Scan(&t.ID, &t.Language, &t.Subject, &t.Body, &t.RequiredPlaceholders)
	if err == pgx.ErrNoRows {
		return nil, fmt.Errorf("%w: %d (%s)", ErrTemplateNotFound, id, language)
	}
	if err != nil {
		return nil, fmt.Errorf("query template: %w", err)
	}
	return &t, nil
}
