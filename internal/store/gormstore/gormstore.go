// Package gormstore implements store.Store on GORM, with PostgreSQL for
// deployments and SQLite for local files and tests.
package gormstore

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	gormlogger "gorm.io/gorm/logger"

	"github.com/Enucatl/send-bills/internal/models"
	"github.com/Enucatl/send-bills/internal/reference"
	"github.com/Enucatl/send-bills/internal/store"
	apperrors "github.com/Enucatl/send-bills/pkg/errors"
	"github.com/Enucatl/send-bills/pkg/logger"
)

const (
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config selects the database.
type Config struct {
	Driver string `mapstructure:"driver" validate:"required,oneof=sqlite postgres"`
	DSN    string `mapstructure:"dsn" validate:"required"`
	// Debug logs every statement.
	Debug  bool          `mapstructure:"debug"`
	Logger logger.Logger `mapstructure:"-"`
}

// Store is a GORM-backed store.
type Store struct {
	queries
}

var _ store.Store = (*Store)(nil)

// Open connects to the configured database. It does not migrate.
func Open(cfg Config) (*Store, error) {
	var dialector gorm.Dialector
	switch strings.ToLower(cfg.Driver) {
	case DriverSQLite:
		dialector = sqlite.Open(cfg.DSN)
	case DriverPostgres:
		dialector = postgres.Open(cfg.DSN)
	default:
		return nil, apperrors.ConfigurationError(apperrors.CodeInvalidConfig, "database.driver", cfg.Driver, nil)
	}

	log := cfg.Logger
	if log == nil {
		log = logger.GetGlobalLogger()
	}
	level := gormlogger.Warn
	if cfg.Debug {
		level = gormlogger.Info
	}

	db, err := gorm.Open(dialector, &gorm.Config{
		TranslateError: true,
		Logger: gormlogger.New(gormWriter{log: log.WithComponent("gorm")}, gormlogger.Config{
			SlowThreshold:             500 * time.Millisecond,
			LogLevel:                  level,
			IgnoreRecordNotFoundError: true,
		}),
	})
	if err != nil {
		return nil, apperrors.Downstream(apperrors.CodePersistenceFailed, "open database", err)
	}
	return &Store{queries{db: db}}, nil
}

// Migrate creates or updates every table.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(models.AllModels()...); err != nil {
		return store.Failed("migrate", err)
	}
	return nil
}

// Atomically runs fn in a database transaction.
func (s *Store) Atomically(ctx context.Context, fn func(tx store.Tx) error) error {
	var inner error
	err := s.db.WithContext(ctx).Transaction(func(db *gorm.DB) error {
		inner = fn(&tx{queries{db: db}})
		return inner
	})
	if err != nil && inner == nil {
		return store.Failed("commit", err)
	}
	return err
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

type gormWriter struct {
	log logger.Logger
}

func (w gormWriter) Printf(format string, args ...interface{}) {
	w.log.Debugf(format, args...)
}

// queries implements store.Reader for both the pool and a transaction.
type queries struct {
	db *gorm.DB
}

func first[T any](ctx context.Context, db *gorm.DB, code apperrors.ErrorCode, kind, id string) (*T, error) {
	var out T
	err := db.WithContext(ctx).First(&out, "id = ?", id).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, apperrors.NotFound(code, kind, id)
	}
	if err != nil {
		return nil, store.Failed("load "+kind, err)
	}
	return &out, nil
}

func (q queries) GetCreditor(ctx context.Context, id string) (*models.Creditor, error) {
	return first[models.Creditor](ctx, q.db, apperrors.CodeCreditorNotFound, "creditor", id)
}

func (q queries) GetContact(ctx context.Context, id string) (*models.Contact, error) {
	return first[models.Contact](ctx, q.db, apperrors.CodeContactNotFound, "contact", id)
}

func (q queries) GetTemplate(ctx context.Context, id string) (*models.RecurringTemplate, error) {
	return first[models.RecurringTemplate](ctx, q.db, apperrors.CodeTemplateNotFound, "template", id)
}

func (q queries) GetBill(ctx context.Context, id string) (*models.Bill, error) {
	return first[models.Bill](ctx, q.db, apperrors.CodeBillNotFound, "bill", id)
}

func (q queries) ListCreditors(ctx context.Context) ([]*models.Creditor, error) {
	var out []*models.Creditor
	if err := q.db.WithContext(ctx).Order("name").Find(&out).Error; err != nil {
		return nil, store.Failed("list creditors", err)
	}
	return out, nil
}

func (q queries) ActiveTemplates(ctx context.Context) ([]*models.RecurringTemplate, error) {
	var out []*models.RecurringTemplate
	err := q.db.WithContext(ctx).Where("active = ?", true).Order("start_date, id").Find(&out).Error
	if err != nil {
		return nil, store.Failed("list templates", err)
	}
	return out, nil
}

func (q queries) BillsByStatus(ctx context.Context, statuses ...models.BillStatus) ([]*models.Bill, error) {
	var out []*models.Bill
	if len(statuses) == 0 {
		return out, nil
	}
	names := make([]string, len(statuses))
	for i, st := range statuses {
		names[i] = string(st)
	}
	err := q.db.WithContext(ctx).Where("status IN ?", names).Order("issue_date, reference").Find(&out).Error
	if err != nil {
		return nil, store.Failed("list bills", err)
	}
	return out, nil
}

func (q queries) BillsByReferences(ctx context.Context, references []string) ([]*models.Bill, error) {
	var out []*models.Bill
	if len(references) == 0 {
		return out, nil
	}
	normalized := make([]string, len(references))
	for i, r := range references {
		normalized[i] = reference.Normalize(r)
	}
	err := q.db.WithContext(ctx).Where("reference IN ?", normalized).Order("issue_date, reference").Find(&out).Error
	if err != nil {
		return nil, store.Failed("find bills by reference", err)
	}
	return out, nil
}

func (q queries) BillForOccurrence(ctx context.Context, templateID string, occurrence time.Time) (*models.Bill, error) {
	var out []*models.Bill
	err := q.db.WithContext(ctx).Where("template_id = ? AND occurrence = ?", templateID, occurrence).Limit(1).Find(&out).Error
	if err != nil {
		return nil, store.Failed("find bill for occurrence", err)
	}
	if len(out) == 0 {
		return nil, nil
	}
	return out[0], nil
}

func (q queries) HasPayment(ctx context.Context, billID, fingerprint string) (bool, error) {
	var count int64
	err := q.db.WithContext(ctx).Model(&models.Payment{}).
		Where("bill_id = ? AND fingerprint = ?", billID, fingerprint).Count(&count).Error
	if err != nil {
		return false, store.Failed("check payment", err)
	}
	return count > 0, nil
}

func (q queries) PaymentsForBill(ctx context.Context, billID string) ([]*models.Payment, error) {
	var out []*models.Payment
	if err := q.db.WithContext(ctx).Where("bill_id = ?", billID).Order("value_date").Find(&out).Error; err != nil {
		return nil, store.Failed("list payments", err)
	}
	return out, nil
}

func (q queries) AuditEntries(ctx context.Context, runID string) ([]*models.AuditEntry, error) {
	var out []*models.AuditEntry
	if err := q.db.WithContext(ctx).Where("run_id = ?", runID).Order("line").Find(&out).Error; err != nil {
		return nil, store.Failed("list audit entries", err)
	}
	return out, nil
}

type tx struct {
	queries
}

func (t *tx) SaveCreditor(ctx context.Context, c *models.Creditor) error {
	if err := t.db.WithContext(ctx).Save(c).Error; err != nil {
		return store.Failed("save creditor", err)
	}
	return nil
}

func (t *tx) SaveContact(ctx context.Context, c *models.Contact) error {
	if err := t.db.WithContext(ctx).Save(c).Error; err != nil {
		return store.Failed("save contact", err)
	}
	return nil
}

func (t *tx) SaveTemplate(ctx context.Context, tmpl *models.RecurringTemplate) error {
	if err := t.db.WithContext(ctx).Save(tmpl).Error; err != nil {
		return store.Failed("save template", err)
	}
	return nil
}

func (t *tx) NextSequence(ctx context.Context, creditorID string) (uint64, error) {
	db := t.db.WithContext(ctx)
	res := db.Model(&models.Creditor{}).Where("id = ?", creditorID).
		UpdateColumn("reference_sequence", gorm.Expr("reference_sequence + 1"))
	if res.Error != nil {
		return 0, store.Failed("increment reference sequence", res.Error)
	}
	if res.RowsAffected == 0 {
		return 0, apperrors.NotFound(apperrors.CodeCreditorNotFound, "creditor", creditorID)
	}

	var c models.Creditor
	if err := db.Select("reference_sequence").First(&c, "id = ?", creditorID).Error; err != nil {
		return 0, store.Failed("read reference sequence", err)
	}
	return c.ReferenceSequence, nil
}

func (t *tx) CreateBill(ctx context.Context, b *models.Bill) error {
	if b.Version == 0 {
		b.Version = 1
	}
	err := t.db.WithContext(ctx).Create(b).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.Duplicate("create bill")
	}
	if err != nil {
		return store.Failed("create bill", err)
	}
	return nil
}

func (t *tx) UpdateBill(ctx context.Context, b *models.Bill) error {
	next := *b
	next.Version = b.Version + 1

	res := t.db.WithContext(ctx).Model(&next).Where("version = ?", b.Version).
		Select("*").Omit("CreatedAt").Updates(&next)
	if res.Error != nil {
		return store.Failed("update bill", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetBill(ctx, b.ID); err != nil {
			return err
		}
		return store.Stale("update bill")
	}
	*b = next
	return nil
}

func (t *tx) AdvanceTemplate(ctx context.Context, tmpl *models.RecurringTemplate, occurrence time.Time) error {
	now := time.Now()
	res := t.db.WithContext(ctx).Model(&models.RecurringTemplate{}).
		Where("id = ? AND version = ?", tmpl.ID, tmpl.Version).
		Updates(map[string]interface{}{
			"last_generated": occurrence,
			"version":        tmpl.Version + 1,
			"updated_at":     now,
		})
	if res.Error != nil {
		return store.Failed("advance template", res.Error)
	}
	if res.RowsAffected == 0 {
		if _, err := t.GetTemplate(ctx, tmpl.ID); err != nil {
			return err
		}
		return store.Stale("advance template")
	}
	tmpl.LastGenerated = &occurrence
	tmpl.Version++
	tmpl.UpdatedAt = now
	return nil
}

func (t *tx) RecordPayment(ctx context.Context, p *models.Payment) error {
	err := t.db.WithContext(ctx).Create(p).Error
	if errors.Is(err, gorm.ErrDuplicatedKey) {
		return store.Duplicate("record payment")
	}
	if err != nil {
		return store.Failed("record payment", err)
	}
	return nil
}

func (t *tx) RecordAudit(ctx context.Context, e *models.AuditEntry) error {
	if err := t.db.WithContext(ctx).Create(e).Error; err != nil {
		return store.Failed(fmt.Sprintf("record audit for row %d", e.Row), err)
	}
	return nil
}
