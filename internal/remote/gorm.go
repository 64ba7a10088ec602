package remote

import (
	"context"
	stderrors "errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"
	"gorm.io/gorm/logger"

	apperrors "github.com/cowebsLB/dental-clinic-software-system/internal/errors"
	"github.com/cowebsLB/dental-clinic-software-system/internal/logging"
	"github.com/cowebsLB/dental-clinic-software-system/internal/models"
)

// GormConfig selects the server database.
type GormConfig struct {
	Driver string // "sqlite" or "postgres"
	DSN    string
	LogSQL bool
}

// OpenGorm opens the server database for driver.
func OpenGorm(cfg GormConfig) (*gorm.DB, error) {
	var dialector gorm.Dialector
	switch cfg.Driver {
	case "postgres":
		dialector = postgres.Open(cfg.DSN)
	case "sqlite", "":
		dialector = sqlite.Open(cfg.DSN)
	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}

	lvl := logger.Silent
	if cfg.LogSQL {
		lvl = logger.Info
	}
	return gorm.Open(dialector, &gorm.Config{
		Logger: logger.New(log.New(log.Writer(), "", log.LstdFlags), logger.Config{
			SlowThreshold:             200 * time.Millisecond,
			LogLevel:                  lvl,
			IgnoreRecordNotFoundError: true,
			Colorful:                  false,
		}),
		TranslateError: true,
	})
}

// GormStore serves the remote tables from a relational database.
type GormStore struct {
	db  *gorm.DB
	log *logging.Logger

	mu      sync.RWMutex
	columns map[string]map[string]bool
}

// NewGormStore wraps db. Call Migrate before serving requests.
func NewGormStore(db *gorm.DB) *GormStore {
	return &GormStore{
		db:      db,
		log:     logging.WithComponent("remote_store"),
		columns: make(map[string]map[string]bool),
	}
}

// Migrate creates or alters the served tables.
func (s *GormStore) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(schemaModels()...); err != nil {
		return fmt.Errorf("failed to migrate remote schema: %w", err)
	}
	s.mu.Lock()
	s.columns = make(map[string]map[string]bool)
	s.mu.Unlock()
	return nil
}

func (s *GormStore) Select(ctx context.Context, table string, q Query) ([]models.Record, error) {
	cols, err := s.tableColumns(table)
	if err != nil {
		return nil, err
	}

	tx := s.db.WithContext(ctx).Table(table)
	for col, v := range q.Eq {
		if !cols[col] {
			return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %s.%s", table, col)
		}
		tx = tx.Where(clause.Eq{Column: clause.Column{Name: col}, Value: v})
	}
	order := q.OrderBy
	if order == "" {
		order = models.ColID
	}
	if !cols[order] {
		return nil, apperrors.Newf(apperrors.ErrInvalid, "unknown column %s.%s", table, order)
	}
	tx = tx.Order(clause.OrderByColumn{Column: clause.Column{Name: order}, Desc: q.Desc})
	if q.Limit > 0 {
		tx = tx.Limit(q.Limit)
	}

	var rows []map[string]any
	if err := tx.Find(&rows).Error; err != nil {
		return nil, translate(err, "failed to select from "+table)
	}
	out := make([]models.Record, 0, len(rows))
	for _, r := range rows {
		out = append(out, fromRow(r))
	}
	return out, nil
}

func (s *GormStore) Get(ctx context.Context, table, id string) (models.Record, error) {
	if _, err := s.tableColumns(table); err != nil {
		return nil, err
	}
	return s.get(s.db.WithContext(ctx), table, id)
}

func (s *GormStore) get(tx *gorm.DB, table, id string) (models.Record, error) {
	var rows []map[string]any
	if err := tx.Table(table).Where("id = ?", id).Limit(1).Find(&rows).Error; err != nil {
		return nil, translate(err, "failed to read "+table)
	}
	if len(rows) == 0 {
		return nil, apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	return fromRow(rows[0]), nil
}

func (s *GormStore) Insert(ctx context.Context, table string, row models.Record) (models.Record, error) {
	cols, err := s.tableColumns(table)
	if err != nil {
		return nil, err
	}
	values, err := s.project(table, cols, row)
	if err != nil {
		return nil, err
	}
	id := row.ID()
	if id == "" {
		return nil, apperrors.New(apperrors.ErrInvalid, "row has no id")
	}
	values[models.ColID] = id

	var out models.Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.get(tx, table, id); err == nil {
			return apperrors.Newf(apperrors.ErrDuplicate, "%s/%s already exists", table, id)
		} else if !apperrors.IsNotFound(err) {
			return err
		}
		if err := tx.Table(table).Create(map[string]any(values)).Error; err != nil {
			return translate(err, "failed to insert into "+table)
		}
		out, err = s.get(tx, table, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Update(ctx context.Context, table, id string, row models.Record) (models.Record, error) {
	cols, err := s.tableColumns(table)
	if err != nil {
		return nil, err
	}
	values, err := s.project(table, cols, row)
	if err != nil {
		return nil, err
	}
	delete(values, models.ColID)

	var out models.Record
	err = s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if _, err := s.get(tx, table, id); err != nil {
			return err
		}
		if len(values) > 0 {
			if err := tx.Table(table).Where("id = ?", id).Updates(map[string]any(values)).Error; err != nil {
				return translate(err, "failed to update "+table)
			}
		}
		out, err = s.get(tx, table, id)
		return err
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

func (s *GormStore) Delete(ctx context.Context, table, id string) error {
	if _, err := s.tableColumns(table); err != nil {
		return err
	}
	res := s.db.WithContext(ctx).Exec("DELETE FROM ? WHERE id = ?", clause.Table{Name: table}, id)
	if res.Error != nil {
		return translate(res.Error, "failed to delete from "+table)
	}
	if res.RowsAffected == 0 {
		return apperrors.Newf(apperrors.ErrNotFound, "%s/%s not found", table, id)
	}
	return nil
}

func (s *GormStore) Ping(ctx context.Context) error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return apperrors.Wrap(apperrors.ErrInternal, "database handle unavailable", err)
	}
	if err := sqlDB.PingContext(ctx); err != nil {
		return apperrors.Wrap(apperrors.ErrTransient, "database unreachable", err)
	}
	return nil
}

// tableColumns returns the column set of a served table.
func (s *GormStore) tableColumns(table string) (map[string]bool, error) {
	if err := checkTable(table); err != nil {
		return nil, err
	}
	s.mu.RLock()
	cols, ok := s.columns[table]
	s.mu.RUnlock()
	if ok {
		return cols, nil
	}

	types, err := s.db.Migrator().ColumnTypes(table)
	if err != nil {
		return nil, apperrors.Wrap(apperrors.ErrInternal, "failed to inspect "+table, err)
	}
	cols = make(map[string]bool, len(types))
	for _, ct := range types {
		cols[ct.Name()] = true
	}

	s.mu.Lock()
	s.columns[table] = cols
	s.mu.Unlock()
	return cols, nil
}

// project normalizes row and drops keys that are not columns of table.
func (s *GormStore) project(table string, cols map[string]bool, row models.Record) (models.Record, error) {
	clean, err := normalizeRow(row)
	if err != nil {
		return nil, err
	}
	for k := range clean {
		if !cols[k] {
			s.log.Debug("dropping unknown column", map[string]interface{}{"table": table, "column": k})
			delete(clean, k)
		}
	}
	return clean, nil
}

func fromRow(r map[string]any) models.Record {
	out := make(models.Record, len(r))
	for k, v := range r {
		if b, ok := v.([]byte); ok {
			v = string(b)
		}
		out[k] = v
	}
	return out
}

// translate maps driver errors onto error kinds.
func translate(err error, msg string) error {
	switch {
	case stderrors.Is(err, gorm.ErrDuplicatedKey):
		return apperrors.Wrap(apperrors.ErrDuplicate, msg, err)
	case stderrors.Is(err, gorm.ErrRecordNotFound):
		return apperrors.Wrap(apperrors.ErrNotFound, msg, err)
	case stderrors.Is(err, context.DeadlineExceeded), stderrors.Is(err, context.Canceled):
		return apperrors.Wrap(apperrors.ErrTransient, msg, err)
	case strings.Contains(strings.ToLower(err.Error()), "unique constraint"):
		return apperrors.Wrap(apperrors.ErrDuplicate, msg, err)
	default:
		return apperrors.Wrap(apperrors.ErrInternal, msg, err)
	}
}

var _ Store = (*GormStore)(nil)
