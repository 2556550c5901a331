// Package persistence loads and saves the user and project tables with
// gorm, on SQLite by default or on Postgres.
package persistence

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/Tyrowin/taskboard/internal/chanalloc"
	"github.com/Tyrowin/taskboard/internal/workflow"
	"go.uber.org/zap"
	"gorm.io/driver/postgres"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	_ "modernc.org/sqlite" // pure Go SQLite driver
)

// Open connects to dsn. DSNs starting with postgres:// or postgresql://
// select Postgres; anything else is a SQLite file path.
func Open(dsn string) (*gorm.DB, error) {
	config := &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	}

	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		db, err := gorm.Open(postgres.Open(dsn), config)
		if err != nil {
			return nil, fmt.Errorf("failed to connect to postgres: %w", err)
		}
		return db, nil
	}

	sep := "?"
	if strings.Contains(dsn, "?") {
		sep = "&"
	}
	sqlDB, err := sql.Open("sqlite", dsn+sep+"_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open sqlite database: %w", err)
	}
	db, err := gorm.Open(sqlite.Dialector{Conn: sqlDB}, config)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := db.Exec("PRAGMA journal_mode = WAL;").Error; err != nil {
		return nil, fmt.Errorf("failed to enable WAL mode: %w", err)
	}

	// SQLite only supports one writer at a time
	sqlDB.SetMaxOpenConns(1)
	sqlDB.SetMaxIdleConns(1)
	sqlDB.SetConnMaxLifetime(time.Hour)
	return db, nil
}

// Allocator hands out chat channels for restored projects.
type Allocator interface {
	Allocate() (chanalloc.Channel, error)
}

// Store reads and writes whole snapshots.
type Store struct {
	db  *gorm.DB
	log *zap.SugaredLogger
}

// NewStore wraps db.
func NewStore(db *gorm.DB, log *zap.Logger) *Store {
	if log == nil {
		log = zap.NewNop()
	}
	return &Store{db: db, log: log.Sugar().Named("persistence")}
}

// Migrate creates or updates the tables.
func (s *Store) Migrate(ctx context.Context) error {
	if err := s.db.WithContext(ctx).AutoMigrate(&UserRow{}, &ProjectRow{}, &CardRow{}); err != nil {
		return fmt.Errorf("failed to migrate database: %w", err)
	}
	return nil
}

// Load reads the stored snapshot. Every project gets a fresh channel from
// alloc.
func (s *Store) Load(ctx context.Context, alloc Allocator) (workflow.Snapshot, error) {
	var users []UserRow
	if err := s.db.WithContext(ctx).Order("position").Find(&users).Error; err != nil {
		return workflow.Snapshot{}, fmt.Errorf("failed to load users: %w", err)
	}

	var projects []ProjectRow
	err := s.db.WithContext(ctx).
		Preload("Cards", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Order("position").
		Find(&projects).Error
	if err != nil {
		return workflow.Snapshot{}, fmt.Errorf("failed to load projects: %w", err)
	}

	snap := workflow.Snapshot{
		Users:    make([]workflow.UserRecord, 0, len(users)),
		Projects: make([]workflow.ProjectRecord, 0, len(projects)),
	}
	for _, u := range users {
		snap.Users = append(snap.Users, workflow.UserRecord{Nickname: u.Nickname, Verifier: u.Verifier})
	}
	for _, p := range projects {
		ch, err := alloc.Allocate()
		if err != nil {
			return workflow.Snapshot{}, fmt.Errorf("allocate channel for project %q: %w", p.Name, err)
		}
		rec := workflow.ProjectRecord{
			Name:    p.Name,
			Members: p.Members,
			Cards:   make([]workflow.CardView, 0, len(p.Cards)),
			Channel: ch,
		}
		for _, c := range p.Cards {
			history := make([]workflow.List, 0, len(c.History))
			for _, h := range c.History {
				history = append(history, workflow.List(h))
			}
			rec.Cards = append(rec.Cards, workflow.CardView{Name: c.Name, Description: c.Description, History: history})
		}
		snap.Projects = append(snap.Projects, rec)
	}

	s.log.Infow("snapshot loaded", "users", len(snap.Users), "projects", len(snap.Projects))
	return snap, nil
}

// Save replaces the stored snapshot with snap in one transaction.
func (s *Store) Save(ctx context.Context, snap workflow.Snapshot) error {
	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		for _, model := range []any{&CardRow{}, &ProjectRow{}, &UserRow{}} {
			if err := tx.Where("1 = 1").Delete(model).Error; err != nil {
				return fmt.Errorf("failed to clear %T: %w", model, err)
			}
		}

		if len(snap.Users) > 0 {
			users := make([]UserRow, 0, len(snap.Users))
			for i, u := range snap.Users {
				users = append(users, UserRow{Nickname: u.Nickname, Verifier: u.Verifier, Position: i})
			}
			if err := tx.Create(&users).Error; err != nil {
				return fmt.Errorf("failed to save users: %w", err)
			}
		}

		for i, p := range snap.Projects {
			row := ProjectRow{Name: p.Name, Members: p.Members, Position: i}
			for j, c := range p.Cards {
				history := make([]string, 0, len(c.History))
				for _, l := range c.History {
					history = append(history, string(l))
				}
				row.Cards = append(row.Cards, CardRow{
					Name:        c.Name,
					Description: c.Description,
					History:     history,
					Position:    j,
				})
			}
			if err := tx.Create(&row).Error; err != nil {
				return fmt.Errorf("failed to save project %q: %w", p.Name, err)
			}
		}
		return nil
	})
	if err != nil {
		return err
	}

	s.log.Infow("snapshot saved", "users", len(snap.Users), "projects", len(snap.Projects))
	return nil
}

// Close releases the connection pool.
func (s *Store) Close() error {
	sqlDB, err := s.db.DB()
	if err != nil {
		return fmt.Errorf("failed to get database instance: %w", err)
	}
	return sqlDB.Close()
}
