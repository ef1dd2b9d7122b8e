// Package gormdb stores annotations in a relational database through gorm.
// Postgres is preferred when configured; connection failure falls back to a
// local SQLite file so edits are never lost.
package gormdb

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/glebarez/sqlite"
	"github.com/rs/zerolog"
	"github.com/spf13/viper"
	"gorm.io/datatypes"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"github.com/bridgepano/annotator/pkg/core"
)

// AnnotationRecord is the database row for one annotation. Vertices are
// kept as a JSON column; the polygon is only ever read or written whole.
type AnnotationRecord struct {
	ID        string `gorm:"primaryKey"`
	Folder    string `gorm:"primaryKey;index:idx_folder_image"`
	ImageName string `gorm:"index:idx_folder_image"`
	Member    string
	Label     string
	Info      string
	Color     *string
	Vertices  datatypes.JSON
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Options selects the connection strategy.
type Options struct {
	// Postgres connects using the db.* config keys, falling back to
	// SQLite when the connection fails.
	Postgres bool
	// SQLitePath is the local database file. Empty means in-memory.
	SQLitePath string
}

// Backend is the gorm-backed annotation store.
type Backend struct {
	opts Options
	log  zerolog.Logger
	db   *gorm.DB
}

// New creates a new gormdb backend
func New(opts Options, log zerolog.Logger) *Backend {
	return &Backend{opts: opts, log: log.With().Str("component", "gormdb").Logger()}
}

// Init connects and migrates the schema.
func (b *Backend) Init() error {
	var err error
	if b.opts.Postgres {
		b.db, err = b.openPostgres()
		if err != nil {
			b.log.Error().Err(err).Msg("Failed to connect to Postgres DB, trying SQLite")
			b.db, err = b.openSqlite()
		}
	} else {
		b.db, err = b.openSqlite()
	}
	if err != nil {
		return fmt.Errorf("opening database: %w", err)
	}

	if err := b.db.AutoMigrate(&AnnotationRecord{}); err != nil {
		return fmt.Errorf("migrating schema: %w", err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (b *Backend) Close() error {
	if b.db == nil {
		return nil
	}
	sqlDB, err := b.db.DB()
	if err != nil {
		return err
	}
	return sqlDB.Close()
}

func (b *Backend) openPostgres() (*gorm.DB, error) {
	dsn := fmt.Sprintf(`host=%s port=%s user=%s password=%s dbname=%s sslmode=disable`,
		viper.GetString("db.host"),
		viper.GetString("db.port"),
		viper.GetString("db.username"),
		viper.GetString("db.password"),
		viper.GetString("db.database"),
	)

	b.log.Debug().Msgf("Connecting to Postgres DB at '%s'", dsn)

	return gorm.Open(postgres.New(postgres.Config{
		DSN:                  dsn,
		PreferSimpleProtocol: true,
	}), &gorm.Config{
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

func (b *Backend) openSqlite() (*gorm.DB, error) {
	path := b.opts.SQLitePath
	if path == "" {
		path = "file::memory:?cache=shared"
		b.log.Info().Msg("Using in-memory SQLite DB")
	} else {
		b.log.Info().Str("path", path).Msg("Using local SQLite DB")
	}
	return gorm.Open(sqlite.Open(path), &gorm.Config{
		PrepareStmt:            true,
		SkipDefaultTransaction: true,
		Logger:                 logger.Default.LogMode(logger.Silent),
	})
}

func toRecord(folder string, ann core.Annotation) (AnnotationRecord, error) {
	verts, err := json.Marshal(ann.Vertices)
	if err != nil {
		return AnnotationRecord{}, err
	}
	return AnnotationRecord{
		ID:        ann.ID,
		Folder:    folder,
		ImageName: ann.ImageName,
		Member:    ann.Member,
		Label:     ann.Label,
		Info:      ann.Info,
		Color:     ann.Color,
		Vertices:  datatypes.JSON(verts),
	}, nil
}

func (r AnnotationRecord) toAnnotation() (core.Annotation, error) {
	var verts []core.Vertex
	if len(r.Vertices) > 0 {
		if err := json.Unmarshal(r.Vertices, &verts); err != nil {
			return core.Annotation{}, fmt.Errorf("decoding vertices of %s: %w", r.ID, err)
		}
	}
	return core.Annotation{
		ID:        r.ID,
		ImageName: r.ImageName,
		Vertices:  verts,
		Member:    r.Member,
		Label:     r.Label,
		Info:      r.Info,
		Color:     r.Color,
	}, nil
}

// Document returns every annotation of the folder, oldest first.
func (b *Backend) Document(ctx context.Context, folder string) (core.Document, error) {
	var records []AnnotationRecord
	err := b.db.WithContext(ctx).
		Where("folder = ?", folder).
		Order("created_at, id").
		Find(&records).Error
	if err != nil {
		return core.Document{}, err
	}

	doc := core.Document{Annotations: make([]core.Annotation, 0, len(records))}
	for _, r := range records {
		ann, err := r.toAnnotation()
		if err != nil {
			return core.Document{}, err
		}
		doc.Annotations = append(doc.Annotations, ann)
	}
	return doc, nil
}

// SaveAnnotation creates a record or replaces one with the same id.
func (b *Backend) SaveAnnotation(ctx context.Context, folder string, ann core.Annotation) error {
	rec, err := toRecord(folder, ann)
	if err != nil {
		return err
	}
	return b.db.WithContext(ctx).Save(&rec).Error
}

// UpdateGeometry replaces only the vertex list of an existing record.
func (b *Backend) UpdateGeometry(ctx context.Context, folder, id string, points []core.Vertex) error {
	verts, err := json.Marshal(points)
	if err != nil {
		return err
	}
	res := b.db.WithContext(ctx).
		Model(&AnnotationRecord{}).
		Where("folder = ? AND id = ?", folder, id).
		Update("vertices", datatypes.JSON(verts))
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrAnnotationNotFound
	}
	return nil
}

// UpdateDetails replaces only the descriptive fields.
func (b *Backend) UpdateDetails(ctx context.Context, folder, id string, patch core.DetailsPatch) error {
	res := b.db.WithContext(ctx).
		Model(&AnnotationRecord{}).
		Where("folder = ? AND id = ?", folder, id).
		Updates(map[string]any{
			"member": patch.Member,
			"label":  patch.Label,
			"info":   patch.Info,
			"color":  patch.Color,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrAnnotationNotFound
	}
	return nil
}

// Delete removes a record by id.
func (b *Backend) Delete(ctx context.Context, folder, id string) error {
	res := b.db.WithContext(ctx).
		Where("folder = ? AND id = ?", folder, id).
		Delete(&AnnotationRecord{})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return core.ErrAnnotationNotFound
	}
	return nil
}
