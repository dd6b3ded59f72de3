// Package migrations embeds the ledger's goose SQL migrations.
package migrations

import (
	"context"
	"database/sql"
	"embed"
	"io/fs"

	"github.com/pressly/goose/v3"
	"github.com/pressly/goose/v3/lock"
)

//go:embed *.sql
var files embed.FS

// FS returns the embedded migration files.
func FS() fs.FS { return files }

// NewProvider returns a goose provider over fsys, or over the embedded
// files when fsys is nil. It holds a Postgres advisory lock while
// migrating, so replicas and parallel test binaries can race safely.
func NewProvider(db *sql.DB, fsys fs.FS) (*goose.Provider, error) {
	if fsys == nil {
		fsys = files
	}
	locker, err := lock.NewPostgresSessionLocker()
	if err != nil {
		return nil, err
	}
	return goose.NewProvider(goose.DialectPostgres, db, fsys, goose.WithSessionLocker(locker))
}

// Up applies every pending embedded migration.
func Up(ctx context.Context, db *sql.DB) error {
	p, err := NewProvider(db, nil)
	if err != nil {
		return err
	}
	_, err = p.Up(ctx)
	return err
}
