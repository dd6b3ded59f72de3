// Command migrate applies the ledger schema to DATABASE_URL.
//
//	migrate up | down | redo | status | version
//	migrate up-to <version> | down-to <version>
//
// The embedded migrations are used unless MIGRATIONS_DIR points elsewhere.
package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	_ "github.com/lib/pq"
	"github.com/pressly/goose/v3"

	"github.com/mbd888/arcinvoice/migrations"
)

const usage = "usage: migrate up|down|redo|status|version|up-to <v>|down-to <v>"

func main() {
	if len(os.Args) < 2 {
		fmt.Fprintln(os.Stderr, usage)
		os.Exit(2)
	}
	_ = godotenv.Load()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, os.Args[1], os.Args[2:]); err != nil {
		fmt.Fprintf(os.Stderr, "migrate %s: %v\n", os.Args[1], err)
		os.Exit(1)
	}
}

func run(ctx context.Context, command string, args []string) error {
	dsn := os.Getenv("DATABASE_URL")
	if dsn == "" {
		return errors.New("DATABASE_URL is required")
	}
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return err
	}
	defer func() { _ = db.Close() }()

	pingCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	if err := db.PingContext(pingCtx); err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	var fsys fs.FS
	if dir := os.Getenv("MIGRATIONS_DIR"); dir != "" {
		fsys = os.DirFS(dir)
	}
	p, err := migrations.NewProvider(db, fsys)
	if err != nil {
		return err
	}

	switch command {
	case "up":
		return report(p.Up(ctx))
	case "down":
		return report(one(p.Down(ctx)))
	case "redo":
		if err := report(one(p.Down(ctx))); err != nil {
			return err
		}
		return report(one(p.UpByOne(ctx)))
	case "up-to", "down-to":
		v, err := versionArg(args)
		if err != nil {
			return err
		}
		if command == "up-to" {
			return report(p.UpTo(ctx, v))
		}
		return report(p.DownTo(ctx, v))
	case "version":
		v, err := p.GetDBVersion(ctx)
		if err != nil {
			return err
		}
		fmt.Println(v)
		return nil
	case "status":
		statuses, err := p.Status(ctx)
		if err != nil {
			return err
		}
		for _, s := range statuses {
			applied := "pending"
			if s.State == goose.StateApplied {
				applied = s.AppliedAt.UTC().Format(time.RFC3339)
			}
			fmt.Printf("%5d  %-25s  %s\n", s.Source.Version, applied, s.Source.Path)
		}
		return nil
	default:
		return errors.New(usage)
	}
}

func versionArg(args []string) (int64, error) {
	if len(args) != 1 {
		return 0, errors.New("expected one version argument")
	}
	return strconv.ParseInt(args[0], 10, 64)
}

func one(r *goose.MigrationResult, err error) ([]*goose.MigrationResult, error) {
	if r == nil {
		return nil, err
	}
	return []*goose.MigrationResult{r}, err
}

func report(results []*goose.MigrationResult, err error) error {
	for _, r := range results {
		fmt.Printf("%-4s %5d  %-25s  %s\n", r.Direction, r.Source.Version, r.Source.Path, r.Duration.Round(time.Millisecond))
	}
	if len(results) == 0 && err == nil {
		fmt.Println("nothing to do")
	}
	return err
}
