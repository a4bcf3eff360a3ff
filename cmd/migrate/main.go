// Command migrate manages the database schema. Migrations and seeds
// are embedded, so the binary is self-contained:
//
//	migrate up          apply pending migrations
//	migrate down        roll back the latest migration
//	migrate seed        apply seed files
//	migrate status      list applied and pending migrations
//	migrate admin       create or reset the admin account from
//	                    KASSA_ADMIN_EMAIL / KASSA_ADMIN_PASSWORD
package main

import (
	"context"
	"database/sql"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
	"golang.org/x/crypto/bcrypt"

	"kassa.app/internal/config"
	"kassa.app/internal/ids"
	"kassa.app/internal/logging"
	"kassa.app/internal/migrate"
	"kassa.app/migrations"
)

func main() {
	configPath := flag.String("config", "", "path to a config file (default: auto-discover)")
	flag.Parse()

	if len(flag.Args()) == 0 {
		fmt.Fprintln(os.Stderr, "usage: migrate [-config file] up|down|seed|status|admin")
		os.Exit(2)
	}

	cfg, err := config.Load(*configPath)
	if err != nil {
		logging.Fatal().Err(err).Msg("load config")
	}
	logging.Init(logging.Config{Level: cfg.Log.Level, Format: cfg.Log.Format})

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", cfg.DB.DSN)
	if err != nil {
		logging.Fatal().Err(err).Msg("open database")
	}
	defer db.Close()

	mgr := migrate.NewManager(db, migrations.Files)

	cmd := flag.Arg(0)
	switch cmd {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		err = printStatus(ctx, mgr)
	case "admin":
		err = bootstrapAdmin(ctx, db, cfg.Session.BcryptCost)
	default:
		logging.Fatal().Str("command", cmd).Msg("unknown command")
	}
	if err != nil {
		logging.Fatal().Err(err).Str("command", cmd).Msg("migrate failed")
	}
}

func printStatus(ctx context.Context, mgr *migrate.Manager) error {
	applied, err := mgr.Status(ctx)
	if err != nil {
		return err
	}
	pending, err := mgr.Pending(ctx)
	if err != nil {
		return err
	}
	for _, a := range applied {
		fmt.Printf("applied  %s  %s\n", a.AppliedAt.Format(time.RFC3339), a.Name)
	}
	for _, name := range pending {
		fmt.Printf("pending  %s\n", name)
	}
	if len(applied) == 0 && len(pending) == 0 {
		fmt.Println("no migrations found")
	}
	return nil
}

// bootstrapAdmin upserts the admin account. Creating the first ADMIN
// cannot go through the API (only an admin may create staff), so it
// happens here, keyed off environment variables so the password never
// lands in a shared config file.
func bootstrapAdmin(ctx context.Context, db *sql.DB, bcryptCost int) error {
	email := strings.ToLower(strings.TrimSpace(os.Getenv("KASSA_ADMIN_EMAIL")))
	password := os.Getenv("KASSA_ADMIN_PASSWORD")
	if email == "" || password == "" {
		return fmt.Errorf("KASSA_ADMIN_EMAIL and KASSA_ADMIN_PASSWORD are required")
	}
	if len(password) < 8 {
		return fmt.Errorf("admin password must be at least 8 characters")
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcryptCost)
	if err != nil {
		return fmt.Errorf("hash admin password: %w", err)
	}

	now := time.Now().UTC()
	_, err = db.ExecContext(ctx, `
		insert into users (id, email, name, role, active, password_hash, created_at, updated_at)
		values ($1, $2, 'Administrator', 'ADMIN', true, $3, $4, $4)
		on conflict (email) do update
		set password_hash = excluded.password_hash,
		    role = 'ADMIN',
		    active = true,
		    updated_at = excluded.updated_at
	`, ids.New(ids.PrefixUser), email, string(hash), now)
	if err != nil {
		return fmt.Errorf("upsert admin: %w", err)
	}
	logging.Info().Str("email", email).Msg("admin account ready")
	return nil
}
