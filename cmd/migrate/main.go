// Command migrate applies the sync server's SQL migrations in filename
// order. Applied files are recorded in schema_migrations; only the section
// above the "-- +migrate Down" marker is executed.
package main

import (
	"bufio"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/jmoiron/sqlx"

	"tally/internal/config"
	"tally/internal/db"
)

func main() {
	dir := flag.String("dir", "migrations", "directory containing *.sql migration files")
	flag.Parse()

	cfg := config.Load()
	database, err := db.Connect(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect database: %v", err)
	}
	defer database.Close()

	if err := run(database, *dir); err != nil {
		log.Fatal(err)
	}
}

func run(database *sqlx.DB, dir string) error {
	if _, err := database.Exec(`CREATE TABLE IF NOT EXISTS schema_migrations (filename text PRIMARY KEY, applied_at timestamptz NOT NULL DEFAULT now())`); err != nil {
		return fmt.Errorf("ensure schema_migrations: %w", err)
	}
	files, err := pending(database, dir)
	if err != nil {
		return err
	}
	if len(files) == 0 {
		log.Println("no pending migrations")
		return nil
	}
	for _, file := range files {
		filename := filepath.Base(file)
		if err := apply(database, file); err != nil {
			return fmt.Errorf("apply %s: %w", filename, err)
		}
		if _, err := database.Exec(`INSERT INTO schema_migrations (filename) VALUES ($1)`, filename); err != nil {
			return fmt.Errorf("record %s: %w", filename, err)
		}
		log.Printf("applied %s", filename)
	}
	return nil
}

func pending(database *sqlx.DB, dir string) ([]string, error) {
	files, err := filepath.Glob(filepath.Join(dir, "*.sql"))
	if err != nil {
		return nil, fmt.Errorf("read migrations from %s: %w", dir, err)
	}
	sort.Strings(files)

	var applied []string
	if err := database.Select(&applied, `SELECT filename FROM schema_migrations`); err != nil {
		return nil, fmt.Errorf("read migration state: %w", err)
	}
	done := make(map[string]bool, len(applied))
	for _, filename := range applied {
		done[filename] = true
	}

	todo := files[:0]
	for _, file := range files {
		if !done[filepath.Base(file)] {
			todo = append(todo, file)
		}
	}
	return todo, nil
}

func apply(database *sqlx.DB, file string) error {
	content, err := os.ReadFile(file)
	if err != nil {
		return err
	}
	up, _, _ := strings.Cut(string(content), "-- +migrate Down")
	for _, stmt := range statements(up) {
		if _, err := database.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

// statements splits a migration section on semicolons at line granularity,
// skipping comment lines.
func statements(section string) []string {
	var out []string
	var current strings.Builder
	scanner := bufio.NewScanner(strings.NewReader(section))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(strings.TrimSpace(line), "--") {
			continue
		}
		current.WriteString(line)
		current.WriteRune('\n')
		if strings.Contains(line, ";") {
			out = append(out, current.String())
			current.Reset()
		}
	}
	if strings.TrimSpace(current.String()) != "" {
		out = append(out, current.String())
	}
	return out
}
