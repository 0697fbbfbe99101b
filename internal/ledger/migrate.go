package ledger

import (
	"database/sql"
	"embed"
	"fmt"
	"io/fs"
	"path"
	"sort"
	"strings"
	"time"

	"github.com/davidahmann/surmed/internal/errs"
)

//go:embed migrations/*/*.sql
var migrationsFS embed.FS

type DBDriver string

const (
	DBSQLite   DBDriver = "sqlite"
	DBPostgres DBDriver = "postgres"
)

// dialect is what differs between the supported databases when recording
// applied schema versions.
type dialect struct {
	dir       string
	aliases   []string
	bookTable string
	stampType string
	mark      func(n int) string
	stamp     func(time.Time) any
}

var dialects = map[DBDriver]dialect{
	DBSQLite: {
		dir:       "migrations/sqlite",
		bookTable: "schema_migrations",
		stampType: "TEXT",
		mark:      func(int) string { return "?" },
		stamp:     func(t time.Time) any { return t.Format(time.RFC3339) },
	},
	DBPostgres: {
		dir:       "migrations/postgres",
		aliases:   []string{"postgresql", "pg"},
		bookTable: "surmed_schema_migrations",
		stampType: "TIMESTAMPTZ",
		mark:      func(n int) string { return fmt.Sprintf("$%d", n) },
		stamp:     func(t time.Time) any { return t },
	},
}

// ParseDriver maps a configured driver name, or one of its aliases, onto a
// DBDriver.
func ParseDriver(name string) (DBDriver, error) {
	want := strings.ToLower(strings.TrimSpace(name))
	for driver, d := range dialects {
		if string(driver) == want {
			return driver, nil
		}
		for _, alias := range d.aliases {
			if alias == want {
				return driver, nil
			}
		}
	}
	return "", errs.Invalid("db_driver", "unsupported database %q", name)
}

type migration struct {
	version string
	body    string
}

// Migrate brings db up to the newest embedded schema for driver. A version
// is booked in the same transaction that runs it, so a crash between files
// leaves no half-applied version behind.
func Migrate(db *sql.DB, driver DBDriver) error {
	if db == nil {
		return errs.Invalid("db", "is required")
	}
	d, ok := dialects[driver]
	if !ok {
		return errs.Invalid("db_driver", "unsupported database %q", driver)
	}
	pending, err := d.migrations()
	if err != nil {
		return err
	}
	if _, err := db.Exec(d.createBook()); err != nil {
		return errs.Wrap(err, "create "+d.bookTable)
	}
	for _, m := range pending {
		if err := d.apply(db, m, time.Now().UTC()); err != nil {
			return errs.Wrapf(err, "migration %s", m.version)
		}
	}
	return nil
}

func (d dialect) migrations() ([]migration, error) {
	names, err := fs.Glob(migrationsFS, d.dir+"/*.sql")
	if err != nil {
		return nil, err
	}
	sort.Strings(names)
	out := make([]migration, 0, len(names))
	for _, name := range names {
		body, err := migrationsFS.ReadFile(name)
		if err != nil {
			return nil, err
		}
		out = append(out, migration{version: strings.TrimSuffix(path.Base(name), ".sql"), body: string(body)})
	}
	return out, nil
}

func (d dialect) createBook() string {
	return "CREATE TABLE IF NOT EXISTS " + d.bookTable +
		" (version TEXT PRIMARY KEY, applied_at " + d.stampType + " NOT NULL)"
}

// apply books m and runs it. A version someone else already booked is
// skipped.
func (d dialect) apply(db *sql.DB, m migration, at time.Time) error {
	tx, err := db.Begin()
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback() }()

	book := "INSERT INTO " + d.bookTable + " (version, applied_at) VALUES (" +
		d.mark(1) + ", " + d.mark(2) + ") ON CONFLICT (version) DO NOTHING"
	res, err := tx.Exec(book, m.version, d.stamp(at))
	if err != nil {
		return err
	}
	if n, err := res.RowsAffected(); err != nil || n == 0 {
		return err
	}
	if _, err := tx.Exec(m.body); err != nil {
		return err
	}
	return tx.Commit()
}
