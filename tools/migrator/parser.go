package migrator

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"strconv"
	"strings"
)

// Migration represents a database migration.
type Migration struct {
	Version int
	Name    string
	UpSQL   string
}

var (
	filenameRegex = regexp.MustCompile(`^(\d{3})_([a-zA-Z0-9_-]+)\.sql$`)
	upMarkerRegex = regexp.MustCompile(`^--\s*\+migrate\s+Up\s*$`)
)

// ParseMigrationFile parses a single migration file and returns a Migration struct.
func ParseMigrationFile(path string) (*Migration, error) {
	filename := filepath.Base(path)
	matches := filenameRegex.FindStringSubmatch(filename)
	if matches == nil {
		return nil, fmt.Errorf("invalid migration filename format: %s (expected NNN_name.sql)", filename)
	}

	version, err := strconv.Atoi(matches[1])
	if err != nil {
		return nil, fmt.Errorf("invalid version number in filename: %s", matches[1])
	}
	name := matches[2]

	content, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read migration file: %w", err)
	}

	lines := strings.Split(string(content), "\n")

	upMarkerLine := -1
	for i, line := range lines {
		if upMarkerRegex.MatchString(line) {
			upMarkerLine = i
			break
		}
	}
	if upMarkerLine == -1 {
		return nil, fmt.Errorf("missing '-- +migrate Up' marker in migration file: %s", filename)
	}

	upSQL := strings.TrimSpace(strings.Join(lines[upMarkerLine+1:], "\n"))
	if upSQL == "" {
		return nil, fmt.Errorf("migration file contains no SQL statements: %s", filename)
	}

	return &Migration{
		Version: version,
		Name:    name,
		UpSQL:   upSQL,
	}, nil
}

// LoadMigrations loads all migrations from a directory and returns them
// sorted by version. Duplicate versions are an error.
func LoadMigrations(dir string) ([]Migration, error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, fmt.Errorf("failed to read migrations directory: %w", err)
	}

	var migrations []Migration
	seen := make(map[int]string)

	for _, entry := range entries {
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".sql") {
			continue
		}

		migration, err := ParseMigrationFile(filepath.Join(dir, entry.Name()))
		if err != nil {
			return nil, err
		}

		if prev, ok := seen[migration.Version]; ok {
			return nil, fmt.Errorf("duplicate migration version %d: %s and %s", migration.Version, prev, entry.Name())
		}
		seen[migration.Version] = entry.Name()
		migrations = append(migrations, *migration)
	}

	sort.Slice(migrations, func(i, j int) bool {
		return migrations[i].Version < migrations[j].Version
	})

	return migrations, nil
}
