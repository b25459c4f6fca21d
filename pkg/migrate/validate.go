package migrate

import (
	"bufio"
	"bytes"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"

	"go.uber.org/multierr"
)

var migrationFileRe = regexp.MustCompile(`^(\d{14})_[a-z0-9_]+\.sql$`)

const (
	annotationUp    = "-- +goose Up"
	annotationDown  = "-- +goose Down"
	annotationBegin = "-- +goose StatementBegin"
	annotationEnd   = "-- +goose StatementEnd"
)

// ValidateDir checks every .sql file in dir: name format, unique versions,
// an Up section ahead of a Down section and balanced statement blocks. All
// problems are reported together.
func ValidateDir(dir string) error {
	if dir == "" {
		return fmt.Errorf("dir is required")
	}
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("read dir %q: %w", dir, err)
	}

	var errs error
	versions := make(map[string]string)
	for _, entry := range entries {
		name := entry.Name()
		if entry.IsDir() || !strings.HasSuffix(name, ".sql") {
			continue
		}
		m := migrationFileRe.FindStringSubmatch(name)
		if m == nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: expected YYYYMMDDHHMMSS_name.sql", name))
			continue
		}
		if prev, ok := versions[m[1]]; ok {
			errs = multierr.Append(errs, fmt.Errorf("%s: version %s already used by %s", name, m[1], prev))
			continue
		}
		versions[m[1]] = name

		body, err := os.ReadFile(filepath.Join(dir, name))
		if err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
			continue
		}
		if err := checkAnnotations(body); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("%s: %w", name, err))
		}
	}
	return errs
}

func checkAnnotations(body []byte) error {
	var (
		upAt, downAt int
		open         bool
		line         int
	)
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line++
		switch strings.TrimSpace(scanner.Text()) {
		case annotationUp:
			upAt = line
		case annotationDown:
			downAt = line
		case annotationBegin:
			if open {
				return fmt.Errorf("line %d: nested StatementBegin", line)
			}
			open = true
		case annotationEnd:
			if !open {
				return fmt.Errorf("line %d: StatementEnd without StatementBegin", line)
			}
			open = false
		}
	}
	if err := scanner.Err(); err != nil {
		return err
	}
	switch {
	case upAt == 0:
		return fmt.Errorf("missing %q", annotationUp)
	case downAt == 0:
		return fmt.Errorf("missing %q", annotationDown)
	case downAt < upAt:
		return fmt.Errorf("down section precedes up section")
	case open:
		return fmt.Errorf("unterminated StatementBegin")
	}
	return nil
}
