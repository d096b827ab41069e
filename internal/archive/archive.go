// Package archive keeps raw markup snapshots of pages that failed to
// parse, so layout drift on the source site can be diagnosed offline.
package archive

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/sovrisk/cds-feeder/internal/cds"
	"github.com/sovrisk/cds-feeder/internal/hash/sha256"
)

// Archiver writes page snapshots to the local filesystem. A nil
// Archiver is valid and discards every page.
type Archiver struct {
	dir    string
	clock  cds.Clock
	logger *zap.Logger
}

// New validates that dir exists (creating it when absent) and is
// writable before any cycle depends on it.
func New(dir string, clock cds.Clock, logger *zap.Logger) (*Archiver, error) {
	if strings.TrimSpace(dir) == "" {
		return nil, fmt.Errorf("archive directory is required")
	}

	info, err := os.Stat(dir)
	switch {
	case err == nil:
		if !info.IsDir() {
			return nil, fmt.Errorf("archive path %s is not a directory", dir)
		}
	case os.IsNotExist(err):
		if mkErr := os.MkdirAll(dir, 0o750); mkErr != nil {
			return nil, fmt.Errorf("create archive directory: %w", mkErr)
		}
	default:
		return nil, fmt.Errorf("stat archive directory: %w", err)
	}

	probe := filepath.Join(dir, ".writable_test")
	if err := os.WriteFile(probe, []byte("test"), 0o600); err != nil {
		return nil, fmt.Errorf("archive directory is not writable: %w", err)
	}
	if err := os.Remove(probe); err != nil {
		return nil, fmt.Errorf("clean up probe file: %w", err)
	}

	return &Archiver{dir: dir, clock: clock, logger: logger}, nil
}

// SavePage stores markup under <dir>/<yyyy-mm-dd>/<digest>.html and
// returns the written path. The digest names the content, so saving
// the same bytes twice on one day overwrites the same file.
func (a *Archiver) SavePage(url string, markup []byte) (string, error) {
	if a == nil {
		return "", nil
	}

	day := cds.DateOf(a.clock.Now())
	dayDir := filepath.Join(a.dir, day.String())
	if err := os.MkdirAll(dayDir, 0o750); err != nil {
		return "", fmt.Errorf("create snapshot directory: %w", err)
	}

	path := filepath.Join(dayDir, sha256.Short(markup)+".html")
	if err := os.WriteFile(path, markup, 0o600); err != nil {
		return "", fmt.Errorf("write snapshot: %w", err)
	}

	a.logger.Info("archived unparseable page",
		zap.String("url", url),
		zap.String("path", path),
		zap.Int("bytes", len(markup)),
	)
	return path, nil
}
