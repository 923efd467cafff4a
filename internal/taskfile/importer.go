package taskfile

import (
	"context"
	"io/fs"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/televibe/televibe/internal/common/logger"
	"github.com/televibe/televibe/internal/store"
)

// Importer scans task directories into the store.
type Importer struct {
	store  *store.Store
	logger *logger.Logger
}

// NewImporter creates an Importer.
func NewImporter(st *store.Store, log *logger.Logger) *Importer {
	return &Importer{store: st, logger: log.WithFields(zap.String("component", "task-importer"))}
}

// ImportAll runs ImportDir for every registered project that declares a
// task directory. A failing project is logged and skipped.
func (i *Importer) ImportAll(ctx context.Context) error {
	projects, err := i.store.ListProjects(ctx)
	if err != nil {
		return err
	}
	for _, p := range projects {
		if p.TaskDir == "" {
			continue
		}
		if _, err := i.ImportDir(ctx, p.ID, p.TaskDir); err != nil {
			i.logger.Warn("task import failed",
				zap.String("project_id", p.ID), zap.Error(err))
		}
	}
	return nil
}

// ImportDir parses every markdown file under dir and upserts the tasks for
// the project. Files that fail to parse are skipped and logged; the import
// continues. Returns the number of tasks imported.
func (i *Importer) ImportDir(ctx context.Context, projectID, dir string) (int, error) {
	imported := 0
	err := filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if d.IsDir() || !strings.HasSuffix(d.Name(), ".md") {
			return nil
		}

		content, err := os.ReadFile(path)
		if err != nil {
			i.logger.Warn("unreadable task file skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		f, err := Parse(content)
		if err != nil {
			i.logger.Warn("unparseable task file skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		task, err := f.Task(projectID)
		if err != nil {
			i.logger.Warn("invalid task file skipped", zap.String("path", path), zap.Error(err))
			return nil
		}
		if err := i.store.UpsertTask(ctx, task); err != nil {
			return err
		}
		imported++
		return nil
	})
	if err != nil {
		return imported, err
	}
	i.logger.Info("task directory imported",
		zap.String("project_id", projectID),
		zap.String("dir", dir),
		zap.Int("count", imported))
	return imported, nil
}
