package engine

import (
	"context"
	"fmt"
	"log"
	"path/filepath"

	"github.com/lazypower/cortex/internal/events"
	"github.com/lazypower/cortex/internal/vault"
)

// ImportResult summarises a vault import.
type ImportResult struct {
	Total    int                  `json:"total"`
	Imported int                  `json:"imported"`
	Errors   []events.ImportError `json:"errors,omitempty"`
}

// ImportFiles lists the markdown files an import of root would visit.
func ImportFiles(root string) ([]string, error) {
	return vault.Files(root)
}

// ImportVault ingests every markdown note under root, optionally clearing the
// graph first. Files that fail are collected and the import carries on; only
// an unreadable root fails the call. Progress is streamed on the bus.
func (e *Engine) ImportVault(ctx context.Context, root string, clear bool) (*ImportResult, error) {
	files, err := vault.Files(root)
	if err != nil {
		return nil, fmt.Errorf("import vault: %w", err)
	}

	if clear {
		if err := e.Clear(ctx); err != nil {
			return nil, fmt.Errorf("import vault: %w", err)
		}
		e.Bus.Publish(events.ImportStatus{Status: "cleared"})
	}

	res := &ImportResult{Total: len(files)}
	e.Bus.Publish(events.ImportStatus{Status: "started", Total: res.Total})
	log.Printf("import: %d markdown files under %s", res.Total, root)

	for i, path := range files {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		n, err := vault.ParseFile(path)
		if err != nil {
			res.Errors = append(res.Errors, events.ImportError{File: path, Error: err.Error()})
			continue
		}
		if !n.Importable() {
			continue
		}

		out, err := e.AddNote(ctx, n.Body, n.Title, n.Tags)
		if err != nil {
			if ctx.Err() != nil {
				return res, ctx.Err()
			}
			log.Printf("import: %s: %v", path, err)
			res.Errors = append(res.Errors, events.ImportError{File: path, Error: err.Error()})
			continue
		}
		res.Imported++

		note := out.Note
		e.Bus.Publish(events.ImportProgress{
			Current:  i + 1,
			Total:    res.Total,
			Imported: res.Imported,
			File:     filepath.Base(path),
			Note:     &note,
			Entities: out.Entities,
			Edges:    out.Edges,
		})
	}

	final := e.State()
	e.Bus.Publish(events.ImportStatus{
		Status:     "completed",
		Current:    res.Total,
		Total:      res.Total,
		Imported:   res.Imported,
		Errors:     res.Errors,
		FinalState: &final,
	})
	log.Printf("import: %d of %d notes imported, %d errors", res.Imported, res.Total, len(res.Errors))
	return res, nil
}
