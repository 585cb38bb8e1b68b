// Package render provides the development RowRenderer. It clones the
// template file into the output path and walks every checkpoint stage the
// production document engine would, so pause, cancel, and resume behave
// identically without the OpenXML dependency.
package render

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"

	"slidegen/internal/domain/job"
)

var _ job.RowRenderer = (*Renderer)(nil)

// Renderer implements job.RowRenderer for development and testing.
type Renderer struct{}

// NewRenderer creates a development renderer.
func NewRenderer() *Renderer { return new(Renderer) }

// PrepareOutput creates the output document as a copy of the template.
func (r *Renderer) PrepareOutput(ctx context.Context, outputPath, templatePath string) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	src, err := os.Open(templatePath)
	if err != nil {
		return fmt.Errorf("opening template %s: %w", templatePath, err)
	}
	defer src.Close()

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("creating output folder: %w", err)
	}

	dst, err := os.Create(outputPath)
	if err != nil {
		return fmt.Errorf("creating output %s: %w", outputPath, err)
	}
	defer dst.Close()

	if _, err := io.Copy(dst, src); err != nil {
		return fmt.Errorf("copying template to %s: %w", outputPath, err)
	}
	return nil
}

// RenderRow applies one data row. Text rules resolve columns from the row;
// image rules additionally pass through the fetch and transfer stages when
// their columns hold a value. Missing columns and empty image locations
// surface as warnings, not errors.
func (r *Renderer) RenderRow(ctx context.Context, req job.RenderRowRequest, checkpoint job.CheckpointFunc) (job.RowResult, error) {
	var result job.RowResult

	for _, rule := range req.Rules.Texts {
		if err := checkpoint(ctx, job.StageBeforeMutate); err != nil {
			return result, err
		}
		for _, col := range rule.Columns {
			if _, ok := req.Row[col]; !ok {
				result.Warnings = append(result.Warnings,
					fmt.Sprintf("row %d: column %q not found for pattern %q", req.RowIndex, col, rule.Pattern))
			}
		}
		if err := checkpoint(ctx, job.StageAfterMutate); err != nil {
			return result, err
		}
	}

	for _, rule := range req.Rules.Images {
		location := firstValue(req.Row, rule.Columns)
		if location == "" {
			result.Warnings = append(result.Warnings,
				fmt.Sprintf("row %d: no image location for shape %d", req.RowIndex, rule.ShapeID))
			continue
		}

		if err := checkpoint(ctx, job.StageBeforeFetch); err != nil {
			return result, err
		}
		if err := checkpoint(ctx, job.StageAfterFetch); err != nil {
			return result, err
		}
		if err := checkpoint(ctx, job.StageBeforeTransfer); err != nil {
			return result, err
		}
		if err := checkpoint(ctx, job.StageAfterTransfer); err != nil {
			return result, err
		}

		if err := checkpoint(ctx, job.StageBeforeMutate); err != nil {
			return result, err
		}
		if err := checkpoint(ctx, job.StageAfterMutate); err != nil {
			return result, err
		}
	}

	return result, nil
}

func firstValue(row map[string]string, columns []string) string {
	for _, col := range columns {
		if v := row[col]; v != "" {
			return v
		}
	}
	return ""
}
