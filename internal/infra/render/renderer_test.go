package render

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"slidegen/internal/domain/job"
)

func nopCheckpoint(context.Context, job.CheckpointStage) error { return nil }

func TestPrepareOutputCopiesTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	templatePath := filepath.Join(dir, "deck.pptx")
	require.NoError(t, os.WriteFile(templatePath, []byte("template-bytes"), 0o644))

	outputPath := filepath.Join(dir, "out", "Q1.pptx")
	require.NoError(t, NewRenderer().PrepareOutput(context.Background(), outputPath, templatePath))

	got, err := os.ReadFile(outputPath)
	require.NoError(t, err)
	assert.Equal(t, []byte("template-bytes"), got)
}

func TestPrepareOutputMissingTemplate(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	err := NewRenderer().PrepareOutput(context.Background(), filepath.Join(dir, "out.pptx"), filepath.Join(dir, "missing.pptx"))
	assert.Error(t, err)
}

func TestRenderRowWarnsOnMissingColumns(t *testing.T) {
	t.Parallel()

	req := job.RenderRowRequest{
		Rules: job.RuleSet{
			Texts:  []job.TextRule{{Pattern: "{name}", Columns: []string{"Name", "Nickname"}}},
			Images: []job.ImageRule{{ShapeID: 4, Columns: []string{"Photo"}}},
		},
		RowIndex: 2,
		Row:      map[string]string{"Name": "Widget"},
	}

	result, err := NewRenderer().RenderRow(context.Background(), req, nopCheckpoint)
	require.NoError(t, err)
	require.Len(t, result.Warnings, 2)
	assert.Contains(t, result.Warnings[0], "Nickname")
	assert.Contains(t, result.Warnings[1], "no image location")
}

func TestRenderRowStopsAtCheckpoint(t *testing.T) {
	t.Parallel()

	req := job.RenderRowRequest{
		Rules: job.RuleSet{
			Images: []job.ImageRule{{ShapeID: 1, Columns: []string{"Photo"}}},
		},
		Row: map[string]string{"Photo": "https://example.com/a.png"},
	}

	var stages []job.CheckpointStage
	checkpoint := func(ctx context.Context, stage job.CheckpointStage) error {
		stages = append(stages, stage)
		if stage == job.StageBeforeTransfer {
			return job.ErrSheetCancelled
		}
		return nil
	}

	_, err := NewRenderer().RenderRow(context.Background(), req, checkpoint)
	require.ErrorIs(t, err, job.ErrSheetCancelled)
	assert.Equal(t, []job.CheckpointStage{
		job.StageBeforeFetch, job.StageAfterFetch, job.StageBeforeTransfer,
	}, stages)
}
