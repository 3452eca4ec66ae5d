package pipeline_test

import (
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rowforge/rowforge/internal/pipeline"
	"github.com/rowforge/rowforge/internal/store"
	"github.com/rowforge/rowforge/pkg/models"
)

func TestIngestJSONL_CreatesPendingEntries(t *testing.T) {
	st := store.NewMemoryStore()
	ing := pipeline.NewIngestor(st)
	node := createNode(t, st, models.NodeTypeArchive, `{}`)

	body := strings.Join([]string{
		`{"messages":[{"role":"user","content":"hi"}],"output":{"role":"assistant","content":"hello"}}`,
		``,
		`{"messages":[{"role":"user","content":"ping"},{"role":"assistant","content":"pong"}]}`,
	}, "\n")

	report, err := ing.IngestJSONL(context.Background(), node, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 2, report.Created)
	assert.Zero(t, report.Skipped)
	assert.Empty(t, report.Errors)

	pending := entriesByStatus(t, st, node.ID, models.EntryStatusPending)
	require.Len(t, pending, 2)
	for _, e := range pending {
		assert.Equal(t, models.SplitTrain, e.Split)
		assert.NotEmpty(t, e.InputHash)
		assert.NotEmpty(t, e.OutputHash)

		// Payloads are retrievable by their content hashes.
		_, err := st.GetPayload(context.Background(), e.InputHash)
		assert.NoError(t, err)
		_, err = st.GetPayload(context.Background(), e.OutputHash)
		assert.NoError(t, err)
	}
}

func TestIngestJSONL_TrailingAssistantBecomesOutput(t *testing.T) {
	st := store.NewMemoryStore()
	ing := pipeline.NewIngestor(st)
	node := createNode(t, st, models.NodeTypeArchive, `{}`)

	line := `{"messages":[{"role":"user","content":"q"},{"role":"assistant","content":"a"}]}`
	report, err := ing.IngestJSONL(context.Background(), node, strings.NewReader(line))
	require.NoError(t, err)
	require.Equal(t, 1, report.Created)

	pending := entriesByStatus(t, st, node.ID, models.EntryStatusPending)
	require.Len(t, pending, 1)

	payload, err := st.GetPayload(context.Background(), pending[0].InputHash)
	require.NoError(t, err)
	assert.NotContains(t, string(payload), `"a"`, "trailing assistant message must move to the output payload")

	outPayload, err := st.GetPayload(context.Background(), pending[0].OutputHash)
	require.NoError(t, err)
	assert.Contains(t, string(outPayload), `"a"`)
}

func TestIngestJSONL_ReportsBadLinesWithoutAborting(t *testing.T) {
	st := store.NewMemoryStore()
	ing := pipeline.NewIngestor(st)
	node := createNode(t, st, models.NodeTypeArchive, `{}`)

	body := strings.Join([]string{
		`not json`,
		`{"messages":[],"output":{"role":"assistant","content":"x"}}`,
		`{"messages":[{"role":"user","content":"only input"}]}`,
		`{"messages":[{"role":"user","content":"q"}],"output":{"role":"assistant","content":"a"},"split":"VALIDATE"}`,
		`{"messages":[{"role":"user","content":"ok"}],"output":{"role":"assistant","content":"fine"},"split":"TEST"}`,
	}, "\n")

	report, err := ing.IngestJSONL(context.Background(), node, strings.NewReader(body))
	require.NoError(t, err)
	assert.Equal(t, 1, report.Created)
	require.Len(t, report.Errors, 4)
	assert.Equal(t, 1, report.Errors[0].Line)
	assert.Contains(t, report.Errors[0].Message, "invalid JSON")
	assert.Contains(t, report.Errors[1].Message, "no input messages")
	assert.Contains(t, report.Errors[2].Message, "no output message")
	assert.Contains(t, report.Errors[3].Message, "invalid split")

	pending := entriesByStatus(t, st, node.ID, models.EntryStatusPending)
	require.Len(t, pending, 1)
	assert.Equal(t, models.SplitTest, pending[0].Split)
}

func TestIngestJSONL_RejectsNonArchiveNodes(t *testing.T) {
	st := store.NewMemoryStore()
	ing := pipeline.NewIngestor(st)
	node := createNode(t, st, models.NodeTypeDataset, `{}`)

	_, err := ing.IngestJSONL(context.Background(), node, strings.NewReader(`{}`))
	require.Error(t, err)
	assert.Contains(t, err.Error(), "archive")
}
