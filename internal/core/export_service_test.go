package core

import (
	"bytes"
	"context"
	"encoding/csv"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExportRowsPerMessage(t *testing.T) {
	s := setupStore(t)
	svc := NewExportService(s, time.UTC, testLogger())
	ctx := context.Background()
	base := time.Date(2024, 4, 1, 10, 0, 0, 0, time.UTC)

	alice := seedUser(t, s, "alice", base)
	seedConversation(t, s, alice.ID, "first", base, `say "hi"`, "two", "three")
	seedConversation(t, s, "ghost", "orphan", base.Add(time.Hour), "lonely")

	rows, err := svc.Export(ctx, ExportFilter{})
	require.NoError(t, err)
	require.Len(t, rows, 4)

	assert.Equal(t, "orphan", rows[0].ConversationTitle)
	assert.Equal(t, "Deleted User", rows[0].Username)
	assert.Equal(t, "", rows[0].Email)
	assert.Equal(t, 1, rows[0].MessageIndex)

	assert.Equal(t, "first", rows[1].ConversationTitle)
	assert.Equal(t, []int{1, 2, 3}, []int{rows[1].MessageIndex, rows[2].MessageIndex, rows[3].MessageIndex})
	assert.Equal(t, "alice@example.com", rows[1].Email)

	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, rows))

	records, err := csv.NewReader(&buf).ReadAll()
	require.NoError(t, err)
	require.Len(t, records, 5)
	assert.Equal(t, ExportColumns, records[0])
	assert.Equal(t, `say "hi"`, records[2][5])
	assert.Equal(t, "2024-04-01T10:00:00Z", records[2][7])
}

func TestWriteCSVQuotesEveryField(t *testing.T) {
	var buf bytes.Buffer
	ts := time.Date(2024, 1, 2, 3, 4, 5, 0, time.UTC)
	require.NoError(t, WriteCSV(&buf, []ExportRow{{
		ConversationID:      "c1",
		ConversationTitle:   "a,b",
		Username:            "u",
		MessageIndex:        1,
		Prompt:              "line1\nline2",
		Response:            `he said "ok"`,
		MessageTimestamp:    ts,
		ConversationCreated: ts,
	}}))

	lines := strings.SplitN(buf.String(), "\n", 2)
	assert.Equal(t, strings.Join(ExportColumns, ","), lines[0])
	assert.True(t, strings.HasPrefix(lines[1], `"c1","a,b","u","","1","line1`))
	assert.Contains(t, lines[1], `"he said ""ok"""`)
	assert.True(t, strings.HasSuffix(buf.String(), "\"2024-01-02T03:04:05Z\"\n"))
}

func TestWriteCSVEmptyHasHeader(t *testing.T) {
	var buf bytes.Buffer
	require.NoError(t, WriteCSV(&buf, nil))
	assert.Equal(t, strings.Join(ExportColumns, ",")+"\n", buf.String())
}

func TestExportFilters(t *testing.T) {
	s := setupStore(t)
	svc := NewExportService(s, time.UTC, testLogger())
	ctx := context.Background()

	alice := seedUser(t, s, "alice", time.Time{})
	bob := seedUser(t, s, "bob", time.Time{})
	seedConversation(t, s, alice.ID, "march", time.Date(2024, 3, 10, 12, 0, 0, 0, time.UTC), "q")
	seedConversation(t, s, alice.ID, "april", time.Date(2024, 4, 10, 23, 0, 0, 0, time.UTC), "q")
	seedConversation(t, s, bob.ID, "bob-april", time.Date(2024, 4, 11, 1, 0, 0, 0, time.UTC), "q")

	f, err := svc.ParseFilter(alice.ID, "", "")
	require.NoError(t, err)
	rows, err := svc.Export(ctx, f)
	require.NoError(t, err)
	assert.Len(t, rows, 2)

	// a bare end date includes the whole day
	f, err = svc.ParseFilter("", "2024-04-01", "2024-04-10")
	require.NoError(t, err)
	rows, err = svc.Export(ctx, f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "april", rows[0].ConversationTitle)

	f, err = svc.ParseFilter("", "2024-04-11T00:00:00Z", "")
	require.NoError(t, err)
	rows, err = svc.Export(ctx, f)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.Equal(t, "bob-april", rows[0].ConversationTitle)

	_, err = svc.ParseFilter("", "yesterday", "")
	assert.ErrorIs(t, err, ErrValidation)
	_, err = svc.ParseFilter("", "", "2024-13-01")
	assert.ErrorIs(t, err, ErrValidation)
}
