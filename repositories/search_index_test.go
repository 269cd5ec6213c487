package repositories

import (
	"context"
	"log/slog"
	"testing"
	"time"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"
	"github.com/stretchr/testify/require"
)

func openIndex(t *testing.T) *SearchIndex {
	t.Helper()
	writer, err := bluge.OpenWriter(bluge.InMemoryOnlyConfig())
	require.NoError(t, err)
	t.Cleanup(func() { _ = writer.Close() })
	return NewSearchIndex(writer, slog.Default())
}

func Test_Index_Candidates(t *testing.T) {
	at := time.Now().UTC()
	hello := roomMessage("general", "alice", "Hello World", at)
	multiline := roomMessage("general", "alice", "first line\nsecond HELLO", at)
	other := roomMessage("general", "bob", "goodbye", at)

	testCases := []struct {
		name     string
		query    string
		expected []uuid.UUID
	}{
		{name: "Case insensitive substring", query: "hello", expected: []uuid.UUID{hello.ID, multiline.ID}},
		{name: "Inner fragment", query: "ood", expected: []uuid.UUID{other.ID}},
		{name: "Across a line break", query: "line", expected: []uuid.UUID{multiline.ID}},
		{name: "Metacharacters are neutralised", query: "o.w", expected: []uuid.UUID{hello.ID}},
		{name: "No match", query: "zebra"},
	}

	index := openIndex(t)
	require.NoError(t, index.Index(hello))
	require.NoError(t, index.Index(multiline))
	require.NoError(t, index.Index(other))

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			req := require.New(t)
			candidates, err := index.Candidates(context.Background(), tc.query)
			req.NoError(err)
			req.ElementsMatch(tc.expected, candidates)
		})
	}
}

func Test_Index_Count(t *testing.T) {
	req := require.New(t)
	index := openIndex(t)

	count, err := index.Count()
	req.NoError(err)
	req.Zero(count)

	message := roomMessage("general", "alice", "hi", time.Now().UTC())
	req.NoError(index.Index(message))
	req.NoError(index.Index(message))

	count, err = index.Count()
	req.NoError(err)
	req.Equal(uint64(1), count)
}
