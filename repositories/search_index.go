//go:generate go run go.uber.org/mock/mockgen -source=search_index.go -destination=../mocks/mock_search_index.go -package=mocks
package repositories

import (
	"chat-broker/domain"
	"context"
	"fmt"
	"log/slog"
	"strings"
	"unicode"

	"github.com/blugelabs/bluge"
	"github.com/google/uuid"
)

const contentField = "content"

// ISearchIndex narrows full-text queries down to candidate message ids.
// Candidates may be a superset of the exact matches.
type ISearchIndex interface {
	Index(message domain.Message) error
	Candidates(ctx context.Context, query string) ([]uuid.UUID, error)
	Count() (uint64, error)
}

type SearchIndex struct {
	writer *bluge.Writer
	log    *slog.Logger
}

func NewSearchIndex(writer *bluge.Writer, log *slog.Logger) *SearchIndex {
	return &SearchIndex{writer: writer, log: log}
}

// Index stores the lowercased content as a single keyword term so that a
// wildcard query behaves as a substring match.
func (s *SearchIndex) Index(message domain.Message) error {
	doc := bluge.NewDocument(message.ID.String()).
		AddField(bluge.NewKeywordField(contentField, indexable(message.Content)))
	return s.writer.Update(doc.ID(), doc)
}

func (s *SearchIndex) Candidates(ctx context.Context, query string) ([]uuid.UUID, error) {
	reader, err := s.writer.Reader()
	if err != nil {
		return nil, fmt.Errorf("unable to open index reader: %w", err)
	}
	defer func() {
		if err := reader.Close(); err != nil {
			s.log.Error("Unable to close index reader", "error", err)
		}
	}()

	wildcard := bluge.NewWildcardQuery("*" + pattern(query) + "*").SetField(contentField)
	iterator, err := reader.Search(ctx, bluge.NewAllMatches(wildcard))
	if err != nil {
		return nil, err
	}

	var ids []uuid.UUID
	match, err := iterator.Next()
	for err == nil && match != nil {
		err = match.VisitStoredFields(func(field string, value []byte) bool {
			if field != "_id" {
				return true
			}
			id, parseErr := uuid.ParseBytes(value)
			if parseErr != nil {
				s.log.Warn("Skipping foreign document", "id", string(value))
				return false
			}
			ids = append(ids, id)
			return false
		})
		if err != nil {
			break
		}
		match, err = iterator.Next()
	}
	if err != nil {
		return nil, err
	}
	return ids, nil
}

func (s *SearchIndex) Count() (uint64, error) {
	reader, err := s.writer.Reader()
	if err != nil {
		return 0, err
	}
	defer reader.Close()
	return reader.Count()
}

// Line breaks are flattened so that a leading or trailing "*" spans the
// whole content.
func indexable(content string) string {
	return strings.Map(func(r rune) rune {
		if r == '\n' || r == '\r' {
			return ' '
		}
		return r
	}, strings.ToLower(content))
}

// pattern turns the query into a wildcard body. Every rune outside letters,
// digits and spaces becomes "?" so that no regexp or wildcard metacharacter
// reaches the automaton; callers post-filter the exact substring.
func pattern(query string) string {
	return strings.Map(func(r rune) rune {
		if unicode.IsLetter(r) || unicode.IsDigit(r) || r == ' ' {
			return r
		}
		return '?'
	}, strings.ToLower(query))
}
