package moderation

import (
	"chat-broker/domain"
	"log/slog"

	"github.com/abadojack/whatlanggo"
)

// Filter prepares a draft before it reaches the message log: it masks
// censored words and tags the detected language.
type Filter struct {
	moderator *Moderator
	log       *slog.Logger
}

// NewFilter accepts a nil moderator, in which case content is left as is.
func NewFilter(moderator *Moderator, log *slog.Logger) Filter {
	return Filter{moderator: moderator, log: log}
}

func (f Filter) Apply(draft domain.Draft) domain.Draft {
	if draft.Kind == domain.KindFile {
		return draft
	}
	draft.Language = detectLanguage(draft.Content)
	if f.moderator != nil {
		sanitized, words := f.moderator.Censor(draft.Content)
		if len(words) > 0 {
			f.log.Info("Message censored", "sender", draft.Sender.UserID, "count", len(words))
		}
		draft.Content = sanitized
	}
	return draft
}

// detectLanguage returns the ISO 639-1 code, or "" when nothing was detected.
func detectLanguage(content string) string {
	return whatlanggo.Detect(content).Lang.Iso6391()
}
