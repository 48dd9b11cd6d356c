package supervisor

import (
	"context"
	"regexp"
	"strings"
	"unicode"

	"github.com/scalytics/tellerline/internal/redact"
)

const verifiedPrefix = "Thanks, you're verified."

func (s *Supervisor) formatResponse(_ context.Context, st *State) (Patch, error) {
	if st.Replay != nil {
		return skipped("duplicate"), nil
	}
	text := strings.TrimSpace(st.ReplyDraft)
	if text == "" {
		text = s.fallbackReply(st.Channel)
	}
	if st.JustVerified && !st.RequiresAuth {
		text = verifiedPrefix + " " + text
	}

	text = redact.MaskPAN(text)
	redacted := false
	// The gate's reading wins; a failed gate leaves the turn unverified.
	if st.GateLevel.Rank() == 0 {
		if out := s.replyFilter.Redact(text); out != text {
			text, redacted = out, true
		}
	}

	limit := s.Config.Replies.MaxChars.For(st.Channel)
	if st.Channel == "voice" {
		text = RenderVoice(text, s.Config.Replies.VoiceAck, limit)
	} else {
		text = Truncate(text, limit)
	}
	return Patch{
		FormattedReply: ptr(text),
		note: note{output: map[string]any{
			"reply":    text,
			"redacted": redacted,
			"chars":    len([]rune(text)),
		}},
	}, nil
}

var (
	markupRe     = regexp.MustCompile("[*_`~#>|]+")
	bulletRe     = regexp.MustCompile(`(?m)^\s*(?:[-•]|\d+[.)])\s+`)
	linkRe       = regexp.MustCompile(`\[([^\]]+)\]\([^)]+\)`)
	whitespaceRe = regexp.MustCompile(`\s+`)
	sentenceRe   = regexp.MustCompile(`[.!?](\s|$)`)
)

// RenderVoice turns a chat reply into a short spoken one: markup and emoji
// are removed, the text is capped to limit at a sentence boundary where
// possible, and ack is prepended.
func RenderVoice(text, ack string, limit int) string {
	text = linkRe.ReplaceAllString(text, "$1")
	text = bulletRe.ReplaceAllString(text, "")
	text = markupRe.ReplaceAllString(text, "")
	text = strings.Map(func(r rune) rune {
		if isEmoji(r) {
			return -1
		}
		return r
	}, text)
	text = strings.TrimSpace(whitespaceRe.ReplaceAllString(text, " "))

	ack = strings.TrimSpace(ack)
	if ack != "" && !strings.HasPrefix(strings.ToLower(text), strings.ToLower(ack)) {
		text = ack + " " + text
	}
	if limit <= 0 || len([]rune(text)) <= limit {
		return text
	}
	runes := []rune(text)
	cut := string(runes[:limit])
	locs := sentenceRe.FindAllStringIndex(cut, -1)
	if len(locs) > 0 {
		end := locs[len(locs)-1][0] + 1
		if end > len(ack)+1 {
			return strings.TrimSpace(cut[:end])
		}
	}
	return Truncate(text, limit)
}

func isEmoji(r rune) bool {
	switch {
	case r >= 0x1F000 && r <= 0x1FAFF:
		return true
	case r >= 0x2600 && r <= 0x27BF:
		return true
	case r == 0xFE0F || r == 0x200D:
		return true
	}
	return unicode.Is(unicode.So, r)
}

// Truncate caps text to limit runes, cutting at a word boundary and adding
// an ellipsis.
func Truncate(text string, limit int) string {
	runes := []rune(text)
	if limit <= 0 || len(runes) <= limit {
		return text
	}
	if limit == 1 {
		return "…"
	}
	cut := string(runes[:limit-1])
	if i := strings.LastIndexAny(cut, " \n"); i > len(cut)/2 {
		cut = cut[:i]
	}
	return strings.TrimRight(cut, " ,;:\n") + "…"
}
