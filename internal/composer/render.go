// Package composer renders retrieved context into a bounded plain-text block
// suitable for handing to a language model or a person.
package composer

import (
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"github.com/kalambet/contextsync/internal/retrieval"
)

const (
	defaultMaxContextTokens = 4000
	defaultPerType          = 5

	// PreviewLength is the number of content characters shown per item.
	PreviewLength = 200
)

// Composer renders a retrieval.Context. Sections appear in a fixed order and
// items keep their retrieval order; an item that would overflow the token
// budget is left out.
type Composer struct {
	MaxContextTokens int
	PerType          int
}

// New creates a Composer. Non-positive arguments select the defaults (4000
// tokens, 5 items per type).
func New(maxContextTokens, perType int) *Composer {
	if maxContextTokens <= 0 {
		maxContextTokens = defaultMaxContextTokens
	}
	if perType <= 0 {
		perType = defaultPerType
	}
	return &Composer{MaxContextTokens: maxContextTokens, PerType: perType}
}

type section struct {
	title  string
	items  []retrieval.Result
	format func(n int, r retrieval.Result) string
}

// Render returns "" when there is nothing to show.
func (c *Composer) Render(ctx retrieval.Context) string {
	sections := []section{
		{"Relevant Emails", ctx.Emails, formatEmail},
		{"Relevant Contacts", ctx.Contacts, formatContact},
		{"Relevant Meetings", ctx.Meetings, formatMeeting},
		{"Relevant Notes", ctx.Notes, formatNote},
	}

	var sb strings.Builder
	remaining := c.MaxContextTokens
	for _, s := range sections {
		if len(s.items) == 0 {
			continue
		}
		header := "## " + s.title + ":\n"
		if sb.Len() > 0 {
			header = "\n" + header
		}
		headerTokens := EstimateTokens(header)

		var entries []string
		budget := remaining - headerTokens
		for _, item := range s.items {
			if len(entries) == c.PerType {
				break
			}
			entry := s.format(len(entries)+1, item)
			tokens := EstimateTokens(entry)
			if tokens > budget {
				continue
			}
			entries = append(entries, entry)
			budget -= tokens
		}
		if len(entries) == 0 {
			continue
		}
		sb.WriteString(header)
		for _, e := range entries {
			sb.WriteString(e)
		}
		remaining = budget
	}
	return sb.String()
}

func formatEmail(n int, r retrieval.Result) string {
	subject := meta(r, "subject")
	if subject == "" {
		subject = "No subject"
	}
	head := fmt.Sprintf("%d. %s", n, subject)
	if from := meta(r, "from"); from != "" {
		head += " (" + from + ")"
	}
	return head + "\n" + preview(r.Content)
}

func formatContact(n int, r retrieval.Result) string {
	name := meta(r, "name")
	if name == "" {
		name = "Unknown contact"
	}
	head := fmt.Sprintf("%d. %s", n, name)
	if email := meta(r, "email"); email != "" {
		head += " (" + email + ")"
	}
	company := meta(r, "company")
	if company == "" {
		company = "N/A"
	}
	return head + "\n   Company: " + company + "\n" + preview(r.Content)
}

func formatMeeting(n int, r retrieval.Result) string {
	title := meta(r, "title")
	if title == "" {
		title = "Untitled Event"
	}
	head := fmt.Sprintf("%d. %s", n, title)
	if d := metaDate(r, "startTime"); d != "" {
		head += " (" + d + ")"
	}
	attendees := strings.Join(metaStrings(r, "attendees"), ", ")
	if attendees == "" {
		attendees = "N/A"
	}
	return head + "\n   Attendees: " + attendees + "\n" + preview(r.Content)
}

func formatNote(n int, r retrieval.Result) string {
	head := fmt.Sprintf("%d. Note", n)
	if name := meta(r, "contactName"); name != "" {
		head += " for " + name
	}
	if d := metaDate(r, "createdAt"); d != "" {
		head += " (" + d + ")"
	}
	return head + "\n" + preview(r.Content)
}

// preview indents the first PreviewLength characters of s, marking the cut
// with an ellipsis.
func preview(s string) string {
	s = strings.Join(strings.Fields(s), " ")
	if utf8.RuneCountInString(s) > PreviewLength {
		s = string([]rune(s)[:PreviewLength]) + "..."
	}
	return "   " + s + "\n"
}

func meta(r retrieval.Result, key string) string {
	if v, ok := r.Metadata[key].(string); ok {
		return v
	}
	return ""
}

// metaDate renders an RFC 3339 metadata value as a calendar date.
func metaDate(r retrieval.Result, key string) string {
	t, err := time.Parse(time.RFC3339, meta(r, key))
	if err != nil {
		return ""
	}
	return t.Format(time.DateOnly)
}

// metaStrings accepts both []string and the []any that JSON decoding yields.
func metaStrings(r retrieval.Result, key string) []string {
	switch v := r.Metadata[key].(type) {
	case []string:
		return v
	case []any:
		out := make([]string, 0, len(v))
		for _, x := range v {
			if s, ok := x.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}

// EstimateTokens provides a rough token count using 4 chars per token heuristic.
func EstimateTokens(text string) int {
	return (len(text) + 3) / 4
}
