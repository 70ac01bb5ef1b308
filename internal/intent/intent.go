// Package intent turns free-text mail into a command. The date/time grammar
// mirrors how the source site renders event cards; it is a replaceable
// adapter, not a contract the core depends on.
package intent

import (
	"regexp"
	"strings"

	"joinbot/internal/mail"
)

type Action int

const (
	ActionUnknown Action = iota
	ActionAdd
	ActionRemove
	ActionReport
)

func (a Action) String() string {
	switch a {
	case ActionAdd:
		return "add"
	case ActionRemove:
		return "remove"
	case ActionReport:
		return "report"
	default:
		return "unknown"
	}
}

// Intent is the parsed command. EventDate and TimeRange are canonicalized
// deterministically (single spaces, lower-case meridiem): they feed the dedup
// key, so an add and a later remove must produce identical text even when the
// mails were typed differently.
type Intent struct {
	Action    Action
	EventDate string
	TimeRange string
}

var (
	// "Mon, Jan 12" with the weekday optional: "Jan 12" also matches.
	datePattern = regexp.MustCompile(`(?i)\b(?:(Mon|Tue|Wed|Thu|Fri|Sat|Sun),\s*)?((?:Jan|Feb|Mar|Apr|May|Jun|Jul|Aug|Sep|Oct|Nov|Dec)\s+\d{1,2})\b`)

	// "6:00pm - 7:00pm", tolerant of spacing and case.
	timeRangePattern = regexp.MustCompile(`(?i)\b(\d{1,2}:\d{2}\s*[ap]m)\s*-\s*(\d{1,2}:\d{2}\s*[ap]m)`)

	removeKeywords = []string{"stop", "cancel", "remove"}
)

// Parse extracts the command from a message. A subject containing "report"
// short-circuits; otherwise the subject and body are scanned for a
// (date, time range) pair and for cancellation keywords.
func Parse(m mail.Message) Intent {
	if strings.Contains(strings.ToLower(m.Subject()), "report") {
		return Intent{Action: ActionReport}
	}

	corpus := m.Subject() + "\n" + m.Body()

	date := findDate(corpus)
	timeRange := findTimeRange(corpus)
	if date == "" || timeRange == "" {
		return Intent{Action: ActionUnknown}
	}

	action := ActionAdd
	lower := strings.ToLower(corpus)
	for _, kw := range removeKeywords {
		if strings.Contains(lower, kw) {
			action = ActionRemove
			break
		}
	}
	return Intent{Action: action, EventDate: date, TimeRange: timeRange}
}

func findDate(corpus string) string {
	m := datePattern.FindStringSubmatch(corpus)
	if m == nil {
		return ""
	}
	if m[1] != "" {
		return m[1] + ", " + normalizeSpaces(m[2])
	}
	return normalizeSpaces(m[2])
}

func findTimeRange(corpus string) string {
	m := timeRangePattern.FindStringSubmatch(corpus)
	if m == nil {
		return ""
	}
	return strings.ToLower(normalizeSpaces(m[1])) + " - " + strings.ToLower(normalizeSpaces(m[2]))
}

var spaceRun = regexp.MustCompile(`\s+`)

func normalizeSpaces(s string) string {
	return spaceRun.ReplaceAllString(strings.TrimSpace(s), " ")
}
