package sink

import (
	"strings"

	"codeberg.org/mutker/edgetel/internal/event"
)

var subjectReplacer = strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_")

// expandSubject fills {namespace}, {origin} and {source} placeholders
// with token-safe values.
func expandSubject(subject string, ev event.DataEvent) string {
	if !strings.Contains(subject, "{") {
		return subject
	}
	return strings.NewReplacer(
		"{namespace}", subjectReplacer.Replace(ev.Namespace),
		"{origin}", subjectReplacer.Replace(ev.OriginName),
		"{source}", string(ev.SourceType),
	).Replace(subject)
}
