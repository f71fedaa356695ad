// ABOUTME: Merges a drained burst of events into one logical turn
// ABOUTME: Text bodies are joined in arrival order; the last attachment supersedes earlier ones

package inbound

import "strings"

// Coalesce merges a non-empty, arrival-ordered list of events into one.
//
// A single event is returned unchanged. When text events are present and
// none carries media, the bodies are joined with newlines; identity comes from
// the first event and message ID and timestamp from the last. When any media event
// is present, the last one supplies the attachment and identity, and the
// caption is every non-empty text in arrival order. Unknown-class events
// contribute nothing unless they are all there is, in which case the last
// event wins.
func Coalesce(events []Event) Event {
	switch len(events) {
	case 0:
		return Event{}
	case 1:
		return events[0]
	}

	first := events[0]
	last := events[len(events)-1]

	var texts []string
	lastMedia := -1
	sawText := false
	for i, e := range events {
		switch e.Class {
		case ClassText:
			sawText = true
		case ClassMedia:
			lastMedia = i
		default:
			continue
		}
		if e.Text != "" {
			texts = append(texts, e.Text)
		}
	}

	if lastMedia >= 0 {
		m := events[lastMedia]
		out := m
		out.Text = strings.Join(texts, "\n")
		if m.Media != nil {
			ref := *m.Media
			out.Media = &ref
		}
		return out
	}

	if sawText {
		return Event{
			Class:           ClassText,
			Originator:      first.Originator,
			Name:            first.Name,
			MessageID:       last.MessageID,
			Timestamp:       last.Timestamp,
			Text:            strings.Join(texts, "\n"),
			ContextID:       last.ContextID,
			BusinessPhoneID: first.BusinessPhoneID,
			BusinessPhone:   first.BusinessPhone,
		}
	}

	return last
}
