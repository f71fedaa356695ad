// ABOUTME: Tests for turn coalescing of buffered events
// ABOUTME: Covers text joining, media supersession with captions, and identity selection

package inbound

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var t0 = time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)

func textEvent(id, text string, offset time.Duration) Event {
	return Event{
		Class:      ClassText,
		Originator: "15551230000",
		Name:       "Ada",
		MessageID:  id,
		Timestamp:  t0.Add(offset),
		Text:       text,
	}
}

func mediaEvent(id, mediaID, caption string, offset time.Duration) Event {
	return Event{
		Class:      ClassMedia,
		Originator: "15551230000",
		Name:       "Ada",
		MessageID:  id,
		Timestamp:  t0.Add(offset),
		Text:       caption,
		Media:      &MediaRef{ID: mediaID, MimeType: "image/jpeg", Category: "image"},
	}
}

func TestCoalesce_Single(t *testing.T) {
	ev := mediaEvent("m1", "M1", "hi", 0)
	assert.Equal(t, ev, Coalesce([]Event{ev}))
}

func TestCoalesce_Empty(t *testing.T) {
	assert.Equal(t, Event{}, Coalesce(nil))
}

func TestCoalesce_TextOnly(t *testing.T) {
	first := textEvent("m1", "a", 0)
	first.BusinessPhoneID = "PID"
	second := textEvent("m2", "b", time.Second)
	second.Name = "Ada L."
	second.ContextID = "ctx-2"

	out := Coalesce([]Event{first, second})

	assert.Equal(t, ClassText, out.Class)
	assert.Equal(t, "a\nb", out.Text)
	assert.Equal(t, "m2", out.MessageID, "message id comes from the last event")
	assert.Equal(t, t0.Add(time.Second), out.Timestamp, "timestamp comes from the last event")
	assert.Equal(t, "Ada", out.Name, "name comes from the first event")
	assert.Equal(t, "15551230000", out.Originator)
	assert.Equal(t, "ctx-2", out.ContextID)
	assert.Equal(t, "PID", out.BusinessPhoneID)
	assert.Nil(t, out.Media)
}

func TestCoalesce_TextSkipsEmptyBodies(t *testing.T) {
	out := Coalesce([]Event{
		textEvent("m1", "a", 0),
		textEvent("m2", "", time.Second),
		textEvent("m3", "c", 2*time.Second),
	})
	assert.Equal(t, "a\nc", out.Text)
	assert.Equal(t, "m3", out.MessageID)
}

func TestCoalesce_MediaWithSurroundingCaptions(t *testing.T) {
	out := Coalesce([]Event{
		textEvent("m1", "caption1", 0),
		mediaEvent("m2", "M1", "", time.Second),
		textEvent("m3", "caption2", 2*time.Second),
	})

	assert.Equal(t, ClassMedia, out.Class)
	require.NotNil(t, out.Media)
	assert.Equal(t, "M1", out.Media.ID)
	assert.Equal(t, "caption1\ncaption2", out.Text)
	assert.Equal(t, "m2", out.MessageID, "identity comes from the acted-upon media event")
}

func TestCoalesce_LastMediaSupersedes(t *testing.T) {
	out := Coalesce([]Event{
		mediaEvent("m1", "M1", "first photo", 0),
		textEvent("m2", "between", time.Second),
		mediaEvent("m3", "M2", "second photo", 2*time.Second),
	})

	require.NotNil(t, out.Media)
	assert.Equal(t, "M2", out.Media.ID)
	assert.Equal(t, "m3", out.MessageID)
	assert.Equal(t, "first photo\nbetween\nsecond photo", out.Text, "captions follow arrival order")
}

func TestCoalesce_DoesNotAliasInputMedia(t *testing.T) {
	in := []Event{textEvent("m1", "x", 0), mediaEvent("m2", "M1", "", time.Second)}
	out := Coalesce(in)
	out.Media.ID = "changed"
	assert.Equal(t, "M1", in[1].Media.ID)
}

func TestCoalesce_UnknownIgnoredBesideText(t *testing.T) {
	sticker := Event{Class: ClassUnknown, Kind: "sticker", Originator: "15551230000", MessageID: "m2"}
	out := Coalesce([]Event{textEvent("m1", "hello", 0), sticker})

	assert.Equal(t, ClassText, out.Class)
	assert.Equal(t, "hello", out.Text)
	assert.Equal(t, "m2", out.MessageID)
}

func TestCoalesce_OnlyUnknownReturnsLast(t *testing.T) {
	a := Event{Class: ClassUnknown, Kind: "sticker", MessageID: "m1"}
	b := Event{Class: ClassUnknown, Kind: "location", MessageID: "m2"}
	assert.Equal(t, b, Coalesce([]Event{a, b}))
}
