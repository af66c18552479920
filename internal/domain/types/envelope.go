package types

import (
	"errors"
	"fmt"
	"time"
)

// MessageKind discriminates the MessageEnvelope variants.
type MessageKind string

const (
	KindText     MessageKind = "text"
	KindMedia    MessageKind = "media"
	KindLocation MessageKind = "location"
	KindCall     MessageKind = "call"
)

// MessageEnvelope is the plaintext that gets encrypted as one unit.
//
// Exactly one variant payload is populated, selected by Type: Text uses only
// the Text field, Media and Location carry their attachment plus an optional
// caption in Text, Call carries a CallEvent.
type MessageEnvelope struct {
	Type        MessageKind      `json:"type"`
	Text        string           `json:"text"`
	Media       *MediaAttachment `json:"media,omitempty"`
	Location    *Location        `json:"location,omitempty"`
	Call        *CallEvent       `json:"call,omitempty"`
	Formatted   bool             `json:"formatted"`
	ReplyTo     string           `json:"replyTo,omitempty"`
	ForwardFrom string           `json:"forwardFrom,omitempty"`
	SentAt      time.Time        `json:"sentAt"`
}

// MediaAttachment references an encrypted blob held elsewhere.
type MediaAttachment struct {
	URL        string `json:"url"`
	MimeType   string `json:"mimeType"`
	Size       int64  `json:"size"`
	Width      int    `json:"width,omitempty"`
	Height     int    `json:"height,omitempty"`
	DurationMs int64  `json:"durationMs,omitempty"`
	KeyVersion int    `json:"keyVersion,omitempty"`
	Digest     []byte `json:"digest,omitempty"`
}

// Location is a shared point.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Accuracy  float64 `json:"accuracy,omitempty"`
	Label     string  `json:"label,omitempty"`
}

// CallStatus is the outcome of a call event.
type CallStatus string

const (
	CallStarted  CallStatus = "started"
	CallEnded    CallStatus = "ended"
	CallMissed   CallStatus = "missed"
	CallDeclined CallStatus = "declined"
)

// CallEvent records a voice or video call in the conversation.
type CallEvent struct {
	CallID      string     `json:"callId"`
	Video       bool       `json:"video"`
	Status      CallStatus `json:"status"`
	DurationSec int        `json:"durationSec,omitempty"`
}

// NewTextMessage returns a text envelope.
func NewTextMessage(text string) MessageEnvelope {
	return MessageEnvelope{Type: KindText, Text: text, SentAt: time.Now().UTC()}
}

// NewMediaMessage returns a media envelope with an optional caption.
func NewMediaMessage(m MediaAttachment, caption string) MessageEnvelope {
	return MessageEnvelope{Type: KindMedia, Media: &m, Text: caption, SentAt: time.Now().UTC()}
}

// NewLocationMessage returns a location envelope.
func NewLocationMessage(l Location) MessageEnvelope {
	return MessageEnvelope{Type: KindLocation, Location: &l, SentAt: time.Now().UTC()}
}

// NewCallMessage returns a call envelope.
func NewCallMessage(c CallEvent) MessageEnvelope {
	return MessageEnvelope{Type: KindCall, Call: &c, SentAt: time.Now().UTC()}
}

var errEmptyText = errors.New("text message has no text")

// Validate checks that exactly the payload of the declared variant is set.
func (e MessageEnvelope) Validate() error {
	var set int
	for _, p := range []bool{e.Media != nil, e.Location != nil, e.Call != nil} {
		if p {
			set++
		}
	}
	switch e.Type {
	case KindText:
		if set != 0 {
			return fmt.Errorf("text message carries %d attachment(s)", set)
		}
		if e.Text == "" {
			return errEmptyText
		}
	case KindMedia:
		if e.Media == nil || set != 1 {
			return errors.New("media message needs exactly a media attachment")
		}
	case KindLocation:
		if e.Location == nil || set != 1 {
			return errors.New("location message needs exactly a location")
		}
		if e.Location.Latitude < -90 || e.Location.Latitude > 90 ||
			e.Location.Longitude < -180 || e.Location.Longitude > 180 {
			return fmt.Errorf("location out of range: %f,%f", e.Location.Latitude, e.Location.Longitude)
		}
	case KindCall:
		if e.Call == nil || set != 1 {
			return errors.New("call message needs exactly a call event")
		}
		if e.Call.CallID == "" {
			return errors.New("call event has no id")
		}
	default:
		return fmt.Errorf("unknown message type %q", e.Type)
	}
	return nil
}
