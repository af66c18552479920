package envelope_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"pulsecrypt/internal/domain"
	"pulsecrypt/internal/protocol/envelope"
)

func TestMarshal_Variants(t *testing.T) {
	cases := []domain.MessageEnvelope{
		domain.NewTextMessage("hello"),
		domain.NewMediaMessage(domain.MediaAttachment{URL: "blob://1", MimeType: "image/png", Size: 10}, "look"),
		domain.NewLocationMessage(domain.Location{Latitude: 51.5, Longitude: -0.12}),
		domain.NewCallMessage(domain.CallEvent{CallID: "c1", Video: true, Status: domain.CallEnded, DurationSec: 42}),
	}
	for _, in := range cases {
		t.Run(string(in.Type), func(t *testing.T) {
			in.ReplyTo = "m-9"
			b, err := envelope.Marshal(in)
			require.NoError(t, err)

			out, err := envelope.Unmarshal(b)
			require.NoError(t, err)
			assert.Equal(t, in.Type, out.Type)
			assert.Equal(t, in.Text, out.Text)
			assert.Equal(t, "m-9", out.ReplyTo)
			assert.True(t, in.SentAt.Equal(out.SentAt))
		})
	}
}

func TestMarshal_WireShape(t *testing.T) {
	e := domain.NewTextMessage("hi")
	e.Formatted = true
	e.ForwardFrom = "bob"
	b, err := envelope.Marshal(e)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"type":"text"`)
	assert.Contains(t, string(b), `"formatted":true`)
	assert.Contains(t, string(b), `"forwardFrom":"bob"`)
	assert.NotContains(t, string(b), `"media"`)
}

func TestMarshal_RejectsInvalid(t *testing.T) {
	bad := []domain.MessageEnvelope{
		{Type: domain.KindText},
		{Type: domain.KindMedia, Text: "no attachment"},
		{Type: domain.KindText, Text: "x", Call: &domain.CallEvent{CallID: "c"}},
		{Type: domain.KindLocation, Location: &domain.Location{Latitude: 91}},
		{Type: "sticker", Text: "x"},
	}
	for _, e := range bad {
		_, err := envelope.Marshal(e)
		assert.Error(t, err, "%+v", e)
	}
}

func TestUnmarshal_LegacyText(t *testing.T) {
	e, err := envelope.Unmarshal([]byte("plain old text"))
	require.NoError(t, err)
	assert.Equal(t, domain.KindText, e.Type)
	assert.Equal(t, "plain old text", e.Text)

	_, err = envelope.Unmarshal([]byte{0xff, 0xfe})
	assert.Error(t, err)

	_, err = envelope.Unmarshal([]byte(`{"type":"media"}`))
	assert.Error(t, err)
}
