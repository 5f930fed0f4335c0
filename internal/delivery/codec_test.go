package delivery

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/softprobe/record-sdk-go/internal/model"
)

func TestCodecs_Decode(t *testing.T) {
	env := model.Envelope{
		Metadata: model.Metadata{
			AppID:     "app-1",
			SessionID: "sess-1",
			TenantID:  "tenant-1",
			Tags:      model.Tags{"env": "prod", "ext": map[string]any{"k": "v"}},
		},
		Data: model.EnvelopeData{Events: []model.Event{
			{Kind: model.KindFullSnapshot, Timestamp: 10, EventIndex: 1, Data: []byte(`"cGFja2Vk"`), IsCompressed: true},
		}},
	}

	for _, c := range []Codec{JSONCodec{}, CBORCodec{}} {
		t.Run(c.Name(), func(t *testing.T) {
			data, err := c.Encode(env)
			require.NoError(t, err)

			var back model.Envelope
			require.NoError(t, c.Decode(data, &back))
			assert.Equal(t, env.Metadata.AppID, back.Metadata.AppID)
			assert.Equal(t, "prod", back.Metadata.Tags["env"])
			assert.Equal(t, map[string]any{"k": "v"}, back.Metadata.Tags["ext"])
			require.Len(t, back.Data.Events, 1)
			assert.True(t, back.Data.Events[0].IsCompressed)
			assert.Equal(t, string(env.Data.Events[0].Data), string(back.Data.Events[0].Data))
		})
	}
}

func TestCBOR_Deterministic(t *testing.T) {
	env := model.Envelope{Metadata: model.Metadata{Tags: model.Tags{"b": 1, "a": 2, "c": 3}}}
	first, err := CBORCodec{}.Encode(env)
	require.NoError(t, err)
	for i := 0; i < 20; i++ {
		again, err := CBORCodec{}.Encode(env)
		require.NoError(t, err)
		assert.Equal(t, first, again)
	}
}

func TestParseCodec(t *testing.T) {
	c, err := ParseCodec("")
	require.NoError(t, err)
	assert.Equal(t, "json", c.Name())

	c, err = ParseCodec("CBOR")
	require.NoError(t, err)
	assert.Equal(t, "application/cbor", c.ContentType())

	_, err = ParseCodec("xml")
	assert.ErrorIs(t, err, ErrUnknownCodec)

	assert.Equal(t, "cbor", CodecForContentType("application/cbor; charset=binary").Name())
	assert.Equal(t, "json", CodecForContentType("text/plain").Name())
}
