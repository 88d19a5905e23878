package wsbroker

import (
	"bytes"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPackMessageTypeFirst(t *testing.T) {
	data, err := PackMessage(AuthMessage{Token: "t", Reverse: true})
	require.NoError(t, err)
	assert.True(t, bytes.HasPrefix(data, []byte(`{"type":"auth",`)), string(data))

	msg, err := ParseMessage(data)
	require.NoError(t, err)
	assert.Equal(t, AuthMessage{Token: "t", Reverse: true}, msg)
}

func TestDataMessagePayload(t *testing.T) {
	id := uuid.New()
	payload := []byte{0, 1, 2, 0xff}

	data, err := PackMessage(DataMessage{ChannelID: id, Data: payload})
	require.NoError(t, err)

	msg, err := ParseMessage(data)
	require.NoError(t, err)
	dm, ok := msg.(DataMessage)
	require.True(t, ok)
	assert.Equal(t, id, dm.ChannelID)
	assert.Equal(t, payload, dm.Data)
}

func TestConnectMessageTarget(t *testing.T) {
	assert.Equal(t, "example.com:443", ConnectMessage{Address: "example.com", Port: 443}.Target())
	assert.Equal(t, "[::1]:80", ConnectMessage{Address: "::1", Port: 80}.Target())
}

func TestParseMessageErrors(t *testing.T) {
	_, err := ParseMessage([]byte(`{"type":"bogus"}`))
	assert.Error(t, err)

	_, err = ParseMessage([]byte(`not json`))
	assert.Error(t, err)
}
