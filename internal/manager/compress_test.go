package manager

import (
	"bytes"
	"testing"

	"github.com/klauspost/compress/flate"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func deflate(t *testing.T, data []byte) []byte {
	t.Helper()
	var buf bytes.Buffer
	w, err := flate.NewWriter(&buf, flate.DefaultCompression)
	require.NoError(t, err)
	_, err = w.Write(data)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestInflateRoundTrip(t *testing.T) {
	original := []byte(`{"type":"chat_message","text":"compressed payload"}`)

	out, err := inflate(deflate(t, original), 1024)
	require.NoError(t, err)
	assert.Equal(t, original, out)
}

func TestInflateEnforcesLimit(t *testing.T) {
	// Highly compressible payload: tiny on the wire, large inflated.
	big := bytes.Repeat([]byte("a"), 4096)

	_, err := inflate(deflate(t, big), 1024)
	assert.ErrorIs(t, err, errFrameTooLarge)
}

func TestInflateRejectsGarbage(t *testing.T) {
	_, err := inflate([]byte("not deflate data"), 1024)
	assert.Error(t, err)
}
