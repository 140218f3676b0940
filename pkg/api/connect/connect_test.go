package connectapi

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type message struct {
	Name  string   `json:"name"`
	Bytes []byte   `json:"bytes,omitempty"`
	List  []uint64 `json:"list"`
}

func TestJSONCodec(t *testing.T) {
	in := message{Name: "a", Bytes: []byte{0, 1, 2}, List: []uint64{1 << 63}}
	b, err := JSONCodec.Marshal(&in)
	require.NoError(t, err)
	assert.Contains(t, string(b), `"bytes":"AAEC"`)

	var out message
	require.NoError(t, JSONCodec.Unmarshal(b, &out))
	assert.Equal(t, in, out)
	assert.Equal(t, "json", JSONCodec.Name())
}

func TestGzipCompressor(t *testing.T) {
	var buf bytes.Buffer
	c := newGzipCompressor()
	c.Reset(&buf)
	_, err := c.Write([]byte("hello hello hello"))
	require.NoError(t, err)
	require.NoError(t, c.Close())

	d := newGzipDecompressor()
	require.NoError(t, d.Reset(&buf))
	out, err := io.ReadAll(d)
	require.NoError(t, err)
	assert.Equal(t, "hello hello hello", string(out))
	require.NoError(t, d.Close())
}
