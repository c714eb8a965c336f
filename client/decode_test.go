package client_test

import (
	"bytes"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/klauspost/compress/flate"
	"github.com/klauspost/compress/gzip"
	"github.com/klauspost/compress/zlib"
	"github.com/klauspost/compress/zstd"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/firasghr/mimicry/client"
)

const plain = "<html><body>fingerprinted response body</body></html>"

func gzipped(t *testing.T, in []byte) []byte {
	var buf bytes.Buffer
	w := gzip.NewWriter(&buf)
	_, err := w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func brotlied(t *testing.T, in []byte) []byte {
	var buf bytes.Buffer
	w := brotli.NewWriter(&buf)
	_, err := w.Write(in)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	return buf.Bytes()
}

func TestDecodeBody(t *testing.T) {
	var zl bytes.Buffer
	zw := zlib.NewWriter(&zl)
	zw.Write([]byte(plain))
	zw.Close()

	var raw bytes.Buffer
	fw, err := flate.NewWriter(&raw, flate.DefaultCompression)
	require.NoError(t, err)
	fw.Write([]byte(plain))
	fw.Close()

	enc, err := zstd.NewWriter(nil)
	require.NoError(t, err)
	zst := enc.EncodeAll([]byte(plain), nil)
	enc.Close()

	cases := map[string]struct {
		body     []byte
		encoding string
	}{
		"none":          {[]byte(plain), ""},
		"identity":      {[]byte(plain), "identity"},
		"gzip":          {gzipped(t, []byte(plain)), "gzip"},
		"gzip upper":    {gzipped(t, []byte(plain)), "GZIP"},
		"deflate zlib":  {zl.Bytes(), "deflate"},
		"deflate raw":   {raw.Bytes(), "deflate"},
		"brotli":        {brotlied(t, []byte(plain)), "br"},
		"zstd":          {zst, "zstd"},
		"gzip then br":  {brotlied(t, gzipped(t, []byte(plain))), "gzip, br"},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			out, err := client.DecodeBody(tc.body, tc.encoding)
			require.NoError(t, err)
			assert.Equal(t, plain, string(out))
		})
	}
}

func TestDecodeBody_Errors(t *testing.T) {
	_, err := client.DecodeBody([]byte("x"), "compress")
	assert.Error(t, err)

	_, err = client.DecodeBody([]byte("not gzip"), "gzip")
	assert.Error(t, err)
}

func TestDecodeBody_EmptyBody(t *testing.T) {
	out, err := client.DecodeBody(nil, "gzip")
	require.NoError(t, err)
	assert.Empty(t, out)
}
