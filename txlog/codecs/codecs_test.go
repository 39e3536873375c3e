package codecs

import (
	"bytes"
	"io"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestCodecRoundTrips(t *testing.T) {
	var input = bytes.Repeat([]byte("log segment content "), 100)

	for _, codec := range []Codec{None, Gzip, Snappy} {
		t.Run(string(codec), func(t *testing.T) {
			require.NoError(t, codec.Validate())

			var buf bytes.Buffer
			var cw, err = NewCodecWriter(&buf, codec)
			require.NoError(t, err)
			_, err = cw.Write(input)
			require.NoError(t, err)
			require.NoError(t, cw.Close())

			cr, err := NewCodecReader(&buf, codec)
			require.NoError(t, err)
			var output, rErr = io.ReadAll(cr)
			require.NoError(t, rErr)
			require.NoError(t, cr.Close())

			require.Equal(t, input, output)
		})
	}
}

func TestCodecExtMapping(t *testing.T) {
	require.Equal(t, Gzip, CodecOfExt(".gz"))
	require.Equal(t, Snappy, CodecOfExt(".sz"))
	require.Equal(t, None, CodecOfExt(".seg"))
	require.Error(t, Codec("zstd").Validate())
}
