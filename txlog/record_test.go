package txlog

import (
	"bufio"
	"bytes"
	"io"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestMessageMarshalling(t *testing.T) {
	var flush = FlushChunkMessage{ExpectedTxID: 42}
	var b, err = flush.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(KindFlushChunk), b[0])

	msg, err := UnmarshalMessage(b)
	require.NoError(t, err)
	require.Equal(t, flush, msg)

	var tries = TriesAddedMessage{Tries: []TrieEntry{
		{Table: "public/users", Key: "l00-fr0"},
		{Table: "public/orders", Key: "l01-fr2"},
	}}
	b, err = tries.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, byte(KindTriesAdded), b[0])

	msg, err = UnmarshalMessage(b)
	require.NoError(t, err)
	require.Equal(t, tries, msg)
}

func TestTxMessagePayloadMustBeIPC(t *testing.T) {
	// A columnar IPC stream leads with a continuation marker, which doubles
	// as the record kind byte.
	var tx = TxMessage{Payload: []byte{0xFF, 0xFF, 0xFF, 0xFF, 0x08}}
	var b, err = tx.MarshalBinary()
	require.NoError(t, err)
	require.Equal(t, tx.Payload, b)

	_, err = TxMessage{Payload: []byte{0x01, 0x02}}.MarshalBinary()
	require.Error(t, err)
}

func TestUnmarshalMessageRejectsUnknownAndMalformed(t *testing.T) {
	var _, err = UnmarshalMessage(nil)
	require.Error(t, err)

	_, err = UnmarshalMessage([]byte{0x7E})
	require.Error(t, err)

	_, err = UnmarshalMessage([]byte{byte(KindFlushChunk), 1, 2}) // Short.
	require.Error(t, err)

	_, err = UnmarshalMessage([]byte{byte(KindTriesAdded), 1, 0, 0, 0, 0xFF}) // Truncated entry.
	require.Error(t, err)
}

func TestFrameRoundTripAndTornTail(t *testing.T) {
	var recs = []Record{
		{Offset: 0, Timestamp: time.Unix(0, 1000).UTC(), Message: FlushChunkMessage{ExpectedTxID: -1}},
		{Offset: 1, Timestamp: time.Unix(5, 0).UTC(), Message: TriesAddedMessage{
			Tries: []TrieEntry{{Table: "public/t", Key: "k"}},
		}},
	}

	var buf []byte
	for _, rec := range recs {
		var err error
		buf, err = appendFrame(buf, rec)
		require.NoError(t, err)
	}

	var br = bufio.NewReader(bytes.NewReader(buf))
	for _, want := range recs {
		var got, err = unpackRecord(br)
		require.NoError(t, err)
		require.Equal(t, want, got)
	}
	_, err := unpackRecord(br)
	require.Equal(t, io.EOF, err)

	// A truncated final frame reads as ErrUnexpectedEOF, not clean EOF.
	br = bufio.NewReader(bytes.NewReader(buf[:len(buf)-3]))
	_, err = unpackRecord(br)
	require.NoError(t, err)
	_, err = unpackRecord(br)
	require.Equal(t, io.ErrUnexpectedEOF, err)

	// A corrupted payload fails its CRC.
	var corrupt = append([]byte(nil), buf...)
	corrupt[frameHeaderLength+3] ^= 0x01
	br = bufio.NewReader(bytes.NewReader(corrupt))
	_, err = unpackRecord(br)
	require.Equal(t, io.ErrUnexpectedEOF, err)
}
