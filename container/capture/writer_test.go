package capture

import (
	"bytes"
	"errors"
	"strings"
	"testing"

	"github.com/kokoavailable/rfbreplay/av"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sessionFrames() []av.Frame {
	return []av.Frame{
		{Direction: av.ServerOriginated, Timestamp: 0, Payload: []byte("RFB 003.008\n")},
		{Direction: av.ClientOriginated, Timestamp: 4, Payload: []byte("RFB 003.008\n")},
		{Direction: av.ServerOriginated, Timestamp: 9, Payload: []byte{1, 2}},
		{Direction: av.ServerOriginated, Timestamp: 250, Payload: []byte{0, 0xff, '\'', '\\', 0x80, 'z'}},
	}
}

func assertSameFrames(t *testing.T, want []av.Frame, got *av.Store) {
	t.Helper()
	require.Equal(t, len(want), got.Len())
	for i, f := range want {
		assert.Equal(t, f.Direction, got.At(i).Direction, "frame %d", i)
		assert.Equal(t, f.Timestamp, got.At(i).Timestamp, "frame %d", i)
		assert.Equal(t, f.Payload, got.At(i).Payload, "frame %d", i)
	}
}

func TestWriteStore_ScriptRoundTrip(t *testing.T) {
	for _, enc := range []Encoding{Base64, Binary} {
		t.Run(enc.String(), func(t *testing.T) {
			frames := sessionFrames()
			if enc == Binary {
				frames[0].Payload = []byte("RFB 003.003\n")
			}
			var buf bytes.Buffer
			require.NoError(t, WriteStore(&buf, av.NewStore(frames), Script, enc))
			assert.True(t, strings.HasPrefix(buf.String(), scriptHeader))
			assert.True(t, strings.HasSuffix(buf.String(), "'EOF',\n"+scriptTrailer))

			records, err := ReadRecords(&buf)
			require.NoError(t, err)
			assert.Equal(t, enc, DetectEncoding(records[0]))
			store, err := LoadStore(records)
			require.NoError(t, err)
			assertSameFrames(t, frames, store)
		})
	}
}

func TestWriteStore_Lines(t *testing.T) {
	frames := sessionFrames()
	var buf bytes.Buffer
	require.NoError(t, WriteStore(&buf, av.NewStore(frames), Lines, Base64))
	assert.Equal(t, 5, strings.Count(buf.String(), "\n"))

	records, err := ReadRecords(&buf)
	require.NoError(t, err)
	store, err := LoadStore(records)
	require.NoError(t, err)
	assertSameFrames(t, frames, store)

	err = WriteStore(&bytes.Buffer{}, av.NewStore(frames), Lines, Binary)
	var fe *FormatError
	assert.True(t, errors.As(err, &fe))
}

func TestWriter_AmbiguousFirstFrame(t *testing.T) {
	w, err := NewWriter(&bytes.Buffer{}, Lines, Base64)
	require.NoError(t, err)
	err = w.Write(av.Frame{Direction: av.ServerOriginated, Payload: []byte("hello")})
	var fe *FormatError
	require.True(t, errors.As(err, &fe))
	assert.Equal(t, 0, fe.Record)
	assert.Equal(t, 0, w.Records())

	w, err = NewWriter(&bytes.Buffer{}, Lines, Binary)
	require.NoError(t, err)
	assert.Error(t, w.Write(av.Frame{Direction: av.ServerOriginated, Payload: []byte("UkZC")}))
}

func TestWriter_Closed(t *testing.T) {
	var buf bytes.Buffer
	w, err := NewWriter(&buf, Lines, Binary)
	require.NoError(t, err)
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
	assert.Equal(t, ErrWriterClosed, w.Write(av.Frame{}))
	assert.Equal(t, "EOF\n", buf.String())
}

func TestParseLayoutAndEncoding(t *testing.T) {
	l, err := ParseLayout("TXT")
	require.NoError(t, err)
	assert.Equal(t, Lines, l)
	_, err = ParseLayout("xml")
	assert.Error(t, err)

	e, err := ParseEncoding("raw")
	require.NoError(t, err)
	assert.Equal(t, Binary, e)
	_, err = ParseEncoding("hex")
	assert.Error(t, err)
}
