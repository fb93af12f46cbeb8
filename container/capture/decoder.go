// Package capture turns a recorded protocol session into the ordered frame
// sequence consumed by playback.
//
// A capture is a list of textual records. Each record starts with a direction
// marker ('{' for frames the server sent, '}' for frames the client sent),
// followed by a decimal millisecond timestamp, a '{' separator and the
// payload. The payload encoding is detected once from the first record and
// applied to all of them. A literal "EOF" record ends the capture.
package capture

import (
	"encoding/base64"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/kokoavailable/rfbreplay/av"
	"github.com/kokoavailable/rfbreplay/utils/pool"
)

const (
	EndMarker = "EOF"

	serverMarker = '{'
	clientMarker = '}'

	// base64 of "RFB", the start of every server handshake
	base64Magic = "UkZC"
)

var ErrNoRecords = errors.New("capture holds no records")

// FormatError reports a malformed capture. Record is the zero based index of
// the offending record, or -1 when the capture as a whole is at fault.
type FormatError struct {
	Record int
	Reason string
	Err    error
}

func (e *FormatError) Error() string {
	msg := e.Reason
	if e.Err != nil {
		if msg == "" {
			msg = e.Err.Error()
		} else {
			msg = msg + ": " + e.Err.Error()
		}
	}
	if e.Record < 0 {
		return "capture: " + msg
	}
	return fmt.Sprintf("capture: record %d: %s", e.Record, msg)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

type Encoding uint8

const (
	Binary Encoding = iota
	Base64
)

func (e Encoding) String() string {
	if e == Base64 {
		return "base64"
	}
	return "binary"
}

// DetectEncoding inspects the payload of a record.
func DetectEncoding(record string) Encoding {
	if len(record) < 2 {
		return Binary
	}
	sep := strings.IndexByte(record[1:], '{')
	if sep < 0 {
		return Binary
	}
	payload := record[sep+2:]
	if strings.HasPrefix(payload, base64Magic) {
		return Base64
	}
	return Binary
}

type Decoder struct {
	encoding Encoding
	pool     *pool.Pool
}

func NewDecoder(encoding Encoding) *Decoder {
	return &Decoder{
		encoding: encoding,
		pool:     pool.NewPool(),
	}
}

func (d *Decoder) Encoding() Encoding {
	return d.encoding
}

// Decode parses the i-th record of a capture.
func (d *Decoder) Decode(i int, record string) (f av.Frame, err error) {
	if len(record) == 0 {
		return f, &FormatError{Record: i, Reason: "empty record"}
	}

	switch record[0] {
	case serverMarker:
		f.Direction = av.ServerOriginated
	case clientMarker:
		f.Direction = av.ClientOriginated
	default:
		return f, &FormatError{Record: i, Reason: fmt.Sprintf("unknown direction marker %q", record[0])}
	}

	sep := strings.IndexByte(record[1:], '{')
	if sep < 0 {
		return f, &FormatError{Record: i, Reason: "missing payload separator"}
	}
	sep++

	ts, err := strconv.ParseUint(strings.TrimSpace(record[1:sep]), 10, 32)
	if err != nil {
		return f, &FormatError{Record: i, Reason: "bad timestamp", Err: err}
	}
	f.Timestamp = uint32(ts)

	data := record[sep+1:]
	if d.encoding == Base64 {
		f.Payload, err = d.decodeBase64(data)
		if err != nil {
			return f, &FormatError{Record: i, Reason: "bad base64 payload", Err: err}
		}
		return f, nil
	}

	f.Payload = d.pool.Get(len(data))
	copy(f.Payload, data)
	return f, nil
}

func (d *Decoder) decodeBase64(data string) ([]byte, error) {
	data = strings.TrimRight(strings.TrimSpace(data), "=")
	buf := d.pool.Get(base64.RawStdEncoding.DecodedLen(len(data)))
	n, err := base64.RawStdEncoding.Decode(buf, []byte(data))
	if err != nil {
		return nil, err
	}
	return buf[:n], nil
}

// Load decodes every record up to the end marker.
func Load(records []string) ([]av.Frame, error) {
	if len(records) == 0 {
		return nil, &FormatError{Record: -1, Err: ErrNoRecords}
	}

	d := NewDecoder(DetectEncoding(records[0]))
	frames := make([]av.Frame, 0, len(records))
	for i, record := range records {
		if record == EndMarker {
			break
		}
		f, err := d.Decode(i, record)
		if err != nil {
			return nil, err
		}
		frames = append(frames, f)
	}
	return frames, nil
}

func LoadStore(records []string) (*av.Store, error) {
	frames, err := Load(records)
	if err != nil {
		return nil, err
	}
	return av.NewStore(frames), nil
}

// Open reads and decodes a capture file.
func Open(path string) (*av.Store, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()

	records, err := ReadRecords(f)
	if err != nil {
		return nil, err
	}
	return LoadStore(records)
}
