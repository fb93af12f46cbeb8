package capture

import (
	"bufio"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/kokoavailable/rfbreplay/av"
)

// Layout selects how records are laid out in a written capture.
type Layout uint8

const (
	// Script is the recorder's own JavaScript output.
	Script Layout = iota
	// Lines holds one record per line.
	Lines
)

func (l Layout) String() string {
	if l == Lines {
		return "lines"
	}
	return "script"
}

func ParseLayout(s string) (Layout, error) {
	switch strings.ToLower(s) {
	case "", "script", "js":
		return Script, nil
	case "lines", "txt":
		return Lines, nil
	}
	return Script, fmt.Errorf("unknown capture layout %q", s)
}

func ParseEncoding(s string) (Encoding, error) {
	switch strings.ToLower(s) {
	case "", "base64":
		return Base64, nil
	case "binary", "raw":
		return Binary, nil
	}
	return Base64, fmt.Errorf("unknown capture encoding %q", s)
}

var ErrWriterClosed = errors.New("capture writer is closed")

const (
	scriptHeader  = "var VNC_frame_data = [\n"
	scriptTrailer = "];\n"
)

// Writer encodes frames as capture records. Close appends the end marker.
type Writer struct {
	w        *bufio.Writer
	layout   Layout
	encoding Encoding
	records  int
	closed   bool
}

func NewWriter(w io.Writer, layout Layout, encoding Encoding) (*Writer, error) {
	ret := &Writer{
		w:        bufio.NewWriter(w),
		layout:   layout,
		encoding: encoding,
	}
	if layout == Script {
		if _, err := ret.w.WriteString(scriptHeader); err != nil {
			return nil, err
		}
	}
	return ret, nil
}

func (writer *Writer) Write(f av.Frame) error {
	if writer.closed {
		return ErrWriterClosed
	}
	record, err := writer.record(f)
	if err != nil {
		return err
	}
	// the reader detects the encoding from the first record only
	if writer.records == 0 && DetectEncoding(record) != writer.encoding {
		return &FormatError{Record: 0, Reason: fmt.Sprintf("first frame cannot be told apart from a %s capture", writer.encoding)}
	}
	if err := writer.emit(record); err != nil {
		return err
	}
	writer.records++
	return nil
}

func (writer *Writer) record(f av.Frame) (string, error) {
	var b strings.Builder
	if f.FromClient() {
		b.WriteByte(clientMarker)
	} else {
		b.WriteByte(serverMarker)
	}
	b.WriteString(strconv.FormatUint(uint64(f.Timestamp), 10))
	b.WriteByte('{')

	if writer.encoding == Base64 {
		b.WriteString(base64.StdEncoding.EncodeToString(f.Payload))
		return b.String(), nil
	}
	if writer.layout == Lines && strings.ContainsAny(string(f.Payload), "\r\n") {
		return "", &FormatError{Record: writer.records, Reason: "binary payload with a line break needs base64 or the script layout"}
	}
	b.Write(f.Payload)
	return b.String(), nil
}

func (writer *Writer) emit(record string) error {
	if writer.layout == Lines {
		if _, err := writer.w.WriteString(record); err != nil {
			return err
		}
		return writer.w.WriteByte('\n')
	}
	return writer.literal(record)
}

// literal writes record as a single quoted script string followed by a comma.
func (writer *Writer) literal(record string) error {
	w := writer.w
	w.WriteByte('\'')
	for i := 0; i < len(record); i++ {
		c := record[i]
		switch {
		case c == '\\' || c == '\'':
			w.WriteByte('\\')
			w.WriteByte(c)
		case c >= 0x20 && c < 0x7f:
			w.WriteByte(c)
		default:
			fmt.Fprintf(w, "\\x%02x", c)
		}
	}
	_, err := w.WriteString("',\n")
	return err
}

// Close writes the end marker and flushes.
func (writer *Writer) Close() error {
	if writer.closed {
		return nil
	}
	writer.closed = true
	if err := writer.emit(EndMarker); err != nil {
		return err
	}
	if writer.layout == Script {
		if _, err := writer.w.WriteString(scriptTrailer); err != nil {
			return err
		}
	}
	return writer.w.Flush()
}

// Records is the number of frames written so far.
func (writer *Writer) Records() int {
	return writer.records
}

// WriteStore writes every frame of s followed by the end marker.
func WriteStore(w io.Writer, s *av.Store, layout Layout, encoding Encoding) error {
	writer, err := NewWriter(w, layout, encoding)
	if err != nil {
		return err
	}
	for i := 0; i < s.Len(); i++ {
		if err := writer.Write(s.At(i)); err != nil {
			return err
		}
	}
	return writer.Close()
}
