package capture

import (
	"bufio"
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"strconv"
	"strings"
	"unicode/utf8"
)

// ReadRecords reads the raw records of a capture. Three layouts are accepted:
// the recorder's JavaScript output (`var VNC_frame_data = ['...', ...];`),
// a JSON array of strings, or one record per line.
//
// Inside quoted literals every code point is reduced to its low byte, so a
// binary payload survives the round trip through a text file.
func ReadRecords(r io.Reader) ([]string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return nil, err
	}
	data = bytes.TrimPrefix(data, []byte("\xef\xbb\xbf"))

	if records, ok := readJSON(data); ok {
		return records, nil
	}
	if start, ok := arrayStart(data); ok {
		return readLiterals(data[start:])
	}
	return readLines(data)
}

// readJSON decodes data when it is a well formed JSON string array.
func readJSON(data []byte) ([]string, bool) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 || trimmed[0] != '[' || !json.Valid(trimmed) {
		return nil, false
	}
	var records []string
	if err := json.Unmarshal(trimmed, &records); err != nil {
		return nil, false
	}
	for i, r := range records {
		records[i] = lowBytes(r)
	}
	return records, true
}

// lowBytes keeps the low byte of every code point.
func lowBytes(s string) string {
	if !strings.ContainsFunc(s, func(r rune) bool { return r >= utf8.RuneSelf }) {
		return s
	}
	b := make([]byte, 0, len(s))
	for _, r := range s {
		b = append(b, byte(r))
	}
	return string(b)
}

// arrayStart reports where the record array begins when data holds a script
// or JSON array rather than plain lines.
func arrayStart(data []byte) (int, bool) {
	trimmed := bytes.TrimLeft(data, " \t\r\n")
	offset := len(data) - len(trimmed)
	if len(trimmed) == 0 {
		return 0, false
	}
	if trimmed[0] == '[' {
		return offset, true
	}
	for _, prefix := range []string{"var ", "let ", "const ", "//", "/*"} {
		if bytes.HasPrefix(trimmed, []byte(prefix)) {
			if i := bytes.IndexByte(trimmed, '['); i >= 0 {
				return offset + i, true
			}
		}
	}
	return 0, false
}

func readLines(data []byte) ([]string, error) {
	var records []string
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 64*1024*1024)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r")
		if line == "" {
			continue
		}
		records = append(records, line)
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

// readLiterals parses the quoted strings of an array starting at data[0] == '['.
func readLiterals(data []byte) ([]string, error) {
	var records []string
	i := 1
	for i < len(data) {
		c := data[i]
		switch {
		case c == ']':
			return records, nil
		case c == ',' || c == ' ' || c == '\t' || c == '\r' || c == '\n':
			i++
		case c == '/' && i+1 < len(data) && data[i+1] == '/':
			nl := bytes.IndexByte(data[i:], '\n')
			if nl < 0 {
				return records, nil
			}
			i += nl + 1
		case c == '\'' || c == '"':
			s, n, err := unquote(data[i:], len(records))
			if err != nil {
				return nil, err
			}
			records = append(records, s)
			i += n
		default:
			return nil, &FormatError{Record: len(records), Reason: fmt.Sprintf("unexpected %q in record array", c)}
		}
	}
	return nil, &FormatError{Record: -1, Reason: "unterminated record array"}
}

// unquote decodes one quoted literal at the start of data and returns the
// decoded bytes and the number of input bytes consumed.
func unquote(data []byte, record int) (string, int, error) {
	quote := data[0]
	var b strings.Builder
	i := 1
	for i < len(data) {
		c := data[i]
		if c == quote {
			return b.String(), i + 1, nil
		}
		if c == '\n' {
			break
		}
		if c != '\\' {
			r, size := utf8.DecodeRune(data[i:])
			if r == utf8.RuneError && size <= 1 {
				b.WriteByte(c)
				i++
				continue
			}
			b.WriteByte(byte(r))
			i += size
			continue
		}

		i++
		if i >= len(data) {
			break
		}
		e := data[i]
		i++
		switch e {
		case 'n':
			b.WriteByte('\n')
		case 'r':
			b.WriteByte('\r')
		case 't':
			b.WriteByte('\t')
		case 'b':
			b.WriteByte('\b')
		case 'f':
			b.WriteByte('\f')
		case 'v':
			b.WriteByte('\v')
		case '0':
			b.WriteByte(0)
		case '\n':
			// line continuation
		case 'x':
			v, err := hexValue(data, i, 2)
			if err != nil {
				return "", 0, &FormatError{Record: record, Reason: "bad \\x escape", Err: err}
			}
			b.WriteByte(byte(v))
			i += 2
		case 'u':
			v, err := hexValue(data, i, 4)
			if err != nil {
				return "", 0, &FormatError{Record: record, Reason: "bad \\u escape", Err: err}
			}
			b.WriteByte(byte(v))
			i += 4
		default:
			b.WriteByte(e)
		}
	}
	return "", 0, &FormatError{Record: record, Reason: "unterminated string literal"}
}

func hexValue(data []byte, at, n int) (uint64, error) {
	if at+n > len(data) {
		return 0, io.ErrUnexpectedEOF
	}
	return strconv.ParseUint(string(data[at:at+n]), 16, 32)
}
