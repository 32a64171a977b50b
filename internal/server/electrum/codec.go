package electrum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"errors"
	"io"
	"net"
	"time"
)

// MaxLineSize caps a single request line.
const MaxLineSize = 1 << 20

var ErrLineTooLong = errors.New("request line too long")

// methodParseError stands in for a line that is not valid JSON, so the
// session answers with a parse error instead of dropping the connection.
// methodBatch does the same for a JSON array, batches are not served.
const (
	methodParseError = "\x00parse_error"
	methodBatch      = "\x00batch"
)

var (
	parseErrorRequest = []byte(`{"jsonrpc":"2.0","id":0,"method":"\u0000parse_error"}`)
	batchRequest      = []byte(`{"jsonrpc":"2.0","id":0,"method":"\u0000batch"}`)
)

// LineCodec frames every JSON-RPC message as one line of JSON.
type LineCodec struct{}

func (LineCodec) WriteObject(stream io.Writer, obj interface{}) error {
	data, err := json.Marshal(obj)
	if err != nil {
		return err
	}
	data = append(data, '\n')
	_, err = stream.Write(data)
	return err
}

func (LineCodec) ReadObject(stream *bufio.Reader, v interface{}) error {
	for {
		line, err := readLine(stream)
		if err != nil {
			return err
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		switch {
		case !json.Valid(line):
			return json.Unmarshal(parseErrorRequest, v)
		case line[0] == '[':
			return json.Unmarshal(batchRequest, v)
		case line[0] != '{':
			return json.Unmarshal(parseErrorRequest, v)
		}
		return json.Unmarshal(line, v)
	}
}

func readLine(r *bufio.Reader) ([]byte, error) {
	var line []byte
	for {
		chunk, err := r.ReadSlice('\n')
		if len(line)+len(chunk) > MaxLineSize {
			return nil, ErrLineTooLong
		}
		line = append(line, chunk...)
		switch {
		case err == nil:
			return line, nil
		case errors.Is(err, bufio.ErrBufferFull):
			continue
		case errors.Is(err, io.EOF) && len(bytes.TrimSpace(line)) > 0:
			// last request without trailing newline
			return line, nil
		default:
			return nil, err
		}
	}
}

// idleConn closes the session when the client sends nothing for timeout.
type idleConn struct {
	net.Conn
	timeout time.Duration
}

func (c *idleConn) Read(p []byte) (int, error) {
	if c.timeout > 0 {
		if err := c.Conn.SetReadDeadline(time.Now().Add(c.timeout)); err != nil {
			return 0, err
		}
	}
	return c.Conn.Read(p)
}
