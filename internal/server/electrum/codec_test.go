package electrum

import (
	"bufio"
	"bytes"
	"encoding/json"
	"strings"
	"testing"

	"github.com/sourcegraph/jsonrpc2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLineCodec(t *testing.T) {
	type msg struct {
		ID     int    `json:"id"`
		Method string `json:"method"`
	}

	t.Run("write appends newline", func(t *testing.T) {
		var buf bytes.Buffer
		require.NoError(t, LineCodec{}.WriteObject(&buf, msg{ID: 1, Method: "server.ping"}))
		assert.Equal(t, `{"id":1,"method":"server.ping"}`+"\n", buf.String())
	})

	tests := []struct {
		name    string
		input   string
		want    []msg
		wantErr error
	}{
		{
			name:  "two lines",
			input: "{\"id\":1,\"method\":\"a\"}\n{\"id\":2,\"method\":\"b\"}\n",
			want:  []msg{{ID: 1, Method: "a"}, {ID: 2, Method: "b"}},
		},
		{
			name:  "blank lines and crlf",
			input: "\n\r\n{\"id\":1,\"method\":\"a\"}\r\n",
			want:  []msg{{ID: 1, Method: "a"}},
		},
		{
			name:  "last line without newline",
			input: "{\"id\":7,\"method\":\"a\"}",
			want:  []msg{{ID: 7, Method: "a"}},
		},
		{
			name:  "invalid json becomes a parse error request",
			input: "{nope\n",
			want:  []msg{{ID: 0, Method: methodParseError}},
		},
		{
			name:  "batch becomes a batch request",
			input: "[{\"id\":1,\"method\":\"a\"}]\n{\"id\":2,\"method\":\"b\"}\n",
			want:  []msg{{ID: 0, Method: methodBatch}, {ID: 2, Method: "b"}},
		},
		{
			name:  "json scalar is a parse error",
			input: "42\n",
			want:  []msg{{ID: 0, Method: methodParseError}},
		},
		{
			name:    "line too long",
			input:   `{"method":"` + strings.Repeat("a", MaxLineSize) + `"}` + "\n",
			wantErr: ErrLineTooLong,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := bufio.NewReader(strings.NewReader(tt.input))
			for _, want := range tt.want {
				var got msg
				require.NoError(t, LineCodec{}.ReadObject(r, &got))
				assert.Equal(t, want, got)
			}
			var extra json.RawMessage
			err := LineCodec{}.ReadObject(r, &extra)
			if tt.wantErr != nil {
				require.ErrorIs(t, err, tt.wantErr)
				return
			}
			require.Error(t, err, "no more messages")
		})
	}
}

func TestUnmarshalParams(t *testing.T) {
	raw := json.RawMessage(`["abc", 5]`)
	var (
		s string
		n int
		b bool
	)
	tests := []struct {
		name     string
		params   *json.RawMessage
		required int
		dst      []interface{}
		wantErr  bool
	}{
		{name: "all present", params: &raw, required: 2, dst: []interface{}{&s, &n}},
		{name: "optional trailing", params: &raw, required: 1, dst: []interface{}{&s, &n, &b}},
		{name: "missing", params: nil, required: 1, dst: []interface{}{&s}, wantErr: true},
		{name: "too many", params: &raw, required: 0, dst: []interface{}{&s}, wantErr: true},
		{name: "wrong type", params: &raw, required: 1, dst: []interface{}{&n, &n}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := unmarshalParams(requestWithParams(tt.params), tt.required, tt.dst...)
			if tt.wantErr {
				require.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "abc", s)
			assert.Equal(t, 5, n)
		})
	}
}

func requestWithParams(params *json.RawMessage) *jsonrpc2.Request {
	return &jsonrpc2.Request{Method: "test", Params: params}
}
