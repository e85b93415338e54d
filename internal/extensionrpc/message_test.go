package extensionrpc

import (
	"bufio"
	"bytes"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestWriteReadResponseRoundTrip(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteResponse(w, ResponseOut{JSONRPC: "2.0", Result: map[string]any{"ok": true}, ID: []byte(`1`)}))

	r := bufio.NewReader(&buf)
	resp, err := ReadResponse(r)
	require.NoError(t, err)
	require.Equal(t, "2.0", resp.JSONRPC)
}

func TestReadMessageClassifiesRequestVsResponse(t *testing.T) {
	var buf bytes.Buffer
	w := bufio.NewWriter(&buf)
	require.NoError(t, WriteRequest(w, Request{JSONRPC: "2.0", Method: "call_extension", Params: map[string]any{}, ID: 7}))

	r := bufio.NewReader(&buf)
	msg, err := ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, KindRequest, msg.Kind)
	require.Equal(t, "call_extension", msg.Request.Method)

	buf.Reset()
	require.NoError(t, WriteResponse(w, ResponseOut{JSONRPC: "2.0", Result: 42, ID: []byte(`3`)}))
	r = bufio.NewReader(&buf)
	msg, err = ReadMessage(r)
	require.NoError(t, err)
	require.Equal(t, KindResponse, msg.Kind)
}
