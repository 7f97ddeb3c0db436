package sprites

import (
	"context"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWsURLRewritesSchemeAndAppendsExecPath(t *testing.T) {
	cases := []struct {
		base string
		want string
	}{
		{"http://sprites.internal", "ws://sprites.internal/v1/sprites/s1/exec_ws?cmd=echo+hi"},
		{"https://sprites.internal/api", "wss://sprites.internal/api/v1/sprites/s1/exec_ws?cmd=echo+hi"},
	}
	for _, tc := range cases {
		c := &Client{baseURL: tc.base}
		got, err := c.wsURL("s1", "echo hi")
		require.NoError(t, err)
		assert.Equal(t, tc.want, got)
	}
}

var upgrader = websocket.Upgrader{}

func TestClientExecWSStreamsFramesAndReturnsExitCode(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		conn, err := upgrader.Upgrade(w, r, nil)
		require.NoError(t, err)
		defer conn.Close()

		require.NoError(t, conn.WriteJSON(wsFrame{Kind: "stdout", Data: "line one"}))
		require.NoError(t, conn.WriteJSON(wsFrame{Kind: "stderr", Data: "warn one"}))
		require.NoError(t, conn.WriteJSON(wsFrame{Kind: "exit", ExitCode: 0}))
	}))
	defer server.Close()

	c := New(server.URL, "test-token")

	var lines []string
	result, err := c.ExecWS(context.Background(), "s1", "run", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	assert.Contains(t, result.Stdout, "line one")
	assert.Contains(t, result.Stderr, "warn one")
	assert.Equal(t, []string{"line one", "warn one"}, lines)
}

func TestStubExecWSEmitsRealWireFormatEvents(t *testing.T) {
	stub := NewStub(1)
	var id string
	list, err := stub.List(context.Background())
	require.NoError(t, err)
	id = list[0].ID

	var lines []string
	result, err := stub.ExecWS(context.Background(), id, "echo hi", func(line string) {
		lines = append(lines, line)
	})
	require.NoError(t, err)
	assert.Equal(t, 0, result.ExitCode)
	require.Len(t, lines, 3)
	for _, line := range lines {
		assert.Contains(t, line, "LATTICE_EVENT ")
	}
	assert.Contains(t, lines[0], `"event_type":"PHASE_STARTED"`)
	assert.Contains(t, lines[2], `"event_type":"COMPLETED"`)
}

func TestStubFetchOutboxAndWriteResumeFileRequireKnownSprite(t *testing.T) {
	stub := NewStub(1)
	list, err := stub.List(context.Background())
	require.NoError(t, err)
	id := list[0].ID

	out, err := stub.FetchOutbox(context.Background(), id)
	require.NoError(t, err)
	assert.Empty(t, out)

	require.NoError(t, stub.WriteResumeFile(context.Background(), id, []byte(`{}`)))

	_, err = stub.FetchOutbox(context.Background(), "ghost")
	assert.Error(t, err)
}
