package client

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-remctl/wire/protocol"
	"github.com/golang-auth/go-remctl/wire/token"
)

func newPipeConnection(t *testing.T, version byte) (*Connection, net.Conn) {
	t.Helper()
	local, remote := net.Pipe()
	t.Cleanup(func() { remote.Close() })

	c := &Connection{
		state:   Ready,
		version: version,
		ctx:     identityContext{},
		nc:      local,
	}
	return c, remote
}

func TestOutputV2ReturnsDataThenStatus(t *testing.T) {
	c, remote := newPipeConnection(t, 2)
	c.state = AwaitingOutput

	go func() {
		remote.SetWriteDeadline(time.Now().Add(2 * time.Second))
		writeRawToken(remote, token.DATA|token.PROTOCOL, protocol.EncodeOutput(protocol.StreamStdout, []byte("hi\n")))
		writeRawToken(remote, token.DATA|token.PROTOCOL, protocol.EncodeStatus(0))
	}()

	res, err := c.Output()
	require.NoError(t, err)
	assert.Equal(t, OutputData, res.Kind)
	assert.Equal(t, "hi\n", string(res.Data))
	assert.Equal(t, AwaitingOutput, c.state)

	res, err = c.Output()
	require.NoError(t, err)
	assert.Equal(t, OutputStatus, res.Kind)
	assert.Equal(t, int8(0), res.Status)
	assert.Equal(t, Ready, c.state)
}

func TestOutputAfterDoneReturnsOutputDone(t *testing.T) {
	c, _ := newPipeConnection(t, 2)
	c.state = Ready

	res, err := c.Output()
	require.NoError(t, err)
	assert.Equal(t, OutputDone, res.Kind)
}

func TestOutputV1SynthesizesTwoCallPattern(t *testing.T) {
	c, remote := newPipeConnection(t, 1)
	c.state = AwaitingOutput

	go func() {
		remote.SetWriteDeadline(time.Now().Add(2 * time.Second))
		remote.SetReadDeadline(time.Now().Add(2 * time.Second))
		resp := protocol.EncodeV1Response(0, []byte("all good\n"))
		writeRawToken(remote, token.DATA|token.SEND_MIC, resp)
		writeRawToken(remote, token.MIC, []byte("mic"))
		// Drain the client's own MIC reply so its write doesn't block
		// on this synchronous net.Pipe.
		_, _ = token.Receive(remote, token.MaxTransportPayload)
	}()

	res, err := c.Output()
	require.NoError(t, err)
	assert.Equal(t, OutputData, res.Kind)
	assert.Equal(t, "all good\n", string(res.Data))

	res, err = c.Output()
	require.NoError(t, err)
	assert.Equal(t, OutputStatus, res.Kind)
	assert.Equal(t, int8(0), res.Status)
	assert.Equal(t, Ready, c.state)
}

func writeRawToken(w net.Conn, flags token.Flag, payload []byte) {
	_ = token.Send(w, flags, payload)
}
