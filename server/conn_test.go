package server

import (
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/hashicorp/go-hclog"
	"github.com/stretchr/testify/require"

	"github.com/golang-auth/go-remctl/config"
	"github.com/golang-auth/go-remctl/gssapi"
	"github.com/golang-auth/go-remctl/wire/protocol"
)

type passthroughContext struct{}

func (passthroughContext) ContinueNeeded() bool { return false }
func (passthroughContext) Inquire() (*gssapi.SecContextInfo, error) {
	return &gssapi.SecContextInfo{
		InitiatorName: "alice@EXAMPLE.ORG",
		Flags:         gssapi.ContextFlagMutual | gssapi.ContextFlagConf | gssapi.ContextFlagInteg,
	}, nil
}
func (passthroughContext) Wrap(msg []byte, _ bool) ([]byte, bool, error) { return msg, true, nil }
func (passthroughContext) Unwrap(tok []byte) ([]byte, bool, error)      { return tok, true, nil }
func (passthroughContext) GetMIC(msg []byte) ([]byte, error)            { return []byte("mic"), nil }
func (passthroughContext) VerifyMIC(_, _ []byte) error                  { return nil }
func (passthroughContext) Delete() error                                { return nil }

func newTestStore(t *testing.T) *config.Store {
	t.Helper()
	dir := t.TempDir()
	p := filepath.Join(dir, "remctl.conf")
	require.NoError(t, os.WriteFile(p, []byte("test test /bin/echo ANYUSER\n"), 0o644))
	store, err := config.NewStore(p, hclog.NewNullLogger())
	require.NoError(t, err)
	return store
}

func newTestConn(t *testing.T, version byte) (*conn, net.Conn) {
	t.Helper()
	client, srv := net.Pipe()
	t.Cleanup(func() { client.Close() })

	sc := &Context{
		Configs: newTestStore(t),
		Eval:    config.NewFileEvaluator(nil),
		Log:     hclog.NewNullLogger(),
	}
	c := &conn{
		nc:      srv,
		ctx:     passthroughContext{},
		version: version,
		peer:    "alice@EXAMPLE.ORG",
		log:     hclog.NewNullLogger(),
		sc:      sc,
	}
	return c, client
}

func TestDispatchCommandRunsRuleAndEmitsStatus(t *testing.T) {
	c, client := newTestConn(t, 2)

	go func() {
		c.dispatchCommand([][]byte{[]byte("test"), []byte("test"), []byte("hi")})
		c.nc.Close()
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))

	outputTok := readToken(t, client)
	_, tag, body, err := protocol.DecodeHeader(outputTok)
	require.NoError(t, err)
	require.Equal(t, protocol.TagOutput, tag)
	stream, data, err := protocol.DecodeOutputBody(body)
	require.NoError(t, err)
	require.Equal(t, protocol.StreamStdout, stream)
	require.Equal(t, "hi\n", string(data))

	statusTok := readToken(t, client)
	_, tag, body, err = protocol.DecodeHeader(statusTok)
	require.NoError(t, err)
	require.Equal(t, protocol.TagStatus, tag)
	status, err := protocol.DecodeStatusBody(body)
	require.NoError(t, err)
	require.Equal(t, int8(0), status)
}

func TestDispatchCommandUnknownCommandSendsError(t *testing.T) {
	c, client := newTestConn(t, 2)

	go func() {
		c.dispatchCommand([][]byte{[]byte("nope"), []byte("nope")})
		c.nc.Close()
	}()

	client.SetReadDeadline(time.Now().Add(2 * time.Second))
	tok := readToken(t, client)
	_, tag, body, err := protocol.DecodeHeader(tok)
	require.NoError(t, err)
	require.Equal(t, protocol.TagError, tag)
	code, msg, err := protocol.DecodeErrorBody(body)
	require.NoError(t, err)
	require.Equal(t, protocol.ErrorUnknownCommand, code)
	require.Equal(t, "Unknown command", msg)
}

// readToken reads one secure token off conn (passthroughContext makes
// Wrap/Unwrap identity functions, so the wire bytes are the cleartext
// message directly) and returns its cleartext payload, handling the v2
// no-MIC path used by these tests.
func readToken(t *testing.T, nc net.Conn) []byte {
	t.Helper()
	var hdr [5]byte
	_, err := readFullTest(nc, hdr[:])
	require.NoError(t, err)
	length := int(hdr[1])<<24 | int(hdr[2])<<16 | int(hdr[3])<<8 | int(hdr[4])
	payload := make([]byte, length)
	_, err = readFullTest(nc, payload)
	require.NoError(t, err)
	return payload
}

func readFullTest(nc net.Conn, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := nc.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
