package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestEncodeDecodeArgsRoundTrip(t *testing.T) {
	args := [][]byte{[]byte("ls"), []byte("-l"), []byte("")}
	raw, err := EncodeArgs(args)
	require.NoError(t, err)

	got, err := DecodeArgs(raw)
	require.NoError(t, err)
	assert.Equal(t, args, got)
}

func TestEncodeArgsRejectsTooMany(t *testing.T) {
	args := make([][]byte, MaxArgs+1)
	for i := range args {
		args[i] = []byte("x")
	}
	_, err := EncodeArgs(args)
	require.ErrorIs(t, err, ErrTooManyArgs)
}

func TestDecodeArgsRejectsTrailingBytes(t *testing.T) {
	raw, err := EncodeArgs([][]byte{[]byte("ok")})
	require.NoError(t, err)
	raw = append(raw, 0xff)

	_, err = DecodeArgs(raw)
	require.Error(t, err)
}

func TestDecodeArgsRejectsTruncatedLength(t *testing.T) {
	_, err := DecodeArgs([]byte{0x00, 0x00, 0x00, 0x01, 0x00, 0x00})
	require.ErrorIs(t, err, ErrShortMessage)
}

func TestCommandBufferUnfragmented(t *testing.T) {
	raw, err := EncodeArgs([][]byte{[]byte("cat"), []byte("/etc/motd")})
	require.NoError(t, err)

	var buf CommandBuffer
	done, err := buf.Feed(true, ContinueNone, raw)
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, buf.Keepalive())

	args, err := DecodeArgs(buf.Raw())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("cat"), []byte("/etc/motd")}, args)
}

func TestCommandBufferFragmentedSequence(t *testing.T) {
	raw, err := EncodeArgs([][]byte{[]byte("echo"), []byte("hello world")})
	require.NoError(t, err)

	mid := len(raw) / 2
	part1, part2 := raw[:mid], raw[mid:]

	var buf CommandBuffer
	done, err := buf.Feed(false, ContinueFirst, part1)
	require.NoError(t, err)
	assert.False(t, done)

	done, err = buf.Feed(false, ContinueLast, part2)
	require.NoError(t, err)
	assert.True(t, done)

	args, err := DecodeArgs(buf.Raw())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("echo"), []byte("hello world")}, args)
}

func TestCommandBufferFragmentedWithMiddle(t *testing.T) {
	raw, err := EncodeArgs([][]byte{[]byte("grep"), []byte("pattern"), []byte("file")})
	require.NoError(t, err)

	third := len(raw) / 3
	parts := [][]byte{raw[:third], raw[third : 2*third], raw[2*third:]}

	var buf CommandBuffer
	done, err := buf.Feed(true, ContinueFirst, parts[0])
	require.NoError(t, err)
	assert.False(t, done)

	done, err = buf.Feed(true, ContinueMiddle, parts[1])
	require.NoError(t, err)
	assert.False(t, done)

	done, err = buf.Feed(true, ContinueLast, parts[2])
	require.NoError(t, err)
	assert.True(t, done)
	assert.True(t, buf.Keepalive())

	args, err := DecodeArgs(buf.Raw())
	require.NoError(t, err)
	assert.Equal(t, [][]byte{[]byte("grep"), []byte("pattern"), []byte("file")}, args)
}

func TestCommandBufferRejectsMiddleWithoutFirst(t *testing.T) {
	var buf CommandBuffer
	_, err := buf.Feed(false, ContinueMiddle, []byte("x"))
	require.ErrorIs(t, err, ErrBadContinue)
}

func TestCommandBufferRejectsLastWithoutFirst(t *testing.T) {
	var buf CommandBuffer
	_, err := buf.Feed(false, ContinueLast, []byte("x"))
	require.ErrorIs(t, err, ErrBadContinue)
}

func TestCommandBufferRejectsRepeatedFirst(t *testing.T) {
	var buf CommandBuffer
	_, err := buf.Feed(false, ContinueFirst, []byte("x"))
	require.NoError(t, err)

	_, err = buf.Feed(false, ContinueFirst, []byte("y"))
	require.ErrorIs(t, err, ErrBadContinue)
}

func TestCommandBufferRejectsInvalidStatus(t *testing.T) {
	var buf CommandBuffer
	_, err := buf.Feed(false, ContinueStatus(4), []byte("x"))
	require.ErrorIs(t, err, ErrBadContinue)
}

func TestEncodeDecodeOutput(t *testing.T) {
	tok := EncodeOutput(StreamStderr, []byte("oops"))
	version, tag, body, err := DecodeHeader(tok)
	require.NoError(t, err)
	assert.Equal(t, byte(Version2), version)
	assert.Equal(t, TagOutput, tag)

	stream, data, err := DecodeOutputBody(body)
	require.NoError(t, err)
	assert.Equal(t, StreamStderr, stream)
	assert.Equal(t, []byte("oops"), data)
}

func TestEncodeDecodeStatus(t *testing.T) {
	tok := EncodeStatus(-1)
	_, tag, body, err := DecodeHeader(tok)
	require.NoError(t, err)
	assert.Equal(t, TagStatus, tag)

	status, err := DecodeStatusBody(body)
	require.NoError(t, err)
	assert.Equal(t, int8(-1), status)
}

func TestEncodeDecodeError(t *testing.T) {
	tok := EncodeError(ErrorAccessDenied, "no such command")
	_, tag, body, err := DecodeHeader(tok)
	require.NoError(t, err)
	assert.Equal(t, TagError, tag)

	code, msg, err := DecodeErrorBody(body)
	require.NoError(t, err)
	assert.Equal(t, ErrorAccessDenied, code)
	assert.Equal(t, "no such command", msg)
}

func TestEncodeDecodeVersion(t *testing.T) {
	tok := EncodeVersion(MaxSupportedVersion)
	_, tag, body, err := DecodeHeader(tok)
	require.NoError(t, err)
	assert.Equal(t, TagVersion, tag)

	v, err := DecodeVersionBody(body)
	require.NoError(t, err)
	assert.Equal(t, byte(Version2), v)
}

func TestEncodeDecodeQuit(t *testing.T) {
	tok := EncodeQuit()
	_, tag, body, err := DecodeHeader(tok)
	require.NoError(t, err)
	assert.Equal(t, TagQuit, tag)
	assert.Empty(t, body)
}

func TestV1RequestResponseRoundTrip(t *testing.T) {
	args := [][]byte{[]byte("status")}
	raw, err := EncodeV1Command(args)
	require.NoError(t, err)

	got, err := DecodeV1Command(raw)
	require.NoError(t, err)
	assert.Equal(t, args, got)

	resp := EncodeV1Response(0, []byte("all good\n"))
	status, output, err := DecodeV1Response(resp)
	require.NoError(t, err)
	assert.Equal(t, int8(0), status)
	assert.Equal(t, []byte("all good\n"), output)
}

func TestDecodeCommandBodyRejectsBadContinue(t *testing.T) {
	_, _, _, err := DecodeCommandBody([]byte{1, 9})
	require.ErrorIs(t, err, ErrBadContinue)
}

func TestErrorCodeString(t *testing.T) {
	assert.Equal(t, "Access denied", ErrorAccessDenied.String())
	assert.Equal(t, "Unknown error", ErrorCode(99).String())
}
