package client

import (
	"github.com/golang-auth/go-remctl/wire/protocol"
	"github.com/golang-auth/go-remctl/wire/secure"
	"github.com/golang-auth/go-remctl/wire/token"
)

// Command sends a command (an iovec-style argument list, each element
// binary-safe) and sets keepalive for the connection-reuse decision the
// server makes after this request completes. On v2 an encoded command
// longer than fragmentCap is cut into consecutive fragmentCap-byte
// pieces sent as first/middle/last fragments. The cuts fall at fixed
// byte offsets without regard to argument boundaries, so a fragment may
// end inside an argument-length integer or directly after one.
func (c *Connection) Command(keepalive bool, args [][]byte) error {
	if c.state != Ready {
		return c.fail("command sent out of sequence")
	}

	raw, err := protocol.EncodeArgs(args)
	if err != nil {
		return c.fail("encoding command: %w", err)
	}

	c.keepalive = keepalive
	c.resetOutputState()

	if c.version == 1 {
		if err := secure.SendPriv(c.nc, c.ctx, token.SEND_MIC, raw); err != nil {
			return c.fail("sending v1 command: %w", err)
		}
		c.state = AwaitingOutput
		return nil
	}

	if err := c.sendFragmented(keepalive, raw); err != nil {
		return err
	}
	c.state = AwaitingOutput
	return nil
}

func (c *Connection) sendFragmented(keepalive bool, raw []byte) error {
	if len(raw) <= fragmentCap {
		cleartext := protocol.EncodeCommand(keepalive, protocol.ContinueNone, raw)
		return c.sendCleartext(cleartext)
	}

	offset := 0
	first := true
	for offset < len(raw) {
		end := offset + fragmentCap
		if end > len(raw) {
			end = len(raw)
		}
		chunk := raw[offset:end]
		offset = end

		var status protocol.ContinueStatus
		switch {
		case first:
			status = protocol.ContinueFirst
		case offset >= len(raw):
			status = protocol.ContinueLast
		default:
			status = protocol.ContinueMiddle
		}
		first = false

		cleartext := protocol.EncodeCommand(keepalive, status, chunk)
		if err := c.sendCleartext(cleartext); err != nil {
			return err
		}
	}
	return nil
}

func (c *Connection) sendCleartext(cleartext []byte) error {
	if err := secure.SendPriv(c.nc, c.ctx, token.PROTOCOL, cleartext); err != nil {
		return c.fail("sending command token: %w", err)
	}
	return nil
}

// OutputKind distinguishes the three possible results of an Output call.
type OutputKind int

const (
	OutputData OutputKind = iota
	OutputStatus
	OutputError
	OutputDone
)

// Output is a reentrant retriever: it returns successive output/error/
// status results until Done, at which point the connection returns to
// Ready for the next Command. Reentry after Done yields OutputDone.
type OutputResult struct {
	Kind    OutputKind
	Stream  protocol.Stream
	Data    []byte
	Status  int8
	ErrCode protocol.ErrorCode
	ErrText string
}

// Output retrieves the next piece of output. On v1, the single response
// token is split into the synthesized two-call pattern documented in
// spec §4.7: first call returns the accumulated output as stdout, the
// second returns the status.
func (c *Connection) Output() (OutputResult, error) {
	if c.state != AwaitingOutput {
		return OutputResult{Kind: OutputDone}, nil
	}

	if c.version == 1 {
		return c.outputV1()
	}
	return c.outputV2()
}

func (c *Connection) outputV1() (OutputResult, error) {
	if !c.v1OutputSent {
		cleartext, _, err := secure.RecvPriv(c.nc, c.ctx, token.MaxTransportPayload)
		if err != nil {
			c.state = Ready
			return OutputResult{}, c.fail("receiving v1 response: %w", err)
		}
		status, output, err := protocol.DecodeV1Response(cleartext)
		if err != nil {
			c.state = Ready
			return OutputResult{}, c.fail("decoding v1 response: %w", err)
		}
		c.pendingV1Status = status
		c.pendingV1Output = output
		c.v1OutputSent = true
		return OutputResult{Kind: OutputData, Stream: protocol.StreamStdout, Data: output}, nil
	}

	if !c.v1StatusSent {
		c.v1StatusSent = true
		c.state = Ready
		return OutputResult{Kind: OutputStatus, Status: c.pendingV1Status}, nil
	}

	return OutputResult{Kind: OutputDone}, nil
}

func (c *Connection) outputV2() (OutputResult, error) {
	cleartext, _, err := secure.RecvPriv(c.nc, c.ctx, secure.DataCap)
	if err != nil {
		c.state = Ready
		return OutputResult{}, c.fail("receiving output: %w", err)
	}

	version, tag, body, err := protocol.DecodeHeader(cleartext)
	if err != nil {
		c.state = Ready
		return OutputResult{}, c.fail("decoding message: %w", err)
	}
	if version != protocol.Version2 {
		return OutputResult{}, c.fail("unexpected protocol version %d from server", version)
	}

	switch tag {
	case protocol.TagOutput:
		stream, data, err := protocol.DecodeOutputBody(body)
		if err != nil {
			c.state = Ready
			return OutputResult{}, c.fail("decoding output message: %w", err)
		}
		return OutputResult{Kind: OutputData, Stream: stream, Data: data}, nil

	case protocol.TagStatus:
		status, err := protocol.DecodeStatusBody(body)
		if err != nil {
			c.state = Ready
			return OutputResult{}, c.fail("decoding status message: %w", err)
		}
		c.state = Ready
		return OutputResult{Kind: OutputStatus, Status: status}, nil

	case protocol.TagError:
		code, msg, err := protocol.DecodeErrorBody(body)
		if err != nil {
			c.state = Ready
			return OutputResult{}, c.fail("decoding error message: %w", err)
		}
		c.state = Ready
		return OutputResult{Kind: OutputError, ErrCode: code, ErrText: msg}, nil

	default:
		c.state = Ready
		return OutputResult{}, c.fail("unexpected message tag %d", tag)
	}
}
