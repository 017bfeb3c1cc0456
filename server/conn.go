package server

import (
	"context"
	"fmt"
	"net"

	"github.com/hashicorp/go-hclog"
	"github.com/rs/xid"

	"github.com/golang-auth/go-remctl/config"
	"github.com/golang-auth/go-remctl/gssapi"
	"github.com/golang-auth/go-remctl/metrics"
	"github.com/golang-auth/go-remctl/runner"
	"github.com/golang-auth/go-remctl/wire/protocol"
	"github.com/golang-auth/go-remctl/wire/secure"
	"github.com/golang-auth/go-remctl/wire/token"
)

// Context bundles everything a connection handler needs, threaded in
// explicitly rather than held in package-level state (the design's
// anti-global-state note for message handlers and long-lived
// credentials).
type Context struct {
	Lib     gssapi.Library
	Cred    gssapi.Credential
	Configs *config.Store
	Eval    *config.Evaluator
	Metrics *metrics.Registry
	Log     hclog.Logger
}

// conn is the live state of one accepted connection, scoped to a single
// goroutine for the life of HandleConnection.
type conn struct {
	nc      net.Conn
	ctx     gssapi.SecContext
	version byte
	peer    string
	host    string
	addr    string
	log     hclog.Logger
	sc      *Context
}

// HandleConnection runs the handshake and the command dispatch loop for
// one accepted TCP connection, and always closes nc before returning.
func (sc *Context) HandleConnection(nc net.Conn) {
	defer nc.Close()

	id := xid.New()
	log := sc.Log.With("conn", id.String(), "remote", nc.RemoteAddr().String())

	if sc.Metrics != nil {
		sc.Metrics.ConnectionsTotal.Inc()
		sc.Metrics.ConnectionsActive.Inc()
		defer sc.Metrics.ConnectionsActive.Dec()
	}

	hs, err := establish(nc, sc.Lib, sc.Cred)
	if err != nil {
		log.Warn("handshake failed", "error", err)
		return
	}
	log.Info("context established", "version", hs.Version, "identity", hs.PeerName)

	host, _, _ := net.SplitHostPort(nc.RemoteAddr().String())
	hostnames, _ := net.LookupAddr(host)
	peerHost := ""
	if len(hostnames) > 0 {
		peerHost = hostnames[0]
	}

	c := &conn{
		nc:      nc,
		ctx:     hs.Ctx,
		version: hs.Version,
		peer:    hs.PeerName,
		host:    peerHost,
		addr:    host,
		log:     log,
		sc:      sc,
	}
	c.loop()
}

// loop implements the per-connection dispatcher (§4.8): receive, decode,
// dispatch, until QUIT or the connection drops.
func (c *conn) loop() {
	var cmdBuf protocol.CommandBuffer

	for {
		cleartext, flags, err := secure.RecvPriv(c.nc, c.ctx, secure.DataCap)
		if err != nil {
			if tokErr, ok := asTokenError(err); ok && tokErr == token.CodeEOF {
				return
			}
			c.log.Warn("receive failed, ending connection", "error", err)
			return
		}

		if c.version == 2 {
			if !c.dispatchV2(cleartext, flags, &cmdBuf) {
				return
			}
		} else {
			if !c.dispatchV1(cleartext) {
				return
			}
		}
	}
}

func asTokenError(err error) (token.Code, bool) {
	var tokErr *token.Error
	for e := err; e != nil; {
		if te, ok := e.(*token.Error); ok {
			tokErr = te
			break
		}
		u, ok := e.(interface{ Unwrap() error })
		if !ok {
			break
		}
		e = u.Unwrap()
	}
	if tokErr == nil {
		return 0, false
	}
	return tokErr.Code, true
}

// dispatchV2 decodes one v2 message and handles it; it returns false
// when the connection should end.
func (c *conn) dispatchV2(cleartext []byte, _ token.Flag, cmdBuf *protocol.CommandBuffer) bool {
	version, tag, body, err := protocol.DecodeHeader(cleartext)
	if err != nil {
		c.sendError(protocol.ErrorBadToken, "Bad token")
		return true
	}
	if version > protocol.MaxSupportedVersion {
		c.send(protocol.EncodeVersion(protocol.MaxSupportedVersion))
		return true
	}

	switch tag {
	case protocol.TagQuit:
		return false

	case protocol.TagCommand:
		keepalive, cont, raw, err := protocol.DecodeCommandBody(body)
		if err != nil {
			c.sendError(protocol.ErrorBadCommand, "Bad command")
			return true
		}
		done, err := cmdBuf.Feed(keepalive, cont, raw)
		if err != nil {
			c.sendError(protocol.ErrorBadCommand, "Bad command")
			*cmdBuf = protocol.CommandBuffer{}
			return true
		}
		if !done {
			return true
		}

		args, err := protocol.DecodeArgs(cmdBuf.Raw())
		*cmdBuf = protocol.CommandBuffer{}
		if err != nil {
			code := protocol.ErrorBadCommand
			msg := "Bad command"
			if err == protocol.ErrTooManyArgs {
				code = protocol.ErrorTooManyArgs
				msg = "Too many arguments"
			}
			c.sendError(code, msg)
			return true
		}

		c.dispatchCommand(args)
		return keepalive

	default:
		c.sendError(protocol.ErrorUnknownMessage, "Unknown message")
		return true
	}
}

func (c *conn) dispatchV1(cleartext []byte) bool {
	args, err := protocol.DecodeV1Command(cleartext)
	if err != nil {
		resp := protocol.EncodeV1Response(-1, []byte("Bad command\n"))
		c.send(resp)
		return true
	}

	var buf runner.V1Buffer
	status := c.runCommand(args, buf.Emit, buf.AppendError)
	resp := protocol.EncodeV1Response(status, buf.Bytes())
	c.send(resp)
	return true
}

// dispatchCommand runs a fully-assembled v2 command and emits its
// OUTPUT/STATUS/ERROR messages.
func (c *conn) dispatchCommand(args [][]byte) {
	errCode, errMsg, status, ok := c.runCommandV2(args)
	if !ok {
		c.sendError(errCode, errMsg)
		return
	}
	c.send(protocol.EncodeStatus(status))
}

func (c *conn) runCommandV2(args [][]byte) (protocol.ErrorCode, string, int8, bool) {
	if len(args) < 1 {
		return protocol.ErrorBadCommand, "Bad command", 0, false
	}

	command := string(args[0])
	subcommand := ""
	if len(args) > 1 {
		subcommand = string(args[1])
	}

	rule, err := c.sc.Configs.Current().Lookup(command, subcommand)
	if err != nil {
		c.bumpCommandOutcome("unknown_command")
		return protocol.ErrorUnknownCommand, "Unknown command", 0, false
	}
	c.log.Debug("dispatching command", "command", command, "subcommand", subcommand, "args", rule.MaskedArgs(args))

	status, err := runner.Run(context.Background(), runner.Request{
		Rule: rule, Args: args, Identity: c.peer, PeerAddr: c.addr, PeerHost: c.host,
	}, c.sc.Eval, func(stream protocol.Stream, data []byte) {
		c.send(protocol.EncodeOutput(stream, data))
	})

	switch {
	case err == nil:
		c.bumpCommandOutcome("ok")
		c.bumpExitStatus(status)
		return 0, "", status, true
	case err == runner.ErrAccessDenied:
		c.bumpCommandOutcome("access_denied")
		if c.sc.Metrics != nil {
			c.sc.Metrics.AclDenialsTotal.Inc()
		}
		return protocol.ErrorAccessDenied, "Access denied", 0, false
	case err == runner.ErrBadCommand:
		c.bumpCommandOutcome("bad_command")
		return protocol.ErrorBadCommand, "Bad command", 0, false
	default:
		c.bumpCommandOutcome("internal_error")
		c.log.Error("command execution failed", "error", err)
		return protocol.ErrorInternal, "Internal error", 0, false
	}
}

// runCommand is the v1-flavored equivalent: output and errors are
// folded into the same accumulator, and the return is just the status.
func (c *conn) runCommand(args [][]byte, emit runner.EmitFunc, appendErr func(string)) int8 {
	if len(args) < 1 {
		appendErr("Bad command")
		return -1
	}
	command := string(args[0])
	subcommand := ""
	if len(args) > 1 {
		subcommand = string(args[1])
	}

	rule, err := c.sc.Configs.Current().Lookup(command, subcommand)
	if err != nil {
		c.bumpCommandOutcome("unknown_command")
		appendErr("Unknown command")
		return -1
	}
	c.log.Debug("dispatching command", "command", command, "subcommand", subcommand, "args", rule.MaskedArgs(args))

	status, err := runner.Run(context.Background(), runner.Request{
		Rule: rule, Args: args, Identity: c.peer, PeerAddr: c.addr, PeerHost: c.host,
	}, c.sc.Eval, emit)

	switch {
	case err == nil:
		c.bumpCommandOutcome("ok")
		c.bumpExitStatus(status)
		return status
	case err == runner.ErrAccessDenied:
		c.bumpCommandOutcome("access_denied")
		appendErr("Access denied")
		return -1
	default:
		c.bumpCommandOutcome("internal_error")
		c.log.Error("command execution failed", "error", err)
		appendErr("Internal error")
		return -1
	}
}

func (c *conn) bumpCommandOutcome(outcome string) {
	if c.sc.Metrics != nil {
		c.sc.Metrics.CommandsTotal.WithLabelValues(outcome).Inc()
	}
}

func (c *conn) bumpExitStatus(status int8) {
	if c.sc.Metrics != nil {
		c.sc.Metrics.ExitStatusTotal.WithLabelValues(fmt.Sprintf("%d", status)).Inc()
	}
}

// send transmits a message with the flags appropriate to the
// connection's negotiated protocol version: PROTOCOL for v2 (no MIC
// exchange), SEND_MIC for v1 (the legacy detached-MIC exchange).
func (c *conn) send(cleartext []byte) {
	var flags token.Flag
	if c.version == 2 {
		flags = token.PROTOCOL
	} else {
		flags = token.SEND_MIC
	}
	if err := secure.SendPriv(c.nc, c.ctx, flags, cleartext); err != nil {
		c.log.Warn("send failed", "error", err)
	}
}

func (c *conn) sendError(code protocol.ErrorCode, msg string) {
	c.send(protocol.EncodeError(code, msg))
}
