// SPDX-License-Identifier: Apache-2.0

// Package client implements the remctl client state machine (spec
// §4.7): the new/open/command/output/close lifecycle, iovec-based
// command assembly with v2 fragmentation, and a protocol-version
// agnostic output-retrieval API.
package client

import (
	"fmt"
	"net"
	"time"

	"github.com/golang-auth/go-remctl/gssapi"
	"github.com/golang-auth/go-remctl/wire/secure"
	"github.com/golang-auth/go-remctl/wire/token"
)

// State is the connection's lifecycle state.
type State int

const (
	Idle State = iota
	Ready
	AwaitingOutput
)

// DefaultPort and LegacyPort mirror the server's listen ports; Open
// tries DefaultPort first and falls back to LegacyPort exactly once,
// only when the caller requested port 0 (spec §4.3 port fallback).
const (
	DefaultPort = 4373
	LegacyPort  = 4444
)

// fragmentCap bounds a single v2 COMMAND token body so that, together
// with the four-byte version/type/keepalive/continuation header, the
// cleartext never exceeds the 64 KiB protocol data limit.
const fragmentCap = secure.DataCap - 4

// Connection is a reusable client-side connection object, created by
// New and cycled through Open/Command/Output/Close.
type Connection struct {
	Host      string
	Port      int
	Principal string

	lib  gssapi.Library
	cred gssapi.Credential

	nc      net.Conn
	ctx     gssapi.SecContext
	version byte
	state   State

	lastError string
	keepalive bool

	pendingV1Output []byte
	pendingV1Status int8
	v1OutputSent    bool
	v1StatusSent    bool
	done            bool
}

// New creates an unopened Connection. lib is the GSS-API mechanism
// library to use (e.g. krb5.New()'s registered "kerberos_v5").
func New(lib gssapi.Library, host string, port int, principal string) *Connection {
	return &Connection{lib: lib, Host: host, Port: port, Principal: principal, state: Idle}
}

// LastError returns the most recently recorded failure, or "" if none.
func (c *Connection) LastError() string { return c.lastError }

func (c *Connection) fail(format string, args ...interface{}) error {
	err := fmt.Errorf(format, args...)
	c.lastError = err.Error()
	return err
}

// Open establishes the TCP connection and GSS-API security context,
// attempting v2 first. On port 0 and a dial failure, it retries once
// against LegacyPort.
func (c *Connection) Open() error {
	c.resetOutputState()

	port := c.Port
	if port == 0 {
		port = DefaultPort
	}

	nc, err := net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.Host, port), 30*time.Second)
	if err != nil && c.Port == 0 {
		nc, err = net.DialTimeout("tcp", fmt.Sprintf("%s:%d", c.Host, LegacyPort), 30*time.Second)
	}
	if err != nil {
		return c.fail("connecting to %s: %w", c.Host, err)
	}

	if err := c.handshake(nc); err != nil {
		nc.Close()
		return err
	}

	c.nc = nc
	c.state = Ready
	return nil
}

func (c *Connection) handshake(nc net.Conn) error {
	cred, err := c.lib.AcquireCredential("", gssapi.CredUsageInitiateOnly)
	if err != nil {
		return c.fail("acquiring credentials: %w", err)
	}
	c.cred = cred

	initialFlags := token.NOOP | token.CONTEXT_NEXT | token.PROTOCOL
	if err := token.Send(nc, initialFlags, nil); err != nil {
		return c.fail("sending initial token: %w", err)
	}

	version := byte(2)
	var ctx gssapi.SecContext
	var input []byte
	target := "host@" + c.Host
	if c.Principal != "" {
		target = c.Principal
	}

	for {
		newCtx, out, err := c.lib.InitSecContext(ctx, cred, target, input)
		if err != nil && err != gssapi.ErrContinueNeeded {
			return c.fail("init_sec_context: %w", err)
		}
		ctx = newCtx

		flags := token.CONTEXT
		if version == 2 {
			flags |= token.PROTOCOL
		}
		if err := token.Send(nc, flags, out); err != nil {
			return c.fail("sending context token: %w", err)
		}

		if err != gssapi.ErrContinueNeeded {
			break
		}

		tok, rerr := token.Receive(nc, token.MaxTransportPayload)
		if rerr != nil {
			return c.fail("receiving context token: %w", rerr)
		}
		if version == 2 && !tok.Flags.Has(token.PROTOCOL) {
			version = 1
		}
		input = tok.Payload
	}

	info, err := ctx.Inquire()
	if err != nil {
		return c.fail("inquiring context: %w", err)
	}
	required := gssapi.ContextFlagMutual | gssapi.ContextFlagConf | gssapi.ContextFlagInteg
	if version == 2 && info.Flags&required != required {
		return c.fail("negotiated context missing required capabilities")
	}

	c.ctx = ctx
	c.version = version
	return nil
}

// Close tears down the security context and TCP connection.
func (c *Connection) Close() error {
	if c.ctx != nil {
		c.ctx.Delete()
	}
	var err error
	if c.nc != nil {
		err = c.nc.Close()
	}
	c.nc = nil
	c.ctx = nil
	c.state = Idle
	return err
}

func (c *Connection) resetOutputState() {
	c.pendingV1Output = nil
	c.pendingV1Status = 0
	c.v1OutputSent = false
	c.v1StatusSent = false
	c.done = false
	c.lastError = ""
}
