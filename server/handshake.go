// SPDX-License-Identifier: Apache-2.0

// Package server implements the GSS context establishment handshake and
// the per-connection dispatch loop of the remctl daemon.
package server

import (
	"fmt"
	"net"

	"github.com/golang-auth/go-remctl/gssapi"
	"github.com/golang-auth/go-remctl/wire/token"
)

// ErrFatalHandshake marks a handshake failure that must abort the
// connection outright (as opposed to a negotiable downgrade).
type ErrFatalHandshake struct{ Reason string }

func (e *ErrFatalHandshake) Error() string { return "server: fatal handshake: " + e.Reason }

// handshakeResult is everything the connection loop needs once the
// security context is established.
type handshakeResult struct {
	Ctx        gssapi.SecContext
	Version    byte
	PeerName   string
}

// establish performs the initial-token inspection and the
// init/accept_sec_context loop from the design's context-establishment
// component, then validates the negotiated context's capabilities.
func establish(conn net.Conn, lib gssapi.Library, cred gssapi.Credential) (*handshakeResult, error) {
	initial, err := token.Receive(conn, token.MaxTransportPayload)
	if err != nil {
		return nil, err
	}

	const wantV2 = token.NOOP | token.CONTEXT_NEXT | token.PROTOCOL
	const wantV1 = token.NOOP | token.CONTEXT_NEXT

	var version byte
	switch initial.Flags {
	case wantV2:
		version = 2
	case wantV1:
		version = 1
	default:
		return nil, &ErrFatalHandshake{Reason: fmt.Sprintf("unexpected initial token flags %#x", initial.Flags)}
	}
	if len(initial.Payload) != 0 {
		return nil, &ErrFatalHandshake{Reason: "non-empty payload on initial token"}
	}

	// The initial token only announces intent; the first real context
	// token arrives next with the client's init_sec_context output.
	first, err := token.Receive(conn, token.MaxTransportPayload)
	if err != nil {
		return nil, err
	}

	var ctx gssapi.SecContext
	input := first.Payload
	for {
		newCtx, out, err := lib.AcceptSecContext(ctx, cred, input)
		if err != nil && err != gssapi.ErrContinueNeeded {
			return nil, fmt.Errorf("server: accept_sec_context: %w", err)
		}
		ctx = newCtx

		replyFlags := token.CONTEXT
		if version == 2 {
			replyFlags |= token.PROTOCOL
		}
		if len(out) > 0 || err == gssapi.ErrContinueNeeded {
			if sendErr := token.Send(conn, replyFlags, out); sendErr != nil {
				return nil, sendErr
			}
		}

		if err != gssapi.ErrContinueNeeded {
			break
		}

		tok, rerr := token.Receive(conn, token.MaxTransportPayload)
		if rerr != nil {
			return nil, rerr
		}
		if version == 2 && !tok.Flags.Has(token.PROTOCOL) {
			version = 1
		}
		input = tok.Payload
	}

	info, err := ctx.Inquire()
	if err != nil {
		return nil, fmt.Errorf("server: inquire context: %w", err)
	}
	required := gssapi.ContextFlagMutual | gssapi.ContextFlagConf | gssapi.ContextFlagInteg
	if info.Flags&required != required {
		return nil, &ErrFatalHandshake{Reason: fmt.Sprintf("negotiated context missing required flags: have %v", info.Flags)}
	}

	return &handshakeResult{Ctx: ctx, Version: version, PeerName: info.InitiatorName}, nil
}
