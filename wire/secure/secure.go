// SPDX-License-Identifier: Apache-2.0

// Package secure implements the secure token layer (spec §4.2): it wraps
// the raw token codec with GSS-API confidentiality/integrity, and speaks
// the legacy v1 detached-MIC exchange when asked to. Adapted from
// golang-auth-go-gssapi's examples/go/gss-server.go and gss-client.go,
// which perform the same Wrap-then-send / recv-then-Unwrap sequence by
// hand for a single demo message; here it is generalized into a
// reusable SendPriv/RecvPriv pair used by every protocol message.
package secure

import (
	"fmt"
	"io"

	"github.com/golang-auth/go-remctl/gssapi"
	"github.com/golang-auth/go-remctl/wire/token"
)

// DataCap is the protocol-level payload limit (spec §3/§6): 64 KiB per
// token once unwrapped.
const DataCap = 64 * 1024

// SendPriv seals payload through ctx and sends it as a token with flags
// DATA|extra. If extra contains SEND_MIC but not PROTOCOL, the legacy v1
// MIC exchange follows: after the sealed token, a second MIC token
// (computed over the cleartext payload) is sent, and a peer MIC token is
// read back and verified.
func SendPriv(w io.ReadWriter, ctx gssapi.SecContext, extra token.Flag, payload []byte) error {
	sealed, _, err := ctx.Wrap(payload, true)
	if err != nil {
		return fmt.Errorf("secure: wrap: %w", err)
	}

	if err := token.Send(w, token.DATA|extra, sealed); err != nil {
		return err
	}

	if extra.Has(token.SEND_MIC) && !extra.Has(token.PROTOCOL) {
		mic, err := ctx.GetMIC(payload)
		if err != nil {
			return fmt.Errorf("secure: mic: %w", err)
		}
		if err := token.Send(w, token.MIC, mic); err != nil {
			return err
		}

		peerMic, err := token.Receive(w, token.MaxTransportPayload)
		if err != nil {
			return err
		}
		if peerMic.Flags != token.MIC {
			return fmt.Errorf("secure: expected MIC token, got flags %#x", peerMic.Flags)
		}
		if err := ctx.VerifyMIC(payload, peerMic.Payload); err != nil {
			return fmt.Errorf("secure: verify peer mic: %w", err)
		}
	}

	return nil
}

// RecvPriv reads one token (of at most token.MaxTransportPayload bytes)
// and unwraps its payload through ctx; an unwrapped payload longer than
// maxPayload is rejected with token.CodeLarge. When the token's flags
// carry SEND_MIC without PROTOCOL, it completes the v1 MIC exchange:
// read the sender's MIC, verify it, then compute and send ours.
func RecvPriv(w io.ReadWriter, ctx gssapi.SecContext, maxPayload uint32) ([]byte, token.Flag, error) {
	tok, err := token.Receive(w, token.MaxTransportPayload)
	if err != nil {
		return nil, 0, err
	}
	if !tok.Flags.Has(token.DATA) {
		return nil, 0, fmt.Errorf("secure: expected DATA token, got flags %#x", tok.Flags)
	}

	cleartext, _, err := ctx.Unwrap(tok.Payload)
	if err != nil {
		return nil, 0, fmt.Errorf("secure: unwrap: %w", err)
	}
	if uint64(len(cleartext)) > uint64(maxPayload) {
		return nil, 0, &token.Error{Code: token.CodeLarge,
			Err: fmt.Errorf("unwrapped payload of %d bytes exceeds %d byte cap", len(cleartext), maxPayload)}
	}

	if tok.Flags.Has(token.SEND_MIC) && !tok.Flags.Has(token.PROTOCOL) {
		micTok, err := token.Receive(w, token.MaxTransportPayload)
		if err != nil {
			return nil, 0, err
		}
		if micTok.Flags != token.MIC {
			return nil, 0, fmt.Errorf("secure: expected MIC token, got flags %#x", micTok.Flags)
		}
		if err := ctx.VerifyMIC(cleartext, micTok.Payload); err != nil {
			return nil, 0, fmt.Errorf("secure: verify sender mic: %w", err)
		}

		ourMic, err := ctx.GetMIC(cleartext)
		if err != nil {
			return nil, 0, fmt.Errorf("secure: mic: %w", err)
		}
		if err := token.Send(w, token.MIC, ourMic); err != nil {
			return nil, 0, err
		}
	}

	return cleartext, tok.Flags, nil
}
