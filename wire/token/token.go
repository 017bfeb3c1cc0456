// Package token implements the remctl wire framing (spec §4.1): one byte
// of flags, a 32-bit big-endian length, then that many bytes of payload.
// Adapted from golang-auth-go-gssapi's examples/go/gss-server.go
// send/recvToken helpers, generalized to the flag/length/payload framing
// remctl actually uses (the example only framed a bare length-prefixed
// buffer) and hardened per spec §4.1's retry and size-cap requirements.
package token

import (
	"encoding/binary"
	"errors"
	"fmt"
	"io"
)

// Flag is a bitmask of the token flag bits from spec §4.1.
type Flag uint8

const (
	NOOP         Flag = 1 << 0
	CONTEXT      Flag = 1 << 1
	DATA         Flag = 1 << 2
	MIC          Flag = 1 << 3
	CONTEXT_NEXT Flag = 1 << 4
	SEND_MIC     Flag = 1 << 5
	PROTOCOL     Flag = 1 << 6
)

func (f Flag) Has(bit Flag) bool { return f&bit == bit }

// Code is the failure taxonomy from spec §4.1. It is returned alongside
// an error so callers can distinguish protocol-relevant outcomes (EOF,
// too-large) from incidental system/socket failures without parsing
// error strings.
type Code int

const (
	CodeOK Code = iota
	CodeSystem
	CodeSocket
	CodeInvalid
	CodeLarge
	CodeEOF
	CodeGSSAPI
)

// Error wraps a Code with the underlying cause.
type Error struct {
	Code Code
	Err  error
}

func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("token: %s", e.Err)
	}
	return "token: error"
}

func (e *Error) Unwrap() error { return e.Err }

func newErr(code Code, format string, args ...interface{}) *Error {
	return &Error{Code: code, Err: fmt.Errorf(format, args...)}
}

// MaxTransportPayload is the hard transport-level cap from spec §3/§6: no
// single token's payload may exceed 1 MiB.
const MaxTransportPayload = 1 << 20

// maxShortReadRetries bounds how many EINTR/EAGAIN-style retries Receive
// tolerates while filling a fixed-size buffer, per spec §4.1.
const maxShortReadRetries = 100

// Token is one framed unit read from or about to be written to the wire.
type Token struct {
	Flags   Flag
	Payload []byte
}

// Send writes flags, length, and payload as a single framed unit. Per
// spec §4.1, the three pieces are buffered and issued as one Write so a
// concurrent sender on the same stream (there is none in go-remctl today,
// but the framing contract promises it) can never interleave a partial
// frame.
func Send(w io.Writer, flags Flag, payload []byte) error {
	if len(payload) > MaxTransportPayload {
		return newErr(CodeLarge, "payload of %d bytes exceeds %d byte cap", len(payload), MaxTransportPayload)
	}

	buf := make([]byte, 5+len(payload))
	buf[0] = byte(flags)
	binary.BigEndian.PutUint32(buf[1:5], uint32(len(payload)))
	copy(buf[5:], payload)

	if _, err := w.Write(buf); err != nil {
		return newErr(CodeSocket, "writing token: %w", err)
	}
	return nil
}

// Receive reads one framed token, enforcing maxPayload (the caller's
// size cap; go-remctl's protocol layer uses the 64 KiB per-token data
// limit, while raw transport code may allow up to MaxTransportPayload).
//
// An EOF on the very first byte (the flags byte) is reported as
// CodeEOF, distinguishing a clean peer disconnect between messages from
// a truncated frame (CodeInvalid) — the latter always indicates a
// confused or malicious peer.
func Receive(r io.Reader, maxPayload uint32) (Token, error) {
	var hdr [5]byte
	n, err := readFull(r, hdr[:1])
	if n == 0 && errors.Is(err, io.EOF) {
		return Token{}, newErr(CodeEOF, "connection closed")
	}
	if err != nil {
		return Token{}, newErr(CodeInvalid, "reading token flags: %w", err)
	}

	if _, err := readFullRest(r, hdr[1:]); err != nil {
		return Token{}, newErr(CodeInvalid, "reading token length: %w", err)
	}

	length := binary.BigEndian.Uint32(hdr[1:5])
	if length > maxPayload {
		return Token{}, newErr(CodeLarge, "token payload of %d bytes exceeds %d byte cap", length, maxPayload)
	}

	payload := make([]byte, length)
	if length > 0 {
		if _, err := readFullRest(r, payload); err != nil {
			return Token{}, newErr(CodeInvalid, "reading token payload: %w", err)
		}
	}

	return Token{Flags: Flag(hdr[0]), Payload: payload}, nil
}

// readFull reads len(buf) bytes, retrying transient errors up to
// maxShortReadRetries times, and reports how many bytes of buf[0] were
// obtained (0 or 1) so Receive can distinguish a clean EOF from a
// mid-frame one.
func readFull(r io.Reader, buf []byte) (int, error) {
	total := 0
	retries := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			if isRetryable(err) && retries < maxShortReadRetries {
				retries++
				continue
			}
			return total, err
		}
		if n == 0 {
			retries++
			if retries >= maxShortReadRetries {
				return total, io.ErrNoProgress
			}
		}
	}
	return total, nil
}

func readFullRest(r io.Reader, buf []byte) (int, error) {
	n, err := readFull(r, buf)
	if err != nil && errors.Is(err, io.EOF) {
		return n, io.ErrUnexpectedEOF
	}
	return n, err
}

func isRetryable(err error) bool {
	// io.Reader implementations in Go (net.Conn included) do not surface
	// EINTR/EAGAIN as distinguishable errors the way the C select()/read()
	// loop this is modeled on did; the runtime retries those internally.
	// This hook exists so a caller wrapping a raw fd-based Reader can
	// still plug in that classification without changing Receive's
	// bounded-retry contract from spec §4.1.
	return false
}
