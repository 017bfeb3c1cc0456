package runner

import "github.com/golang-auth/go-remctl/wire/protocol"

// MaxV1Buffer is the v1 accumulated-output cap from spec §6: bytes
// beyond this are read (to drain the pipe) and discarded, never sent.
const MaxV1Buffer = 64000

// V1Buffer accumulates stdout+stderr interleaved into a single buffer
// for the legacy protocol, truncating at MaxV1Buffer while still
// draining every byte read from the child.
type V1Buffer struct {
	buf []byte
}

// Emit satisfies EmitFunc; stream is ignored since v1 merges both.
func (b *V1Buffer) Emit(_ protocol.Stream, data []byte) {
	if len(b.buf) >= MaxV1Buffer {
		return
	}
	room := MaxV1Buffer - len(b.buf)
	if room > len(data) {
		room = len(data)
	}
	b.buf = append(b.buf, data[:room]...)
}

// AppendError appends v1's trailing error-text line: msg followed by a
// newline. Nothing is inserted before msg, so it directly follows any
// prior output.
func (b *V1Buffer) AppendError(msg string) {
	b.Emit(protocol.StreamStdout, []byte(msg+"\n"))
}

// Bytes returns the accumulated (possibly truncated) output.
func (b *V1Buffer) Bytes() []byte { return b.buf }
