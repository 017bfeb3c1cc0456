// SPDX-License-Identifier: Apache-2.0

// Package runner implements the command execution engine (the design's
// command-runner component): it validates an inbound argument vector
// against a matched Rule, enforces the rule's ACL, spawns the rule's
// program, and multiplexes its standard streams back to the caller as
// they arrive.
//
// The original select()-based nonblocking I/O loop is translated here
// into three cooperating goroutines (stdin-feeder, stdout-reader,
// stderr-reader) joined by a child-reaper, per the design's stated
// translation for languages with first-class concurrency — mirroring
// how infodancer-pop3d's SubprocessServer dispatches one goroutine per
// pipe around an os/exec child.
package runner

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"github.com/golang-auth/go-remctl/config"
	"github.com/golang-auth/go-remctl/wire/protocol"
)

// ReapTick bounds how long the runner waits, once the child has exited,
// for its output pipes to report EOF before giving up on them — the Go
// analogue of the design's 5-second select() timeout used to detect
// child exit even when descendant processes keep pipes open.
var ReapTick = 5 * time.Second

// ReadChunk is the buffer size used for each stdout/stderr read,
// matching the 64 KiB chunking described for the runner.
const ReadChunk = 64 * 1024

var (
	// ErrAccessDenied is returned when the ACL check rejects the request.
	ErrAccessDenied = errors.New("runner: access denied")
	// ErrBadCommand is returned when argv[0]/argv[1]/a non-stdin argument
	// contains a NUL octet.
	ErrBadCommand = errors.New("runner: bad command")
)

// Request is one dispatched command: the matched rule plus the full
// argument vector as received from the client (argv[0] is the command,
// argv[1] the subcommand).
type Request struct {
	Rule     *config.Rule
	Args     [][]byte
	Identity string
	PeerAddr string
	PeerHost string
}

// EmitFunc receives one chunk of child output as it is read. Runner
// makes no v1/v2 distinction: a v2 caller forwards each chunk as an
// OUTPUT message immediately, while a v1 caller accumulates chunks into
// its own MAXBUFFER-capped buffer.
type EmitFunc func(stream protocol.Stream, data []byte)

// Validate checks the NUL-octet invariant: argv[0], argv[1], and every
// argument other than the one designated by the rule's stdin_arg must
// be NUL-free.
func Validate(rule *config.Rule, args [][]byte) error {
	if len(args) < 1 {
		return fmt.Errorf("%w: empty command", ErrBadCommand)
	}
	stdinIdx := stdinArgIndex(rule, args)
	for i, a := range args {
		if i == stdinIdx && i > 1 {
			continue
		}
		if bytes.IndexByte(a, 0) >= 0 {
			return fmt.Errorf("%w: NUL octet in argument %d", ErrBadCommand, i)
		}
	}
	return nil
}

// stdinArgIndex resolves the rule's stdin_arg option to an absolute
// index into args (command and subcommand occupy args[0] and args[1];
// stdin_arg numbers the arguments that follow, 1-based, with "last"
// meaning the final element of args).
func stdinArgIndex(rule *config.Rule, args [][]byte) int {
	if rule == nil || !rule.StdinArg.Set {
		return -1
	}
	if rule.StdinArg.Last {
		return len(args) - 1
	}
	idx := 1 + rule.StdinArg.Index // args[0]=command, args[1]=subcommand, args[2]=1st extra arg
	if idx < 0 || idx >= len(args) {
		return -1
	}
	return idx
}

// Run checks the ACL, then builds and runs the child process, streaming
// its output through emit, and returns the exit status (low 8 bits for
// a normal exit, -1 if the child was signalled).
func Run(ctx context.Context, req Request, eval *config.Evaluator, emit EmitFunc) (status int8, err error) {
	if err := Validate(req.Rule, req.Args); err != nil {
		return 0, err
	}

	verdict, err := eval.EvaluateList(req.Rule.Acls, req.Identity)
	if err != nil {
		return 0, fmt.Errorf("runner: acl evaluation: %w", err)
	}
	if verdict != config.Permit {
		return 0, ErrAccessDenied
	}

	stdinIdx := stdinArgIndex(req.Rule, req.Args)
	var stdinData []byte
	if stdinIdx >= 0 {
		stdinData = req.Args[stdinIdx]
	}

	childArgv := []string{filepath.Base(req.Rule.Program)}
	for i := 2; i < len(req.Args); i++ {
		if i == stdinIdx {
			continue
		}
		childArgv = append(childArgv, string(req.Args[i]))
	}

	return spawn(ctx, req, childArgv, stdinData, emit)
}

func spawn(ctx context.Context, req Request, childArgv []string, stdinData []byte, emit EmitFunc) (int8, error) {
	cmd := exec.CommandContext(ctx, req.Rule.Program, childArgv[1:]...)
	cmd.Args = childArgv // argv[0] must be the basename, not the full path
	cmd.Env = append(cmd.Environ(),
		"REMUSER="+req.Identity,
		"REMOTE_USER="+req.Identity,
		"REMOTE_ADDR="+req.PeerAddr,
		"REMOTE_HOST="+req.PeerHost,
	)

	var stdin io.WriteCloser
	if stdinData != nil {
		p, err := cmd.StdinPipe()
		if err != nil {
			return 0, fmt.Errorf("runner: stdin pipe: %w", err)
		}
		stdin = p
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return 0, fmt.Errorf("runner: stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return 0, fmt.Errorf("runner: stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return 0, fmt.Errorf("runner: exec: %w", err)
	}

	var wg sync.WaitGroup
	if stdin != nil {
		wg.Add(1)
		go feedStdin(&wg, stdin, stdinData)
	}

	// The two drains run concurrently; emit is serialized so the caller
	// never receives two chunks at once.
	var emitMu sync.Mutex
	emitOne := func(stream protocol.Stream, data []byte) {
		emitMu.Lock()
		defer emitMu.Unlock()
		emit(stream, data)
	}

	outDone := make(chan struct{})
	errDone := make(chan struct{})
	go func() { defer close(outDone); drainPipe(stdout, protocol.StreamStdout, emitOne) }()
	go func() { defer close(errDone); drainPipe(stderr, protocol.StreamStderr, emitOne) }()

	// cmd.Wait closes the StdoutPipe/StderrPipe read ends once the child
	// exits, so it must never be called while drainPipe is still reading
	// from them (os/exec's own doc: "incorrect to call Wait before all
	// reads from the pipe have completed"). The child is reaped with
	// cmd.Process.Wait instead, which leaves the pipes open; spawn closes
	// them itself below.
	waitDone := make(chan struct{})
	var waitErr error
	go func() {
		state, err := cmd.Process.Wait()
		if err == nil && !state.Success() {
			err = &exec.ExitError{ProcessState: state}
		}
		waitErr = err
		close(waitDone)
	}()

	wg.Wait()

	// The reap tick only starts once the child itself is known to have
	// exited: descendant processes it forked off may still hold the
	// pipes open, and the design treats the immediate child's exit as
	// authoritative. When the tick fires the read ends are closed, which
	// stops both drains; spawn returns only after they have finished.
	var tick <-chan time.Time
	for waitDone != nil || outDone != nil || errDone != nil {
		select {
		case <-waitDone:
			waitDone = nil
			timer := time.NewTimer(ReapTick)
			defer timer.Stop()
			tick = timer.C
		case <-outDone:
			outDone = nil
		case <-errDone:
			errDone = nil
		case <-tick:
			tick = nil
			stdout.Close()
			stderr.Close()
		}
	}
	stdout.Close()
	stderr.Close()

	return exitStatus(waitErr), nil
}

func feedStdin(wg *sync.WaitGroup, w io.WriteCloser, data []byte) {
	defer wg.Done()
	defer w.Close()

	_, err := w.Write(data)
	if err != nil && !errors.Is(err, syscall.EPIPE) {
		// The child declining further input is not a runner-level
		// failure; any other write error is swallowed here too since
		// the child's own exit status is the authoritative outcome.
		return
	}
}

func drainPipe(r io.Reader, stream protocol.Stream, emit EmitFunc) {
	buf := make([]byte, ReadChunk)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			chunk := make([]byte, n)
			copy(chunk, buf[:n])
			emit(stream, chunk)
		}
		if err != nil {
			return
		}
	}
}

func exitStatus(err error) int8 {
	if err == nil {
		return 0
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		if ws, ok := exitErr.Sys().(syscall.WaitStatus); ok {
			if ws.Signaled() {
				return -1
			}
			return int8(ws.ExitStatus())
		}
		return int8(exitErr.ExitCode())
	}
	return -1
}
