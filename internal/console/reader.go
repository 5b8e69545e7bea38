package console

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"

	"github.com/mark3labs/espagent/internal/logger"
	"github.com/muesli/cancelreader"
)

// maxLineSize bounds one line of operator input.
const maxLineSize = 1 << 20

type lineResult struct {
	line string
	err  error
}

// LineReader reads lines from r on its own goroutine so callers can stop
// waiting when their context is cancelled. The goroutine only reads when a
// line has been asked for, so a child process such as an editor can own
// the terminal in between. It exits when r reports EOF or an error, or
// on Close, which also interrupts a read blocked on a terminal or pipe.
type LineReader struct {
	src     cancelreader.CancelReader
	want    chan struct{}
	lines   chan lineResult
	done    chan struct{}
	once    sync.Once
	pending bool
	end     error
}

// NewLineReader starts reading r.
func NewLineReader(r io.Reader) *LineReader {
	src, err := cancelreader.NewReader(r)
	if err != nil {
		// Regular files cannot be polled; reads from them never block.
		logger.Debug("Input is not cancelable: %v", err)
		src = nil
	}
	lr := &LineReader{
		src:   src,
		want:  make(chan struct{}),
		lines: make(chan lineResult),
		done:  make(chan struct{}),
	}
	if src != nil {
		r = src
	}
	go lr.run(r)
	return lr
}

func (lr *LineReader) run(r io.Reader) {
	defer close(lr.lines)
	if lr.src != nil {
		defer func() { _ = lr.src.Close() }()
	}

	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for {
		select {
		case <-lr.want:
		case <-lr.done:
			return
		}

		res := lineResult{}
		if scanner.Scan() {
			res.line = scanner.Text()
		} else if res.err = scanner.Err(); res.err == nil || errors.Is(res.err, cancelreader.ErrCanceled) {
			res.err = io.EOF
		}

		select {
		case lr.lines <- res:
		case <-lr.done:
			return
		}
		if res.err != nil {
			return
		}
	}
}

// ReadLine returns the next line without its newline. After input ends
// every call returns the same error (io.EOF for a clean end). A line
// requested by a cancelled call is delivered to the next one.
func (lr *LineReader) ReadLine(ctx context.Context) (string, error) {
	if lr.end != nil {
		return "", lr.end
	}
	if !lr.pending {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-lr.done:
			return "", io.EOF
		case lr.want <- struct{}{}:
			lr.pending = true
		}
	}
	select {
	case <-ctx.Done():
		return "", ctx.Err()
	case res, ok := <-lr.lines:
		lr.pending = false
		if !ok {
			lr.end = io.EOF
			return "", io.EOF
		}
		if res.err != nil {
			lr.end = res.err
			return "", res.err
		}
		return res.line, nil
	}
}

// Close stops delivering lines and cancels a pending read.
func (lr *LineReader) Close() {
	lr.once.Do(func() {
		close(lr.done)
		if lr.src != nil {
			lr.src.Cancel()
		}
	})
}
