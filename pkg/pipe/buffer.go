// Package pipe collects at most max bytes written by a child process to the
// write end of a pipe
package pipe

import (
	"bytes"
	"fmt"
	"io"
	"os"
)

// Buffer is a pipe whose read end is copied into memory by a goroutine.
// W is passed to the child, for example as its stdout.
type Buffer struct {
	W *os.File

	max       int64
	buf       bytes.Buffer
	truncated bool
	done      chan struct{}
}

// NewBuffer creates an os pipe collecting up to max bytes
func NewBuffer(max int64) (*Buffer, error) {
	r, w, err := os.Pipe()
	if err != nil {
		return nil, err
	}
	b := &Buffer{W: w, max: max, done: make(chan struct{})}
	go b.collect(r)
	return b, nil
}

func (b *Buffer) collect(r *os.File) {
	defer close(b.done)
	defer r.Close()

	io.CopyN(&b.buf, r, b.max+1)
	if int64(b.buf.Len()) > b.max {
		b.buf.Truncate(int(b.max))
		b.truncated = true
	}
	// keep the writer from blocking or receiving SIGPIPE
	io.Copy(io.Discard, r)
}

// Wait closes the write end held by the parent and returns the collected
// bytes once every copy of the write end is closed, i.e. the child exited
func (b *Buffer) Wait() []byte {
	b.W.Close()
	<-b.done
	return b.buf.Bytes()
}

// Truncated reports whether more than max bytes were written, valid after
// Wait
func (b *Buffer) Truncated() bool {
	return b.truncated
}

func (b *Buffer) String() string {
	return fmt.Sprintf("Buffer[%d/%d]", b.buf.Len(), b.max)
}
