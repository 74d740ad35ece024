package hardware

import (
	"bytes"
	"io"
	"os"
	"sync"
	"time"
)

// fakePort 模拟串口：按块返回预置数据，无数据时模拟读超时
type fakePort struct {
	mu       sync.Mutex
	chunks   [][]byte
	written  bytes.Buffer
	readErr  error
	closed   bool
	closedCh chan struct{}

	// blockRead 为 true 时 Read 一直阻塞到 Close
	blockRead bool
	// writeGate 非空时 Write 阻塞到放行或 Close
	writeGate chan struct{}
	writeErr  error
}

func newFakePort() *fakePort {
	return &fakePort{closedCh: make(chan struct{})}
}

func (p *fakePort) Push(data string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.chunks = append(p.chunks, []byte(data))
}

func (p *fakePort) FailWith(err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.readErr = err
}

func (p *fakePort) Read(b []byte) (int, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return 0, os.ErrClosed
	}
	if p.blockRead {
		p.mu.Unlock()
		<-p.closedCh
		return 0, os.ErrClosed
	}
	if p.readErr != nil {
		err := p.readErr
		p.mu.Unlock()
		return 0, err
	}
	if len(p.chunks) == 0 {
		p.mu.Unlock()
		time.Sleep(time.Millisecond)
		return 0, io.EOF
	}
	chunk := p.chunks[0]
	n := copy(b, chunk)
	if n < len(chunk) {
		p.chunks[0] = chunk[n:]
	} else {
		p.chunks = p.chunks[1:]
	}
	p.mu.Unlock()
	return n, nil
}

func (p *fakePort) Write(b []byte) (int, error) {
	if p.writeGate != nil {
		select {
		case <-p.writeGate:
		case <-p.closedCh:
			return 0, os.ErrClosed
		}
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return 0, os.ErrClosed
	}
	if p.writeErr != nil {
		return 0, p.writeErr
	}
	return p.written.Write(b)
}

func (p *fakePort) Close() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.closed {
		p.closed = true
		close(p.closedCh)
	}
	return nil
}

func (p *fakePort) Flush() error { return nil }

func (p *fakePort) IsClosed() bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.closed
}

func (p *fakePort) Written() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.written.String()
}
