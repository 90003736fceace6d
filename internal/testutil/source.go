package testutil

import (
	"context"
	"io"
	"sync"
	"time"

	"github.com/ManuGH/streamrec/internal/ingest"
)

// FakeSource is a scripted ingest.Source. Each successful Open yields a
// FakeSession that tests feed with Push and end with Fail.
type FakeSource struct {
	mu       sync.Mutex
	openErrs []error
	urls     []string
	opened   chan *FakeSession
	block    bool
}

// NewFakeSource returns a source whose Opens succeed until told otherwise.
func NewFakeSource() *FakeSource {
	return &FakeSource{opened: make(chan *FakeSession, 64)}
}

// FailNextOpen queues err for the next Open call.
func (s *FakeSource) FailNextOpen(err error) {
	s.mu.Lock()
	s.openErrs = append(s.openErrs, err)
	s.mu.Unlock()
}

// BlockOpens makes Open wait for its context, simulating an unreachable host.
func (s *FakeSource) BlockOpens(block bool) {
	s.mu.Lock()
	s.block = block
	s.mu.Unlock()
}

// Open implements ingest.Source.
func (s *FakeSource) Open(ctx context.Context, url string) (ingest.Session, error) {
	s.mu.Lock()
	s.urls = append(s.urls, url)
	block := s.block
	var err error
	if len(s.openErrs) > 0 {
		err, s.openErrs = s.openErrs[0], s.openErrs[1:]
	}
	s.mu.Unlock()

	if err != nil {
		return nil, err
	}
	if block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	sess := &FakeSession{
		data:   make(chan ingest.Chunk, 256),
		fail:   make(chan error, 1),
		closed: make(chan struct{}),
	}
	s.opened <- sess
	return sess, nil
}

// Opens returns how many times Open was called.
func (s *FakeSource) Opens() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.urls)
}

// URLs returns the URLs passed to Open.
func (s *FakeSource) URLs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.urls...)
}

// Next waits for the next successfully opened session.
func (s *FakeSource) Next(timeout time.Duration) (*FakeSession, bool) {
	select {
	case sess := <-s.opened:
		return sess, true
	case <-time.After(timeout):
		return nil, false
	}
}

// FakeSession is a scripted ingest.Session.
type FakeSession struct {
	data      chan ingest.Chunk
	fail      chan error
	closed    chan struct{}
	closeOnce sync.Once
}

// Push queues a chunk for Read.
func (f *FakeSession) Push(data []byte, at time.Time) {
	f.data <- ingest.Chunk{Data: data, At: at}
}

// Fail makes Read return err once queued chunks are consumed.
func (f *FakeSession) Fail(err error) {
	select {
	case f.fail <- err:
	default:
	}
}

// Read implements ingest.Session. Queued chunks are delivered before a
// failure or the end of a closed session.
func (f *FakeSession) Read(ctx context.Context) (ingest.Chunk, error) {
	select {
	case c := <-f.data:
		return c, nil
	default:
	}
	select {
	case c := <-f.data:
		return c, nil
	case err := <-f.fail:
		return ingest.Chunk{}, err
	case <-f.closed:
		select {
		case c := <-f.data:
			return c, nil
		default:
			return ingest.Chunk{}, io.EOF
		}
	case <-ctx.Done():
		return ingest.Chunk{}, ctx.Err()
	}
}

// Close implements ingest.Session.
func (f *FakeSession) Close() error {
	f.closeOnce.Do(func() { close(f.closed) })
	return nil
}

// Closed reports whether Close was called.
func (f *FakeSession) Closed() bool {
	select {
	case <-f.closed:
		return true
	default:
		return false
	}
}

var _ ingest.Source = (*FakeSource)(nil)
