package channel

import (
	"context"
	"fmt"
	"io"
	"sync"

	"github.com/reglet-dev/reglet-sandbox/domain/entities"
)

// Stream notification methods.
const (
	MethodStreamChunk = "stream.chunk"
	MethodStreamAck   = "stream.ack"
	MethodStreamReset = "stream.reset"
)

// Default stream settings.
const (
	DefaultChunkSize = 64 * 1024
	DefaultHighWater = 8
	DefaultLowWater  = 2
)

// acceptQueue is the number of incoming streams that may wait for Accept.
// Streams beyond it are reset.
const acceptQueue = 16

// StreamConfig sets chunking and flow control. A producer stops sending
// once HighWater chunks are unacknowledged and resumes when the count
// drops to LowWater.
type StreamConfig struct {
	ChunkSize int `json:"chunk_size,omitempty" yaml:"chunk_size,omitempty"`
	HighWater int `json:"high_water,omitempty" yaml:"high_water,omitempty"`
	LowWater  int `json:"low_water,omitempty" yaml:"low_water,omitempty"`
}

func (c StreamConfig) withDefaults() StreamConfig {
	if c.ChunkSize <= 0 {
		c.ChunkSize = DefaultChunkSize
	}
	if c.HighWater <= 0 {
		c.HighWater = DefaultHighWater
	}
	if c.LowWater < 0 || c.LowWater >= c.HighWater {
		c.LowWater = c.HighWater / 4
	}
	return c
}

// Validate rejects watermarks that cannot make progress.
func (c StreamConfig) Validate() error {
	switch {
	case c.ChunkSize < 0:
		return &entities.ConfigurationError{Field: "chunk_size", Reason: "must not be negative"}
	case c.HighWater < 0:
		return &entities.ConfigurationError{Field: "high_water", Reason: "must not be negative"}
	case c.HighWater > 0 && (c.LowWater < 0 || c.LowWater >= c.HighWater):
		return &entities.ConfigurationError{Field: "low_water", Reason: "must be at least 0 and below high_water"}
	}
	return nil
}

type chunk struct {
	Stream uint64 `json:"stream" cbor:"stream"`
	Seq    uint64 `json:"seq" cbor:"seq"`
	Data   []byte `json:"data,omitempty" cbor:"data,omitempty"`
	Final  bool   `json:"final,omitempty" cbor:"final,omitempty"`
	// Direct streams are claimed by id and never queued for Accept.
	Direct bool `json:"direct,omitempty" cbor:"direct,omitempty"`
}

type ack struct {
	Stream uint64 `json:"stream" cbor:"stream"`
	Seq    uint64 `json:"seq" cbor:"seq"`
}

type streamReset struct {
	Stream uint64 `json:"stream" cbor:"stream"`
	Reason string `json:"reason,omitempty" cbor:"reason,omitempty"`
}

// Streams carries chunked payloads over an RPC in both directions.
type Streams struct {
	rpc *RPC
	cfg StreamConfig

	mu        sync.Mutex
	nextID    uint64
	senders   map[uint64]*Sender
	receivers map[uint64]*Receiver
	// refused holds ids of incoming streams that were reset; their
	// remaining chunks are discarded.
	refused map[uint64]struct{}
	accept  chan *Receiver
}

// NewStreams registers the stream notifications on rpc. It must be called
// before rpc.Start.
func NewStreams(rpc *RPC, cfg StreamConfig) *Streams {
	s := &Streams{
		rpc:       rpc,
		cfg:       cfg.withDefaults(),
		senders:   make(map[uint64]*Sender),
		receivers: make(map[uint64]*Receiver),
		refused:   make(map[uint64]struct{}),
		accept:    make(chan *Receiver, acceptQueue),
	}
	rpc.HandleNotify(MethodStreamChunk, s.onChunk)
	rpc.HandleNotify(MethodStreamAck, s.onAck)
	rpc.HandleNotify(MethodStreamReset, s.onReset)
	return s
}

// Config returns the effective stream settings.
func (s *Streams) Config() StreamConfig { return s.cfg }

// Open starts an outgoing stream the peer receives with Accept.
func (s *Streams) Open() *Sender {
	return s.open(false)
}

// OpenDirect starts an outgoing stream the peer receives with Claim. The
// id travels to the peer out of band, typically in a request.
func (s *Streams) OpenDirect() *Sender {
	return s.open(true)
}

func (s *Streams) open(direct bool) *Sender {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.nextID++
	snd := &Sender{
		streams: s,
		id:      s.nextID,
		direct:  direct,
		acked:   make(chan struct{}, 1),
	}
	s.senders[snd.id] = snd
	return snd
}

// Send streams payload as one message and waits until every chunk is
// acknowledged.
func (s *Streams) Send(ctx context.Context, payload []byte) error {
	snd := s.Open()
	if _, err := snd.Write(ctx, payload); err != nil {
		snd.abandon()
		return err
	}
	return snd.Close(ctx)
}

// Claim returns the receiving end of the direct stream id, whether or not
// its first chunk has arrived.
func (s *Streams) Claim(id uint64) *Receiver {
	s.mu.Lock()
	defer s.mu.Unlock()
	rcv, ok := s.receivers[id]
	if !ok {
		rcv = newReceiver(s, id)
		s.receivers[id] = rcv
	}
	return rcv
}

// Accept returns the next incoming stream.
func (s *Streams) Accept(ctx context.Context) (*Receiver, error) {
	select {
	case rcv := <-s.accept:
		return rcv, nil
	case <-s.rpc.Done():
		return nil, s.rpc.Err()
	case <-ctx.Done():
		return nil, cancelled(ctx.Err())
	}
}

func (s *Streams) onChunk(_ context.Context, req *Request) {
	var c chunk
	if err := req.Decode(&c); err != nil {
		s.rpc.logger.Warn("malformed stream chunk", "error", err)
		return
	}
	s.mu.Lock()
	if _, gone := s.refused[c.Stream]; gone {
		if c.Final {
			delete(s.refused, c.Stream)
		}
		s.mu.Unlock()
		return
	}
	rcv, ok := s.receivers[c.Stream]
	if !ok {
		rcv = newReceiver(s, c.Stream)
		s.receivers[c.Stream] = rcv
	}
	s.mu.Unlock()
	if !ok && !c.Direct {
		select {
		case s.accept <- rcv:
		default:
			s.rpc.logger.Warn("stream accept queue full; resetting stream", "stream", c.Stream)
			s.reset(c.Stream, !c.Final, "accept queue full")
			return
		}
	}
	rcv.deliver(c)
}

// reset drops an incoming stream and tells the sender. With pending set,
// chunks still in flight are discarded. The read loop must not block on
// the peer, so the reset goes out from its own goroutine.
func (s *Streams) reset(id uint64, pending bool, reason string) {
	s.mu.Lock()
	delete(s.receivers, id)
	if pending {
		s.refused[id] = struct{}{}
	}
	s.mu.Unlock()
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), cancelTimeout)
		defer cancel()
		if err := s.rpc.Notify(ctx, MethodStreamReset, streamReset{Stream: id, Reason: reason}); err != nil {
			s.rpc.logger.Debug("stream reset not delivered", "stream", id, "error", err)
		}
	}()
}

func (s *Streams) onReset(_ context.Context, req *Request) {
	var r streamReset
	if err := req.Decode(&r); err != nil {
		s.rpc.logger.Warn("malformed stream reset", "error", err)
		return
	}
	s.mu.Lock()
	snd, ok := s.senders[r.Stream]
	s.mu.Unlock()
	if ok {
		snd.fail(&entities.ChannelError{Code: entities.ChannelMalformed, Err: fmt.Errorf("stream %d reset by peer: %s", r.Stream, r.Reason)})
	}
}

func (s *Streams) onAck(_ context.Context, req *Request) {
	var a ack
	if err := req.Decode(&a); err != nil {
		s.rpc.logger.Warn("malformed stream ack", "error", err)
		return
	}
	s.mu.Lock()
	snd, ok := s.senders[a.Stream]
	s.mu.Unlock()
	if ok {
		snd.onAck(a.Seq)
	}
}

// Sender is the producing end of a stream.
type Sender struct {
	streams *Streams
	id      uint64
	direct  bool

	mu      sync.Mutex
	seq     uint64
	unacked int
	peak    int
	// paused is set when unacked reaches the high mark and cleared at
	// the low mark.
	paused bool
	closed bool
	// err is set when the peer resets the stream.
	err   error
	acked chan struct{}
}

// ID returns the stream id.
func (snd *Sender) ID() uint64 { return snd.id }

// Write splits p into chunks and sends them, blocking while the peer is
// behind.
func (snd *Sender) Write(ctx context.Context, p []byte) (int, error) {
	size := snd.streams.cfg.ChunkSize
	written := 0
	for written < len(p) {
		end := min(written+size, len(p))
		if err := snd.sendChunk(ctx, p[written:end], false); err != nil {
			return written, err
		}
		written = end
	}
	return written, nil
}

// Close sends the final chunk and waits for every chunk to be
// acknowledged.
func (snd *Sender) Close(ctx context.Context) error {
	snd.mu.Lock()
	if snd.closed {
		snd.mu.Unlock()
		return nil
	}
	snd.mu.Unlock()
	if err := snd.sendChunk(ctx, nil, true); err != nil {
		snd.abandon()
		return err
	}
	snd.mu.Lock()
	snd.closed = true
	snd.mu.Unlock()
	defer snd.abandon()
	return snd.waitFor(ctx, func() bool { return snd.unacked == 0 })
}

// PeakUnacked returns the largest number of chunks that were in flight at
// once.
func (snd *Sender) PeakUnacked() int {
	snd.mu.Lock()
	defer snd.mu.Unlock()
	return snd.peak
}

func (snd *Sender) sendChunk(ctx context.Context, data []byte, final bool) error {
	cfg := snd.streams.cfg
	err := snd.waitFor(ctx, func() bool {
		if snd.unacked >= cfg.HighWater {
			snd.paused = true
		}
		if snd.paused && snd.unacked <= cfg.LowWater {
			snd.paused = false
		}
		return !snd.paused
	})
	if err != nil {
		return err
	}

	snd.mu.Lock()
	if snd.err != nil {
		snd.mu.Unlock()
		return snd.err
	}
	if snd.closed {
		snd.mu.Unlock()
		return &entities.ChannelError{Code: entities.ChannelMalformed, Err: fmt.Errorf("stream %d already closed", snd.id)}
	}
	snd.seq++
	seq := snd.seq
	snd.unacked++
	snd.peak = max(snd.peak, snd.unacked)
	snd.mu.Unlock()

	return snd.streams.rpc.Notify(ctx, MethodStreamChunk, chunk{Stream: snd.id, Seq: seq, Data: data, Final: final, Direct: snd.direct})
}

// waitFor blocks until cond holds or the stream is reset. cond runs with
// snd.mu held.
func (snd *Sender) waitFor(ctx context.Context, cond func() bool) error {
	for {
		snd.mu.Lock()
		if err := snd.err; err != nil {
			snd.mu.Unlock()
			return err
		}
		ok := cond()
		snd.mu.Unlock()
		if ok {
			return nil
		}
		select {
		case <-snd.acked:
		case <-snd.streams.rpc.Done():
			return snd.streams.rpc.Err()
		case <-ctx.Done():
			return cancelled(ctx.Err())
		}
	}
}

func (snd *Sender) onAck(uint64) {
	snd.mu.Lock()
	if snd.unacked > 0 {
		snd.unacked--
	}
	snd.mu.Unlock()
	select {
	case snd.acked <- struct{}{}:
	default:
	}
}

func (snd *Sender) fail(err error) {
	snd.mu.Lock()
	if snd.err == nil {
		snd.err = err
	}
	snd.mu.Unlock()
	select {
	case snd.acked <- struct{}{}:
	default:
	}
}

func (snd *Sender) abandon() {
	s := snd.streams
	s.mu.Lock()
	delete(s.senders, snd.id)
	s.mu.Unlock()
}

// Receiver is the consuming end of a stream. Chunks are acknowledged as
// they are read, so a slow reader slows the producer.
type Receiver struct {
	streams *Streams
	id      uint64

	mu      sync.Mutex
	chunks  map[uint64]chunk
	nextSeq uint64
	done    bool
	ready   chan struct{}
}

func newReceiver(s *Streams, id uint64) *Receiver {
	return &Receiver{
		streams: s,
		id:      id,
		chunks:  make(map[uint64]chunk),
		ready:   make(chan struct{}, 1),
	}
}

// ID returns the stream id.
func (rcv *Receiver) ID() uint64 { return rcv.id }

// Release discards a stream that will not be read to the end and resets
// its sender. It is a no-op once the final chunk was read.
func (rcv *Receiver) Release() {
	rcv.mu.Lock()
	finished := rcv.done
	rcv.done = true
	rcv.chunks = make(map[uint64]chunk)
	rcv.mu.Unlock()
	if !finished {
		rcv.streams.reset(rcv.id, true, "released by receiver")
	}
}

func (rcv *Receiver) deliver(c chunk) {
	rcv.mu.Lock()
	if c.Seq > rcv.nextSeq {
		if _, dup := rcv.chunks[c.Seq]; !dup {
			rcv.chunks[c.Seq] = c
		}
	}
	rcv.mu.Unlock()
	select {
	case rcv.ready <- struct{}{}:
	default:
	}
}

// Next returns the next chunk's data in order, or io.EOF after the final
// chunk.
func (rcv *Receiver) Next(ctx context.Context) ([]byte, error) {
	for {
		rcv.mu.Lock()
		if rcv.done {
			rcv.mu.Unlock()
			return nil, io.EOF
		}
		c, ok := rcv.chunks[rcv.nextSeq+1]
		if ok {
			delete(rcv.chunks, c.Seq)
			rcv.nextSeq = c.Seq
			rcv.done = c.Final
		}
		rcv.mu.Unlock()

		if ok {
			if err := rcv.streams.rpc.Notify(ctx, MethodStreamAck, ack{Stream: rcv.id, Seq: c.Seq}); err != nil {
				return nil, err
			}
			if c.Final {
				rcv.release()
				if len(c.Data) == 0 {
					return nil, io.EOF
				}
			}
			return c.Data, nil
		}

		select {
		case <-rcv.ready:
		case <-rcv.streams.rpc.Done():
			return nil, rcv.streams.rpc.Err()
		case <-ctx.Done():
			return nil, cancelled(ctx.Err())
		}
	}
}

// ReadAll reassembles the stream.
func (rcv *Receiver) ReadAll(ctx context.Context) ([]byte, error) {
	var out []byte
	for {
		data, err := rcv.Next(ctx)
		if err == io.EOF {
			return out, nil
		}
		if err != nil {
			return nil, err
		}
		out = append(out, data...)
	}
}

func (rcv *Receiver) release() {
	s := rcv.streams
	s.mu.Lock()
	delete(s.receivers, rcv.id)
	s.mu.Unlock()
}
