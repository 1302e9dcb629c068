package natsapi

import (
	"context"
	"sync"
	"sync/atomic"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/packet"
	"github.com/xtxerr/telrec/internal/streamapi"
)

// OpenReader implements streamapi.PacketSource.
func (c *Client) OpenReader(ref streamapi.StreamRef, h streamapi.Handler) (streamapi.Reader, error) {
	if ref.Stream == "" {
		return nil, errors.NewMissingField("stream")
	}
	return &streamReader{
		client:  c,
		ref:     ref,
		subject: c.subjects.Packets(ref.DataSource, ref.Stream),
		h:       h,
	}, nil
}

// consumerConfig returns an ordered consumer starting at the reference
// offset. JetStream sequences start at 1, so offset n resumes after the
// n-th message.
func consumerConfig(subject string, offset uint64) jetstream.OrderedConsumerConfig {
	cfg := jetstream.OrderedConsumerConfig{
		FilterSubjects: []string{subject},
		DeliverPolicy:  jetstream.DeliverAllPolicy,
	}
	if offset > 0 {
		cfg.DeliverPolicy = jetstream.DeliverByStartSequencePolicy
		cfg.OptStartSeq = offset + 1
	}
	return cfg
}

// streamReader delivers the envelopes of one session stream.
type streamReader struct {
	client  *Client
	ref     streamapi.StreamRef
	subject string
	h       streamapi.Handler

	mu      sync.Mutex
	cc      jetstream.ConsumeContext
	cancel  context.CancelFunc
	started bool

	delivered atomic.Int64
	rejected  atomic.Int64
}

func (r *streamReader) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.started {
		return errors.ErrAlreadyRunning
	}

	ctx = logging.ContextWithStream(ctx, r.ref.Stream)
	ctx, cancel := context.WithCancel(ctx)

	cons, err := r.client.js.OrderedConsumer(ctx, r.client.cfg.Stream, consumerConfig(r.subject, r.ref.Offset))
	if err != nil {
		cancel()
		return errors.Wrapf(errors.ErrConnectionFailed, "ordered consumer on %s: %v", r.subject, err)
	}

	cc, err := cons.Consume(func(msg jetstream.Msg) {
		r.deliver(ctx, msg.Data())
	})
	if err != nil {
		cancel()
		return errors.Wrapf(errors.ErrConnectionFailed, "consume %s: %v", r.subject, err)
	}

	r.cc = cc
	r.cancel = cancel
	r.started = true

	r.client.mu.Lock()
	r.client.readers[r] = struct{}{}
	r.client.mu.Unlock()

	log.Debug("stream reader consuming", "session", r.ref.SessionKey, "subject", r.subject, "offset", r.ref.Offset)
	return nil
}

func (r *streamReader) deliver(ctx context.Context, data []byte) {
	p, err := packet.DecodePacket(data)
	if err != nil {
		r.rejected.Add(1)
		log.Warn("undecodable envelope", "subject", r.subject, "error", err)
		return
	}
	if p.SessionKey == "" {
		p.SessionKey = r.ref.SessionKey
	}
	r.delivered.Add(1)
	if err := r.h.Handle(ctx, p); err != nil {
		r.rejected.Add(1)
	}
}

func (r *streamReader) Stop() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.started {
		return nil
	}
	r.started = false
	r.cc.Stop()
	r.cancel()

	r.client.mu.Lock()
	delete(r.client.readers, r)
	r.client.mu.Unlock()

	log.Debug("stream reader stopped", "session", r.ref.SessionKey, "subject", r.subject,
		"delivered", r.delivered.Load(), "rejected", r.rejected.Load())
	return nil
}
