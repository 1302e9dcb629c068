// Package natsapi implements the stream API collaborators over NATS.
//
// Schema and session metadata are served by request/reply on core NATS
// subjects. Session lifecycle notifications are plain publications. Packet
// envelopes are stored in a JetStream stream, one subject per session
// stream, and read with ordered consumers starting at the stream offset
// published in the session metadata.
//
// Subjects, relative to the configured prefix:
//
//	<prefix>.schema.parameters          request/reply
//	<prefix>.schema.event               request/reply
//	<prefix>.sessions.info              request/reply
//	<prefix>.sessions.live              request/reply
//	<prefix>.sessions.notify            publish
//	<prefix>.packets.<source>.<stream>  JetStream
package natsapi

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
	"github.com/nats-io/nats.go/jetstream"

	"github.com/xtxerr/telrec/config"
	"github.com/xtxerr/telrec/internal/errors"
	"github.com/xtxerr/telrec/internal/logging"
	"github.com/xtxerr/telrec/internal/streamapi"
)

var log = logging.Component("natsapi")

// Config configures the NATS client.
type Config struct {
	URL            string
	SubjectPrefix  string
	Stream         string
	Name           string
	RequestTimeout time.Duration
	ReconnectWait  time.Duration
}

// DefaultConfig returns the default client configuration.
func DefaultConfig() Config {
	return Config{
		URL:            config.DefaultNATSURL,
		SubjectPrefix:  config.DefaultSubjectPrefix,
		Stream:         config.DefaultPacketStream,
		Name:           "telrecd",
		RequestTimeout: config.DefaultRequestTimeout,
		ReconnectWait:  2 * time.Second,
	}
}

// Subjects builds the subjects of one prefix.
type Subjects struct {
	Prefix string
}

func (s Subjects) Parameters() string { return s.Prefix + ".schema.parameters" }
func (s Subjects) Event() string      { return s.Prefix + ".schema.event" }
func (s Subjects) Info() string       { return s.Prefix + ".sessions.info" }
func (s Subjects) Live() string       { return s.Prefix + ".sessions.live" }
func (s Subjects) Notify() string     { return s.Prefix + ".sessions.notify" }

// Packets returns the JetStream subject of one session stream. Dots in the
// tokens are replaced so every token stays a single subject level.
func (s Subjects) Packets(dataSource, stream string) string {
	return fmt.Sprintf("%s.packets.%s.%s", s.Prefix, token(dataSource), token(stream))
}

func token(s string) string {
	if s == "" {
		return "_"
	}
	return strings.NewReplacer(".", "_", " ", "_", "*", "_", ">", "_").Replace(s)
}

// Client is a NATS connection serving as packet source, schema service and
// session service.
//
// Client is safe for concurrent use.
type Client struct {
	cfg      Config
	subjects Subjects

	nc *nats.Conn
	js jetstream.JetStream

	mu      sync.Mutex
	readers map[*streamReader]struct{}
}

// Connect dials the NATS server.
func Connect(ctx context.Context, cfg Config) (*Client, error) {
	def := DefaultConfig()
	if cfg.URL == "" {
		cfg.URL = def.URL
	}
	if cfg.SubjectPrefix == "" {
		cfg.SubjectPrefix = def.SubjectPrefix
	}
	if cfg.Stream == "" {
		cfg.Stream = def.Stream
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = def.RequestTimeout
	}
	if cfg.ReconnectWait <= 0 {
		cfg.ReconnectWait = def.ReconnectWait
	}

	opts := []nats.Option{
		nats.MaxReconnects(-1),
		nats.ReconnectWait(cfg.ReconnectWait),
		nats.Timeout(cfg.RequestTimeout),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			log.Warn("nats disconnected", "error", err)
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Info("nats reconnected", "url", nc.ConnectedUrl())
		}),
		nats.ErrorHandler(func(_ *nats.Conn, sub *nats.Subscription, err error) {
			subject := ""
			if sub != nil {
				subject = sub.Subject
			}
			log.Error("nats error", "subject", subject, "error", err)
		}),
	}
	if cfg.Name != "" {
		opts = append(opts, nats.Name(cfg.Name))
	}

	type result struct {
		nc  *nats.Conn
		err error
	}
	done := make(chan result, 1)
	go func() {
		nc, err := nats.Connect(cfg.URL, opts...)
		done <- result{nc, err}
	}()

	var nc *nats.Conn
	select {
	case r := <-done:
		if r.err != nil {
			return nil, errors.Wrapf(errors.ErrConnectionFailed, "connect %s: %v", cfg.URL, r.err)
		}
		nc = r.nc
	case <-ctx.Done():
		go func() {
			if r := <-done; r.nc != nil {
				r.nc.Close()
			}
		}()
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "connect %s: %v", cfg.URL, ctx.Err())
	}

	js, err := jetstream.New(nc)
	if err != nil {
		nc.Close()
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "jetstream: %v", err)
	}

	log.Info("connected to nats", "url", cfg.URL, "stream", cfg.Stream)
	return &Client{
		cfg:      cfg,
		subjects: Subjects{Prefix: cfg.SubjectPrefix},
		nc:       nc,
		js:       js,
		readers:  make(map[*streamReader]struct{}),
	}, nil
}

// Close stops every reader and drains the connection.
func (c *Client) Close() error {
	c.mu.Lock()
	readers := make([]*streamReader, 0, len(c.readers))
	for r := range c.readers {
		readers = append(readers, r)
	}
	c.mu.Unlock()

	for _, r := range readers {
		r.Stop()
	}
	return c.nc.Drain()
}

// request sends a JSON request and decodes the JSON reply into out.
func (c *Client) request(ctx context.Context, subject string, req, out any) error {
	data, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("encode request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.cfg.RequestTimeout)
	defer cancel()

	msg, err := c.nc.RequestWithContext(ctx, subject, data)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, nats.ErrTimeout) {
			return errors.Wrapf(errors.ErrTimeout, "%s", subject)
		}
		return errors.Wrapf(errors.ErrConnectionFailed, "%s: %v", subject, err)
	}
	return decodeReply(msg.Data, out)
}

// replyError is embedded in every reply.
type replyError struct {
	Error    string `json:"error,omitempty"`
	NotFound bool   `json:"not_found,omitempty"`
}

func (r replyError) err() error {
	switch {
	case r.NotFound:
		return errors.Wrap(errors.ErrNotFound, r.Error)
	case r.Error != "":
		return errors.New(r.Error)
	}
	return nil
}

type failure interface{ err() error }

func decodeReply(data []byte, out any) error {
	if err := json.Unmarshal(data, out); err != nil {
		return errors.Wrapf(errors.ErrMalformedPacket, "decode reply: %v", err)
	}
	if f, ok := out.(failure); ok {
		return f.err()
	}
	return nil
}

type formatRequest struct {
	FormatID uint64 `json:"format_id"`
}

type parametersReply struct {
	replyError
	Parameters []string `json:"parameters"`
}

type eventReply struct {
	replyError
	Identifier string `json:"identifier"`
}

type sessionRequest struct {
	SessionKey string `json:"session_key,omitempty"`
	DataSource string `json:"data_source,omitempty"`
}

type infoReply struct {
	replyError
	streamapi.SessionInfo
}

type liveReply struct {
	replyError
	Sessions []string `json:"sessions"`
}

// ParameterList implements streamapi.SchemaService.
func (c *Client) ParameterList(ctx context.Context, formatID uint64) ([]string, error) {
	var r parametersReply
	if err := c.request(ctx, c.subjects.Parameters(), formatRequest{FormatID: formatID}, &r); err != nil {
		return nil, schemaError(err, formatID)
	}
	return r.Parameters, nil
}

// EventIdentifier implements streamapi.SchemaService.
func (c *Client) EventIdentifier(ctx context.Context, formatID uint64) (string, error) {
	var r eventReply
	if err := c.request(ctx, c.subjects.Event(), formatRequest{FormatID: formatID}, &r); err != nil {
		return "", schemaError(err, formatID)
	}
	return r.Identifier, nil
}

func schemaError(err error, formatID uint64) error {
	if errors.IsNotFound(err) {
		return errors.Wrapf(errors.ErrSchemaNotFound, "format %d", formatID)
	}
	return fmt.Errorf("%w: format %d: %w", errors.ErrSchemaLookup, formatID, err)
}

// SessionInfo implements streamapi.SessionService.
func (c *Client) SessionInfo(ctx context.Context, key string) (streamapi.SessionInfo, error) {
	var r infoReply
	if err := c.request(ctx, c.subjects.Info(), sessionRequest{SessionKey: key}, &r); err != nil {
		if errors.IsNotFound(err) {
			return streamapi.SessionInfo{}, errors.NewNotFound("session", key)
		}
		return streamapi.SessionInfo{}, err
	}
	if r.Key == "" {
		r.Key = key
	}
	return r.SessionInfo, nil
}

// LiveSessions implements streamapi.SessionService.
func (c *Client) LiveSessions(ctx context.Context) ([]string, error) {
	var r liveReply
	if err := c.request(ctx, c.subjects.Live(), sessionRequest{}, &r); err != nil {
		return nil, err
	}
	return r.Sessions, nil
}

// notificationMsg is the wire form of a notification.
type notificationMsg struct {
	Kind       string `json:"kind"`
	SessionKey string `json:"session_key"`
	DataSource string `json:"data_source"`
}

func parseNotification(data []byte) (streamapi.Notification, error) {
	var m notificationMsg
	if err := json.Unmarshal(data, &m); err != nil {
		return streamapi.Notification{}, errors.Wrapf(errors.ErrMalformedPacket, "decode notification: %v", err)
	}
	n := streamapi.Notification{SessionKey: m.SessionKey, DataSource: m.DataSource}
	switch strings.ToLower(m.Kind) {
	case "start", "started":
		n.Kind = streamapi.SessionStarted
	case "stop", "stopped":
		n.Kind = streamapi.SessionStopped
	default:
		return n, errors.NewMalformed("notification", fmt.Sprintf("unknown kind %q", m.Kind))
	}
	if n.SessionKey == "" {
		return n, errors.NewMalformed("notification", "missing session key")
	}
	return n, nil
}

// Notifications implements streamapi.SessionService. The channel is
// closed when ctx ends.
func (c *Client) Notifications(ctx context.Context) (<-chan streamapi.Notification, error) {
	out := make(chan streamapi.Notification, 64)

	var (
		mu   sync.Mutex
		done bool
	)
	sub, err := c.nc.Subscribe(c.subjects.Notify(), func(msg *nats.Msg) {
		n, err := parseNotification(msg.Data)
		if err != nil {
			log.Warn("ignoring notification", "error", err)
			return
		}
		mu.Lock()
		defer mu.Unlock()
		if done {
			return
		}
		select {
		case out <- n:
		case <-ctx.Done():
		}
	})
	if err != nil {
		return nil, errors.Wrapf(errors.ErrConnectionFailed, "subscribe %s: %v", c.subjects.Notify(), err)
	}

	go func() {
		<-ctx.Done()
		if err := sub.Unsubscribe(); err != nil && !errors.Is(err, nats.ErrConnectionClosed) {
			log.Warn("failed to unsubscribe notifications", "error", err)
		}
		mu.Lock()
		done = true
		close(out)
		mu.Unlock()
	}()
	return out, nil
}
