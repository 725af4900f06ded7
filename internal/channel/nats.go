package channel

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"
)

const (
	signalHeader = "Md-Signal"
	signalEOD    = "eod"
	sessionBuf   = 256
)

// SessionSubjects returns the subjects a session uses toward the storage
// daemon and toward the director.
func SessionSubjects(base, session string) (toSD, toDir string) {
	return base + "." + session + ".sd", base + "." + session + ".dir"
}

// NATSChannel is a Channel whose lines travel as NATS messages.
type NATSChannel struct {
	nc      *nats.Conn
	send    string
	in      chan *nats.Msg
	sub     *nats.Subscription
	done    chan struct{}
	once    sync.Once
	onClose func()
}

// Dial opens a new director side session below base.
func Dial(nc *nats.Conn, base string) (*NATSChannel, error) {
	session := strings.TrimPrefix(nats.NewInbox(), nats.InboxPrefix)
	toSD, toDir := SessionSubjects(base, session)

	c := &NATSChannel{
		nc:   nc,
		send: toSD,
		in:   make(chan *nats.Msg, sessionBuf),
		done: make(chan struct{}),
	}
	sub, err := nc.ChanSubscribe(toDir, c.in)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", toDir, err)
	}
	c.sub = sub
	return c, nil
}

func (c *NATSChannel) Send(ctx context.Context, line string) error {
	return c.publish(&nats.Msg{Subject: c.send, Data: []byte(line)})
}

func (c *NATSChannel) SignalEOD(ctx context.Context) error {
	msg := nats.NewMsg(c.send)
	msg.Header.Set(signalHeader, signalEOD)
	return c.publish(msg)
}

func (c *NATSChannel) publish(msg *nats.Msg) error {
	select {
	case <-c.done:
		return ErrClosed
	default:
	}
	if err := c.nc.PublishMsg(msg); err != nil {
		return fmt.Errorf("publishing to %s: %w", msg.Subject, err)
	}
	return nil
}

func (c *NATSChannel) Recv(ctx context.Context) (string, error) {
	select {
	case msg := <-c.in:
		if msg.Header.Get(signalHeader) == signalEOD {
			return "", ErrEndOfData
		}
		return string(msg.Data), nil
	case <-c.done:
		return "", ErrClosed
	case <-ctx.Done():
		return "", ctx.Err()
	}
}

func (c *NATSChannel) Close() error {
	c.once.Do(func() {
		close(c.done)
		if c.sub != nil {
			c.sub.Unsubscribe()
		}
		if c.onClose != nil {
			c.onClose()
		}
	})
	return nil
}

// Listener accepts storage daemon side sessions opened with Dial.
type Listener struct {
	nc       *nats.Conn
	base     string
	sub      *nats.Subscription
	msgs     chan *nats.Msg
	accept   chan *NATSChannel
	mu       sync.Mutex
	sessions map[string]*NATSChannel
	logger   *zap.Logger
	done     chan struct{}
	once     sync.Once
}

func Listen(nc *nats.Conn, base string, logger *zap.Logger) (*Listener, error) {
	l := &Listener{
		nc:       nc,
		base:     base,
		msgs:     make(chan *nats.Msg, sessionBuf),
		accept:   make(chan *NATSChannel, 16),
		sessions: make(map[string]*NATSChannel),
		logger:   logger.Named("listener"),
		done:     make(chan struct{}),
	}
	subject := base + ".*.sd"
	sub, err := nc.ChanSubscribe(subject, l.msgs)
	if err != nil {
		return nil, fmt.Errorf("subscribing to %s: %w", subject, err)
	}
	l.sub = sub
	go l.demux()
	return l, nil
}

func (l *Listener) demux() {
	for {
		select {
		case msg := <-l.msgs:
			l.route(msg)
		case <-l.done:
			return
		}
	}
}

func (l *Listener) route(msg *nats.Msg) {
	session := strings.TrimSuffix(strings.TrimPrefix(msg.Subject, l.base+"."), ".sd")

	l.mu.Lock()
	c, ok := l.sessions[session]
	if !ok {
		_, toDir := SessionSubjects(l.base, session)
		c = &NATSChannel{
			nc:   l.nc,
			send: toDir,
			in:   make(chan *nats.Msg, sessionBuf),
			done: make(chan struct{}),
		}
		c.onClose = func() {
			l.mu.Lock()
			delete(l.sessions, session)
			l.mu.Unlock()
		}
		l.sessions[session] = c
	}
	l.mu.Unlock()

	if !ok {
		select {
		case l.accept <- c:
		case <-l.done:
			return
		}
	}
	select {
	case c.in <- msg:
	default:
		l.logger.Warn("session buffer full, dropping line", zap.String("session", session))
	}
}

// Accept waits for the next new session.
func (l *Listener) Accept(ctx context.Context) (*NATSChannel, error) {
	select {
	case c := <-l.accept:
		return c, nil
	case <-l.done:
		return nil, ErrClosed
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (l *Listener) Close() error {
	l.once.Do(func() {
		close(l.done)
		l.sub.Unsubscribe()
	})
	return nil
}

// NATSDialer opens director side sessions to storage daemons by name.
type NATSDialer struct {
	NC *nats.Conn
	// Subjects maps a storage name to its session base subject.
	Subjects map[string]string
}

func (d *NATSDialer) Dial(_ context.Context, storage string) (Channel, error) {
	base, ok := d.Subjects[storage]
	if !ok {
		return nil, fmt.Errorf("storage %q has no subject configured", storage)
	}
	return Dial(d.NC, base)
}
