// Package paho5engine drives an MQTT 5 broker connection with
// github.com/eclipse/paho.golang for a mqttsession.Connection.
package paho5engine

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/url"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/paho"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/dialer"
)

var (
	// ErrUnsupportedScheme is returned for server URIs the engine cannot dial.
	ErrUnsupportedScheme = errors.New("unsupported server scheme")

	// ErrServerDisconnect reports a DISCONNECT sent by the broker.
	ErrServerDisconnect = errors.New("disconnected by server")

	// ErrRejected reports a reason code of 0x80 or above.
	ErrRejected = errors.New("rejected by broker")
)

const (
	defaultConnectTimeout = 30 * time.Second
	maxSessionExpiry      = time.Duration(^uint32(0)) * time.Second
)

type config struct {
	proxy         dialer.Config
	tlsConfig     *tls.Config
	sessionExpiry time.Duration
}

// Option configures an Engine.
type Option func(*config)

// WithProxy dials the broker through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(cfg dialer.Config) Option {
	return func(c *config) {
		c.proxy = cfg
	}
}

// WithTLSConfig sets the TLS configuration for ssl://, tls:// and mqtts:// brokers.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithSessionExpiry sets how long the broker keeps a durable session after
// the network connection closes. It defaults to one hour.
func WithSessionExpiry(d time.Duration) Option {
	return func(c *config) {
		c.sessionExpiry = d
	}
}

// session is one network connection and its paho client.
type session struct {
	conn   net.Conn
	client *paho.Client
	ctx    context.Context
	cancel context.CancelFunc

	up       atomic.Bool
	closing  atomic.Bool
	inflight sync.WaitGroup
}

func (s *session) shutdown() {
	s.closing.Store(true)
	s.up.Store(false)
	s.cancel()
	_ = s.conn.Close()
}

// Engine implements mqttsession.Engine with one paho.golang client per
// network connection.
type Engine struct {
	serverURI *url.URL
	clientID  string
	cfg       config
	proxy     *dialer.Dialer
	forward   net.Dialer

	nextID atomic.Uint64

	mu      sync.Mutex
	sess    *session
	handler mqttsession.EngineHandler
	closed  bool
}

// New creates an engine for one broker and client id.
func New(serverURI, clientID string, opts ...Option) (*Engine, error) {
	cfg := config{sessionExpiry: time.Hour}
	for _, opt := range opts {
		opt(&cfg)
	}

	u, err := url.Parse(serverURI)
	if err != nil {
		return nil, fmt.Errorf("invalid server uri: %w", err)
	}
	if _, err := useTLS(u); err != nil {
		return nil, err
	}

	d, err := dialer.ForServer(serverURI, cfg.proxy)
	if err != nil {
		return nil, err
	}

	return &Engine{
		serverURI: u,
		clientID:  clientID,
		cfg:       cfg,
		proxy:     d,
	}, nil
}

// Factory returns an EngineFactory building paho.golang engines with opts.
func Factory(opts ...Option) mqttsession.EngineFactory {
	return func(serverURI, clientID string) (mqttsession.Engine, error) {
		return New(serverURI, clientID, opts...)
	}
}

func useTLS(u *url.URL) (bool, error) {
	switch u.Scheme {
	case "tcp", "mqtt":
		return false, nil
	case "ssl", "tls", "mqtts", "tcps":
		return true, nil
	default:
		return false, fmt.Errorf("%w: %s", ErrUnsupportedScheme, u.Scheme)
	}
}

// SetHandler sets the receiver of inbound callbacks.
func (e *Engine) SetHandler(h mqttsession.EngineHandler) {
	e.mu.Lock()
	e.handler = h
	e.mu.Unlock()
}

func (e *Engine) currentHandler() mqttsession.EngineHandler {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.handler
}

func (e *Engine) current() *session {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.sess
}

func (e *Engine) dial(ctx context.Context) (net.Conn, error) {
	secure, err := useTLS(e.serverURI)
	if err != nil {
		return nil, err
	}

	addr := e.serverURI.Host
	if e.serverURI.Port() == "" {
		port := "1883"
		if secure {
			port = "8883"
		}
		addr = net.JoinHostPort(e.serverURI.Hostname(), port)
	}

	var conn net.Conn
	if e.proxy != nil {
		conn, err = e.proxy.DialContext(ctx, "tcp", addr)
	} else {
		conn, err = e.forward.DialContext(ctx, "tcp", addr)
	}
	if err != nil {
		return nil, err
	}
	if !secure {
		return conn, nil
	}

	cfg := &tls.Config{}
	if e.cfg.tlsConfig != nil {
		cfg = e.cfg.tlsConfig.Clone()
	}
	if cfg.ServerName == "" {
		cfg.ServerName = e.serverURI.Hostname()
	}

	tlsConn := tls.Client(conn, cfg)
	if err := tlsConn.HandshakeContext(ctx); err != nil {
		conn.Close()
		return nil, err
	}
	return tlsConn, nil
}

func (e *Engine) connectPacket(opts mqttsession.ConnectOptions) *paho.Connect {
	cp := &paho.Connect{
		ClientID:   e.clientID,
		CleanStart: opts.CleanSession,
		KeepAlive:  uint16(opts.KeepAlive / time.Second),
	}

	if opts.Username != "" {
		cp.Username = opts.Username
		cp.UsernameFlag = true
		cp.Password = []byte(opts.Password)
		cp.PasswordFlag = opts.Password != ""
	}

	if !opts.CleanSession && e.cfg.sessionExpiry > 0 {
		expiry := min(e.cfg.sessionExpiry, maxSessionExpiry)
		seconds := uint32(expiry / time.Second)
		cp.Properties = &paho.ConnectProperties{SessionExpiryInterval: &seconds}
	}

	if w := opts.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     w.QoS,
			Retain:  w.Retain,
		}
	}

	return cp
}

// Connect dials the broker and performs the MQTT 5 handshake.
func (e *Engine) Connect(opts mqttsession.ConnectOptions, done func(sessionPresent bool, err error)) {
	go func() {
		sessionPresent, err := e.connect(opts)
		done(sessionPresent, err)
	}()
}

func (e *Engine) connect(opts mqttsession.ConnectOptions) (bool, error) {
	timeout := opts.ConnectTimeout
	if timeout <= 0 {
		timeout = defaultConnectTimeout
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := e.dial(ctx)
	if err != nil {
		return false, err
	}

	sctx, scancel := context.WithCancel(context.Background())
	s := &session{conn: conn, ctx: sctx, cancel: scancel}

	router := paho.NewStandardRouter()
	router.RegisterHandler("#", func(p *paho.Publish) { e.arrived(s, p) })

	s.client = paho.NewClient(paho.ClientConfig{
		ClientID: e.clientID,
		Conn:     conn,
		Router:   router,
		OnClientError: func(err error) {
			e.lost(s, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			e.lost(s, fmt.Errorf("%w: reason code 0x%02x", ErrServerDisconnect, d.ReasonCode))
		},
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		s.shutdown()
		return false, mqttsession.ErrConnectionClosed
	}
	previous := e.sess
	e.sess = s
	e.mu.Unlock()

	if previous != nil {
		previous.shutdown()
	}

	ack, err := s.client.Connect(ctx, e.connectPacket(opts))
	if err != nil {
		s.shutdown()
		return false, err
	}
	if ack.ReasonCode >= 0x80 {
		s.shutdown()
		return false, fmt.Errorf("%w: connack reason code 0x%02x", ErrRejected, ack.ReasonCode)
	}

	s.up.Store(true)
	return ack.SessionPresent, nil
}

func (e *Engine) arrived(s *session, p *paho.Publish) {
	if s.closing.Load() {
		return
	}
	h := e.currentHandler()
	if h == nil {
		return
	}
	h.MessageArrived(p.Topic, &mqttsession.Message{
		Topic:     p.Topic,
		Payload:   p.Payload,
		QoS:       p.QoS,
		Retain:    p.Retain,
		Duplicate: p.Duplicate(),
	})
}

func (e *Engine) lost(s *session, err error) {
	if s.closing.Load() || !s.up.Load() {
		return
	}
	s.shutdown()

	if h := e.currentHandler(); h != nil {
		h.ConnectionLost(err)
	}
}

// live returns the connected session or nil.
func (e *Engine) live() *session {
	s := e.current()
	if s == nil || !s.up.Load() {
		return nil
	}
	return s
}

// Disconnect waits up to quiesce for in-flight publishes, then sends DISCONNECT.
func (e *Engine) Disconnect(quiesce time.Duration, done func(err error)) {
	s := e.live()
	if s == nil {
		go done(nil)
		return
	}

	go func() {
		drained := make(chan struct{})
		go func() {
			s.inflight.Wait()
			close(drained)
		}()

		select {
		case <-drained:
		case <-time.After(quiesce):
		}

		s.closing.Store(true)
		err := s.client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		s.shutdown()
		done(err)
	}()
}

// Publish sends msg. DeliveryComplete fires after PUBACK/PUBCOMP, or once
// the packet is written for QoS 0.
func (e *Engine) Publish(msg *mqttsession.Message, done func(err error)) (mqttsession.DeliveryID, error) {
	s := e.live()
	if s == nil {
		return 0, mqttsession.ErrNotConnected
	}

	id := mqttsession.DeliveryID(e.nextID.Add(1))
	pub := &paho.Publish{
		Topic:   msg.Topic,
		QoS:     msg.QoS,
		Retain:  msg.Retain,
		Payload: msg.Payload,
	}

	s.inflight.Add(1)
	go func() {
		defer s.inflight.Done()

		resp, err := s.client.Publish(s.ctx, pub)
		if err != nil {
			if s.closing.Load() {
				err = fmt.Errorf("%w: %w", mqttsession.ErrConnectionLost, err)
			}
			done(err)
			return
		}
		if resp != nil && resp.ReasonCode >= 0x80 {
			done(fmt.Errorf("%w: publish reason code 0x%02x", ErrRejected, resp.ReasonCode))
			return
		}
		if h := e.currentHandler(); h != nil {
			h.DeliveryComplete(id)
		}
		done(nil)
	}()

	return id, nil
}

// Subscribe subscribes to filters with the matching qos values.
func (e *Engine) Subscribe(filters []string, qos []byte, done func(err error)) {
	s := e.live()
	if s == nil {
		go done(mqttsession.ErrNotConnected)
		return
	}

	subs := make([]paho.SubscribeOptions, len(filters))
	for i, f := range filters {
		subs[i] = paho.SubscribeOptions{Topic: f, QoS: qos[i]}
	}

	go func() {
		ack, err := s.client.Subscribe(s.ctx, &paho.Subscribe{Subscriptions: subs})
		if err != nil {
			done(err)
			return
		}
		for i, code := range ack.Reasons {
			if code >= 0x80 && i < len(filters) {
				done(fmt.Errorf("%w: subscribe %s reason code 0x%02x", ErrRejected, filters[i], code))
				return
			}
		}
		done(nil)
	}()
}

// Unsubscribe removes subscriptions.
func (e *Engine) Unsubscribe(filters []string, done func(err error)) {
	s := e.live()
	if s == nil {
		go done(mqttsession.ErrNotConnected)
		return
	}

	go func() {
		_, err := s.client.Unsubscribe(s.ctx, &paho.Unsubscribe{Topics: filters})
		done(err)
	}()
}

// IsConnected reports whether the handshake of the current connection completed.
func (e *Engine) IsConnected() bool {
	return e.live() != nil
}

// Close drops the network connection. The engine cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	s := e.sess
	e.sess = nil
	e.mu.Unlock()

	if s != nil {
		s.shutdown()
	}
	return nil
}
