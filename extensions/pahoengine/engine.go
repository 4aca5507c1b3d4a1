// Package pahoengine drives an MQTT 3.1.1 broker connection with
// github.com/eclipse/paho.mqtt.golang for a mqttsession.Connection.
package pahoengine

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

	mqtt "github.com/eclipse/paho.mqtt.golang"

	"github.com/vitalvas/mqttsession"
	"github.com/vitalvas/mqttsession/extensions/dialer"
)

// ErrSubscriptionRejected is returned when the broker refuses a filter.
var ErrSubscriptionRejected = errors.New("subscription rejected by broker")

// subackFailure is the SUBACK return code for a refused filter.
const subackFailure = 0x80

type config struct {
	proxy        dialer.Config
	tlsConfig    *tls.Config
	writeTimeout time.Duration
	orderMatters bool
}

// Option configures an Engine.
type Option func(*config)

// WithProxy dials the broker through an HTTP CONNECT or SOCKS5 proxy.
func WithProxy(cfg dialer.Config) Option {
	return func(c *config) {
		c.proxy = cfg
	}
}

// WithTLSConfig sets the TLS configuration for ssl:// and tls:// brokers.
func WithTLSConfig(cfg *tls.Config) Option {
	return func(c *config) {
		c.tlsConfig = cfg
	}
}

// WithWriteTimeout bounds a single packet write.
func WithWriteTimeout(d time.Duration) Option {
	return func(c *config) {
		c.writeTimeout = d
	}
}

// WithOrderMatters controls whether inbound messages are handed over one at
// a time in arrival order. It defaults to true.
func WithOrderMatters(ordered bool) Option {
	return func(c *config) {
		c.orderMatters = ordered
	}
}

// generation ends when its paho client is lost, replaced or closed. Paho
// never completes publish tokens of a durable session that went away.
type generation struct {
	gone chan struct{}
	once sync.Once
}

func newGeneration() *generation {
	return &generation{gone: make(chan struct{})}
}

func (g *generation) end() {
	if g != nil {
		g.once.Do(func() { close(g.gone) })
	}
}

// Engine implements mqttsession.Engine on top of a paho client. Paho keeps
// its options fixed per client, so every Connect builds a fresh client from
// the ConnectOptions it is given.
type Engine struct {
	serverURI string
	clientID  string
	cfg       config
	proxy     *dialer.Dialer

	nextID atomic.Uint64

	mu      sync.Mutex
	client  mqtt.Client
	gen     *generation
	handler mqttsession.EngineHandler
	closed  bool
}

// New creates an engine for one broker and client id.
func New(serverURI, clientID string, opts ...Option) (*Engine, error) {
	cfg := config{orderMatters: true}
	for _, opt := range opts {
		opt(&cfg)
	}

	if _, err := url.Parse(serverURI); err != nil {
		return nil, fmt.Errorf("invalid server uri: %w", err)
	}

	d, err := dialer.ForServer(serverURI, cfg.proxy)
	if err != nil {
		return nil, err
	}

	return &Engine{
		serverURI: serverURI,
		clientID:  clientID,
		cfg:       cfg,
		proxy:     d,
	}, nil
}

// Factory returns an EngineFactory building paho engines with opts.
func Factory(opts ...Option) mqttsession.EngineFactory {
	return func(serverURI, clientID string) (mqttsession.Engine, error) {
		return New(serverURI, clientID, opts...)
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

// current returns the client built by the latest Connect.
func (e *Engine) current() mqtt.Client {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client
}

func (e *Engine) currentGeneration() (mqtt.Client, *generation) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.client, e.gen
}

func (e *Engine) isCurrent(c mqtt.Client) bool {
	return e.current() == c
}

func (e *Engine) clientOptions(opts mqttsession.ConnectOptions) *mqtt.ClientOptions {
	o := mqtt.NewClientOptions().
		AddBroker(e.serverURI).
		SetClientID(e.clientID).
		SetCleanSession(opts.CleanSession).
		SetAutoReconnect(false).
		SetConnectRetry(false).
		SetResumeSubs(!opts.CleanSession).
		SetOrderMatters(e.cfg.orderMatters)

	if opts.Username != "" {
		o.SetUsername(opts.Username)
		o.SetPassword(opts.Password)
	}
	if opts.KeepAlive > 0 {
		o.SetKeepAlive(opts.KeepAlive)
	}
	if opts.ConnectTimeout > 0 {
		o.SetConnectTimeout(opts.ConnectTimeout)
	}
	if e.cfg.writeTimeout > 0 {
		o.SetWriteTimeout(e.cfg.writeTimeout)
	}
	if e.cfg.tlsConfig != nil {
		o.SetTLSConfig(e.cfg.tlsConfig)
	}
	if w := opts.Will; w != nil {
		o.SetBinaryWill(w.Topic, w.Payload, w.QoS, w.Retain)
	}
	if e.proxy != nil {
		o.SetCustomOpenConnectionFn(e.openThroughProxy)
	}

	return o
}

func (e *Engine) openThroughProxy(uri *url.URL, o mqtt.ClientOptions) (net.Conn, error) {
	timeout := o.ConnectTimeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	conn, err := e.proxy.DialContext(ctx, "tcp", uri.Host)
	if err != nil {
		return nil, err
	}

	switch uri.Scheme {
	case "ssl", "tls", "mqtts", "tcps":
		cfg := o.TLSConfig
		if cfg == nil {
			cfg = &tls.Config{}
		} else {
			cfg = cfg.Clone()
		}
		if cfg.ServerName == "" {
			cfg.ServerName = uri.Hostname()
		}
		tlsConn := tls.Client(conn, cfg)
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			conn.Close()
			return nil, err
		}
		return tlsConn, nil
	}
	return conn, nil
}

// Connect builds a new paho client and connects it.
func (e *Engine) Connect(opts mqttsession.ConnectOptions, done func(sessionPresent bool, err error)) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		go done(false, mqttsession.ErrConnectionClosed)
		return
	}
	previous := e.client
	e.gen.end()
	gen := newGeneration()

	o := e.clientOptions(opts)
	var client mqtt.Client
	o.SetDefaultPublishHandler(func(_ mqtt.Client, m mqtt.Message) {
		if !e.isCurrent(client) {
			return
		}
		if h := e.currentHandler(); h != nil {
			h.MessageArrived(m.Topic(), &mqttsession.Message{
				Topic:     m.Topic(),
				Payload:   m.Payload(),
				QoS:       m.Qos(),
				Retain:    m.Retained(),
				Duplicate: m.Duplicate(),
			})
		}
	})
	o.SetConnectionLostHandler(func(_ mqtt.Client, err error) {
		gen.end()
		if !e.isCurrent(client) {
			return
		}
		if h := e.currentHandler(); h != nil {
			h.ConnectionLost(err)
		}
	})

	client = mqtt.NewClient(o)
	e.client = client
	e.gen = gen
	e.mu.Unlock()

	if previous != nil && previous.IsConnectionOpen() {
		go previous.Disconnect(0)
	}

	tok := client.Connect()
	go func() {
		<-tok.Done()
		sessionPresent := false
		if ct, ok := tok.(*mqtt.ConnectToken); ok {
			sessionPresent = ct.SessionPresent()
		}
		done(sessionPresent, tok.Error())
	}()
}

// Disconnect sends DISCONNECT after waiting up to quiesce for in-flight work.
func (e *Engine) Disconnect(quiesce time.Duration, done func(err error)) {
	client := e.current()
	if client == nil || !client.IsConnectionOpen() {
		go done(nil)
		return
	}

	_, gen := e.currentGeneration()
	go func() {
		client.Disconnect(uint(quiesce.Milliseconds()))
		gen.end()
		done(nil)
	}()
}

// Publish hands msg to paho. DeliveryComplete fires once paho reports the
// publish flow finished.
func (e *Engine) Publish(msg *mqttsession.Message, done func(err error)) (mqttsession.DeliveryID, error) {
	client, gen := e.currentGeneration()
	if client == nil || !client.IsConnectionOpen() {
		return 0, mqttsession.ErrNotConnected
	}

	id := mqttsession.DeliveryID(e.nextID.Add(1))
	tok := client.Publish(msg.Topic, msg.QoS, msg.Retain, msg.Payload)

	go func() {
		if !awaitToken(tok, gen) {
			done(fmt.Errorf("%w: publish not confirmed", mqttsession.ErrConnectionLost))
			return
		}
		if err := tok.Error(); err != nil {
			done(err)
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
	client := e.current()
	if client == nil || !client.IsConnectionOpen() {
		go done(mqttsession.ErrNotConnected)
		return
	}

	req := make(map[string]byte, len(filters))
	for i, f := range filters {
		req[f] = qos[i]
	}

	tok := client.SubscribeMultiple(req, nil)
	go func() {
		<-tok.Done()
		if err := tok.Error(); err != nil {
			done(err)
			return
		}
		done(rejected(tok))
	}()
}

// awaitToken waits for tok and reports false when the client generation
// ended first.
func awaitToken(tok mqtt.Token, gen *generation) bool {
	select {
	case <-tok.Done():
		return true
	case <-gen.gone:
		select {
		case <-tok.Done():
			return true
		default:
			return false
		}
	}
}

func rejected(tok mqtt.Token) error {
	st, ok := tok.(*mqtt.SubscribeToken)
	if !ok {
		return nil
	}
	for filter, code := range st.Result() {
		if code == subackFailure {
			return fmt.Errorf("%w: %s", ErrSubscriptionRejected, filter)
		}
	}
	return nil
}

// Unsubscribe removes subscriptions.
func (e *Engine) Unsubscribe(filters []string, done func(err error)) {
	client := e.current()
	if client == nil || !client.IsConnectionOpen() {
		go done(mqttsession.ErrNotConnected)
		return
	}

	tok := client.Unsubscribe(filters...)
	go func() {
		<-tok.Done()
		done(tok.Error())
	}()
}

// IsConnected reports whether the current client has an open connection.
func (e *Engine) IsConnected() bool {
	client := e.current()
	return client != nil && client.IsConnectionOpen()
}

// Close drops the connection without waiting. The engine cannot be reused.
func (e *Engine) Close() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	client := e.client
	e.gen.end()
	e.mu.Unlock()

	if client != nil && client.IsConnectionOpen() {
		client.Disconnect(0)
	}
	return nil
}
