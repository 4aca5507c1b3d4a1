// Package mqttsession provides a session-management layer for long-lived
// MQTT connections.
//
// It sits between an application and a wire-level protocol engine. Every
// operation (connect, publish, subscribe, unsubscribe, disconnect) returns a
// Token immediately, while network I/O and delivery callbacks happen on
// engine goroutines. Inbound messages are persisted until the application
// acknowledges them, durable-session publishes are persisted until the
// engine confirms them, and lost durable sessions are reconnected with
// exponential backoff.
//
// # Connections
//
// A Connection owns one Engine:
//
//	conn, err := mqttsession.NewConnection("tcp://localhost:1883", "client-1", "app",
//	    pahoengine.Factory(),
//	    mqttsession.WithMessageStore(store),
//	    mqttsession.WithBuffering(1000, mqttsession.EvictDropOldest),
//	)
//
//	tok := conn.Connect(mqttsession.DefaultConnectOptions())
//	if err := tok.WaitTimeout(10 * time.Second); err != nil {
//	    log.Fatal(err)
//	}
//
//	conn.Subscribe("sensors/#", mqttsession.QoS1, func(id string, msg *mqttsession.Message) {
//	    handle(msg)
//	    conn.Acknowledge(context.Background(), id)
//	})
//
// # Registry
//
// A Registry holds at most one Connection per Handle:
//
//	reg := mqttsession.NewRegistry()
//	conn, err := reg.GetOrCreate(handle, func() (*mqttsession.Connection, error) {
//	    return mqttsession.NewConnection(uri, clientID, appID, factory)
//	})
//
// # Events
//
// Connection state changes and messages are published on an EventBus,
// one event at a time and in engine order. BroadcastBus fans events out to
// channels inside the process.
//
// # Persistence
//
// MessageStore implementations live next to this package: an in-memory
// store here, and bbolt, Redis, MongoDB and PostgreSQL stores under
// extensions/.
package mqttsession
