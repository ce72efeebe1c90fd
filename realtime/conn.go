package realtime

import "context"

// Conn is one established channel connection.
type Conn interface {
	// Subscribe starts delivery for topic. deliver is called from the
	// connection's read goroutine, in arrival order.
	Subscribe(topic string, deliver func(Message)) (Handle, error)
	// Done is closed once the connection has ended for any reason.
	Done() <-chan struct{}
	// Err reports why the connection ended. It is nil before Done is closed
	// and after a local Close.
	Err() error
	Close() error
}

// Handle is a live subscription on a specific connection.
type Handle interface {
	Topic() string
	Unsubscribe() error
}

// Dialer performs the handshake. Errors should be ConnectionFatal when the
// credential was rejected and ConnectionTransient otherwise.
type Dialer interface {
	Dial(ctx context.Context, credential string) (Conn, error)
}

// CredentialSource supplies the credential presented on each handshake.
// *session.Store satisfies it.
type CredentialSource interface {
	Credential() string
}

// Reconciler restores subscriptions on a fresh connection and forgets them
// when the connection is lost. *Registry satisfies it.
type Reconciler interface {
	Reconcile(conn Conn) error
	Discard()
}
