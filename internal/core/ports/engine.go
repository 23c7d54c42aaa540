package ports

import (
	"context"

	"roomcast/internal/core/domain"
)

// MediaEngine is the boundary to the real-time transport engine.
type MediaEngine interface {
	Capabilities() domain.Capabilities
	CreateTransport(ctx context.Context, role domain.TransportRole) (Transport, error)
	CanConsume(producerID domain.ProducerID, caps domain.Capabilities) bool
	OpenTap(ctx context.Context, producers []domain.ProducerID) (Tap, error)
	Close() error
}

// Transport is a single negotiated engine transport.
type Transport interface {
	ID() domain.TransportID
	Role() domain.TransportRole
	Params() domain.TransportParams
	// Connect applies the remote negotiation parameters and returns the
	// local reply, if the engine produces one.
	Connect(ctx context.Context, remote domain.SessionDescription) (*domain.SessionDescription, error)
	Connected() bool
	Produce(ctx context.Context, kind domain.MediaKind, params domain.RTPParameters) (ProducerHandle, error)
	Consume(ctx context.Context, producerID domain.ProducerID, caps domain.Capabilities) (domain.ConsumerParams, error)
	// PendingOffer returns the offer created by the last Consume calls that
	// the remote side has not answered yet.
	PendingOffer(ctx context.Context) (*domain.SessionDescription, error)
	Close() error
}

type ProducerHandle interface {
	ID() domain.ProducerID
	Kind() domain.MediaKind
	Close() error
}

// Tap exposes producers on a local pull endpoint.
type Tap interface {
	URL() string
	Close() error
}
