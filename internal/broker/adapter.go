package broker

import "context"

// Adapter is the full capability set every broker backend must provide.
// Implementations translate between the normalized types in this package
// and the broker's native protocol; no broker-specific branching exists
// outside an Adapter.
//
// Mutating calls (PlaceOrder, ModifyOrder, CancelOrder, CancelAllOrders)
// report expected broker declines as OrderResult with Status=Rejected and a
// nil error. Errors are reserved for the taxonomy in errors.go: an
// ErrAmbiguous wrap when the transport failed with unknown broker-side
// effect, ErrAuthRequired when the session is no longer honored.
//
// Read-only calls retry transient transport failures internally with
// bounded backoff (see RetryRead) and wrap terminal failures in
// ErrTransient or ErrBrokerRejected.
type Adapter interface {
	// Code returns the broker code this adapter serves, e.g. "dhan".
	Code() string

	// Authenticate establishes or refreshes the broker login. It is safe to
	// call repeatedly; each success yields a fresh Session.
	Authenticate(ctx context.Context, identity BrokerIdentity) (*Session, error)

	PlaceOrder(ctx context.Context, sess *Session, req OrderRequest) (OrderResult, error)
	ModifyOrder(ctx context.Context, sess *Session, req ModifyRequest) (OrderResult, error)
	CancelOrder(ctx context.Context, sess *Session, orderID string) (OrderResult, error)
	CancelAllOrders(ctx context.Context, sess *Session) (CancelAllResult, error)

	FetchOrderStatus(ctx context.Context, sess *Session, orderID string) (OrderStatus, error)
	FetchPositions(ctx context.Context, sess *Session) ([]Position, error)
	FetchHoldings(ctx context.Context, sess *Session) ([]Holding, error)
	FetchFunds(ctx context.Context, sess *Session) (Funds, error)
	FetchQuote(ctx context.Context, sess *Session, symbol, exchange string) (Quote, error)
	FetchDepth(ctx context.Context, sess *Session, symbol, exchange string) (Depth, error)

	// OpenStream opens (or reuses) the broker-native streaming connection
	// for this session, pre-subscribed to the given topics.
	OpenStream(ctx context.Context, sess *Session, topics []Topic) (StreamHandle, error)
}
