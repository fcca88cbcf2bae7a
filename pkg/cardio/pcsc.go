package cardio

import (
	"errors"
	"fmt"

	"github.com/ebfe/scard"
)

// Connection wraps one PC/SC card handle together with the context that
// produced it. It owns exactly one card for its lifetime; transactional
// exclusivity against the resource manager is provided by
// BeginTransaction/EndTransaction, not by Connect itself.
type Connection struct {
	ctx            *scard.Context
	Card           *scard.Card
	Reader         string
	ReaderIdx      int
	ActiveProtocol scard.Protocol
}

// ListReaders returns the names of all readers known to the resource
// manager.
func ListReaders() ([]string, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("cardio: EstablishContext: %w", err)
	}
	defer ctx.Release()
	return ctx.ListReaders()
}

// Connect establishes a shared connection to the named reader, preferring
// T=1 then T=0 and finally any protocol the reader supports, matching the
// PIV discovery preference order.
func Connect(reader string) (*Connection, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, fmt.Errorf("cardio: EstablishContext: %w", err)
	}

	protoOrder := []scard.Protocol{scard.ProtocolT1, scard.ProtocolT0, scard.ProtocolAny}
	var card *scard.Card
	var lastErr error
	for _, proto := range protoOrder {
		card, lastErr = ctx.Connect(reader, scard.ShareShared, proto)
		if lastErr == nil {
			break
		}
	}
	if lastErr != nil {
		ctx.Release()
		return nil, fmt.Errorf("cardio: connect to %q failed: %w", reader, lastErr)
	}

	status, err := card.Status()
	active := scard.ProtocolAny
	if err == nil {
		active = status.ActiveProtocol
	}

	return &Connection{
		ctx:            ctx,
		Card:           card,
		Reader:         reader,
		ActiveProtocol: active,
	}, nil
}

// ConnectIndexed connects to the reader at the given 0-based index among
// ListReaders' result.
func ConnectIndexed(readerIndex int) (*Connection, error) {
	readers, err := ListReaders()
	if err != nil {
		return nil, err
	}
	if readerIndex < 0 || readerIndex >= len(readers) {
		return nil, fmt.Errorf("cardio: reader index out of range (0..%d)", len(readers)-1)
	}
	conn, err := Connect(readers[readerIndex])
	if err != nil {
		return nil, err
	}
	conn.ReaderIdx = readerIndex
	return conn, nil
}

// Close disconnects the card (leaving it powered for any other process)
// and releases the PC/SC context.
func (c *Connection) Close() {
	if c == nil {
		return
	}
	if c.Card != nil {
		_ = c.Card.Disconnect(scard.LeaveCard)
	}
	if c.ctx != nil {
		_ = c.ctx.Release()
	}
}

// ErrCardReset signals that the resource manager observed the card being
// reset or removed while a transaction was being acquired; it is a
// sentinel, checked with errors.Is, so callers can distinguish it from
// other I/O failures.
var ErrCardReset = errors.New("cardio: card was reset")

// BeginTransaction acquires the resource manager's exclusive lock on the
// card. A reset or removed card observed while acquiring the lock is
// reported as ErrCardReset; any other failure is wrapped.
func (c *Connection) BeginTransaction() error {
	err := c.Card.BeginTransaction()
	if err == nil {
		return nil
	}
	if errors.Is(err, scard.ErrResetCard) || errors.Is(err, scard.ErrRemovedCard) {
		return ErrCardReset
	}
	return fmt.Errorf("cardio: begin transaction: %w", err)
}

// EndTransaction releases the lock taken by BeginTransaction. It is
// infallible from the caller's perspective: any underlying error is
// swallowed, matching the teacher's idempotent end_txn contract.
func (c *Connection) EndTransaction() {
	if c == nil || c.Card == nil {
		return
	}
	_ = c.Card.EndTransaction(scard.LeaveCard)
}

// Reconnect re-establishes the card connection after a reset, without
// tearing down the PC/SC context.
func (c *Connection) Reconnect() error {
	if err := c.Card.Reconnect(scard.ShareShared, scard.ProtocolAny, scard.ResetCard); err != nil {
		return fmt.Errorf("cardio: reconnect: %w", err)
	}
	return nil
}

// Transmit sends an APDU to the card and returns the raw response bytes,
// implementing the Card interface.
func (c *Connection) Transmit(apdu []byte) ([]byte, error) {
	if c == nil || c.Card == nil {
		return nil, fmt.Errorf("cardio: connection not established")
	}
	return c.Card.Transmit(apdu)
}
