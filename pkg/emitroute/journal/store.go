// Package journal records error-channel notifications so dropped messages
// and failed requests can be inspected after the fact.
package journal

import (
	"errors"
	"time"

	"github.com/google/uuid"

	emerrors "github.com/randalmurphal/emitroute/pkg/emitroute/errors"
)

// Store persists failure records.
// Implementations must be safe for concurrent use.
type Store interface {
	// Append stores a record. An empty ID is replaced with a new UUID and a
	// zero Timestamp with the current time.
	Append(rec Record) error

	// List returns up to limit records, newest first. A limit of zero or
	// less returns every record.
	List(limit int) ([]Record, error)

	// ListByKind is List restricted to one kind.
	ListByKind(kind Kind, limit int) ([]Record, error)

	// Count returns the number of stored records.
	Count() (int, error)

	// Purge deletes records older than before and returns how many it removed.
	Purge(before time.Time) (int, error)

	// Close releases any resources (connections, files).
	Close() error
}

// Kind classifies a failure record.
type Kind string

// Record kinds, one per error family.
const (
	KindProtocol      Kind = "protocol"
	KindStatus        Kind = "status"
	KindTimeout       Kind = "timeout"
	KindHandler       Kind = "handler"
	KindConfiguration Kind = "configuration"
	KindTransport     Kind = "transport"
	KindOther         Kind = "other"
)

// Record is one journaled failure.
type Record struct {
	ID        string
	Kind      Kind
	Topic     string
	Message   string
	Code      int
	Timestamp time.Time
}

// ErrStoreClosed indicates the store has been closed.
var ErrStoreClosed = errors.New("journal store closed")

// RecordFromError classifies err into a record with a fresh ID and the
// current time.
func RecordFromError(err error) Record {
	rec := Record{
		ID:        uuid.NewString(),
		Kind:      KindOther,
		Timestamp: time.Now().UTC(),
	}
	if err == nil {
		return rec
	}
	rec.Message = err.Error()

	var (
		protoErr   *emerrors.ProtocolError
		statusErr  *emerrors.StatusError
		timeoutErr *emerrors.TimeoutError
		handlerErr *emerrors.HandlerError
		cfgErr     *emerrors.ConfigurationError
	)
	switch {
	case errors.As(err, &handlerErr):
		rec.Kind = KindHandler
		rec.Topic = handlerErr.Topic
	case errors.As(err, &protoErr):
		rec.Kind = KindProtocol
		rec.Topic = protoErr.Topic
	case errors.As(err, &statusErr):
		rec.Kind = KindStatus
		rec.Code = statusErr.Code
	case errors.As(err, &timeoutErr):
		rec.Kind = KindTimeout
		rec.Topic = timeoutErr.Operation
	case errors.As(err, &cfgErr):
		rec.Kind = KindConfiguration
		rec.Topic = cfgErr.Field
	case errors.Is(err, emerrors.ErrNotConnected):
		rec.Kind = KindTransport
	}
	return rec
}

func normalize(rec Record) Record {
	if rec.ID == "" {
		rec.ID = uuid.NewString()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	if rec.Kind == "" {
		rec.Kind = KindOther
	}
	return rec
}
