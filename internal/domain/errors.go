package domain

import "errors"

// Sentinel errors for the application.
var (
	ErrNotFound           = errors.New("resource not found")
	ErrInvalidArgument    = errors.New("invalid argument")
	ErrRateLimited        = errors.New("rate limited")
	ErrStorageUnavailable = errors.New("storage unavailable")
	ErrTransport          = errors.New("transport error")
	ErrUnauthorized       = errors.New("unauthorized access")
)

// Kind classifies an error for reporting back to a connection.
type Kind int

const (
	KindInternal Kind = iota
	KindInvalidArgument
	KindRateLimited
	KindNotFound
	KindStorageUnavailable
	KindTransport
)

func (k Kind) String() string {
	switch k {
	case KindInvalidArgument:
		return "InvalidArgument"
	case KindRateLimited:
		return "RateLimited"
	case KindNotFound:
		return "NotFound"
	case KindStorageUnavailable:
		return "StorageUnavailable"
	case KindTransport:
		return "TransportError"
	default:
		return "Internal"
	}
}

// KindOf maps err onto the delivery error taxonomy.
func KindOf(err error) Kind {
	switch {
	case err == nil:
		return KindInternal
	case errors.Is(err, ErrInvalidArgument):
		return KindInvalidArgument
	case errors.Is(err, ErrRateLimited):
		return KindRateLimited
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrStorageUnavailable):
		return KindStorageUnavailable
	case errors.Is(err, ErrTransport):
		return KindTransport
	default:
		return KindInternal
	}
}
