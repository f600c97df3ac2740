package update

import (
	"context"
	"errors"

	"packsync/internal/fetch"
	"packsync/internal/fsops"
	"packsync/internal/provider"
)

// Kind is the failure category reported to operators and HTTP callers.
type Kind string

const (
	KindNone       Kind = ""
	KindBusy       Kind = "busy"
	KindUpstream   Kind = "upstream"
	KindIntegrity  Kind = "integrity"
	KindFilesystem Kind = "filesystem"
	KindCanceled   Kind = "canceled"
	KindInternal   Kind = "internal"
)

// Classify maps err onto a Kind.
func Classify(err error) Kind {
	switch {
	case err == nil:
		return KindNone
	case errors.Is(err, ErrBusy):
		return KindBusy
	case errors.Is(err, fetch.ErrIntegrity):
		return KindIntegrity
	// Provider errors wrap the transport error, which carries the context
	// error when a deadline fires mid-request.
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return KindCanceled
	case errors.Is(err, provider.ErrUpstream):
		return KindUpstream
	case errors.Is(err, fsops.ErrFilesystem):
		return KindFilesystem
	default:
		return KindInternal
	}
}
