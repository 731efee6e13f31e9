package protocol

import (
	"errors"

	"github.com/inercia/relay/internal/agent"
	"github.com/inercia/relay/internal/background"
	"github.com/inercia/relay/internal/stream"
)

// ErrorCode maps an error returned by a handler to its wire code.
func ErrorCode(err error) string {
	switch {
	case err == nil:
		return ""
	case errors.Is(err, stream.ErrBusy), errors.Is(err, background.ErrKillInProgress):
		return CodeBusy
	case errors.Is(err, stream.ErrNotFound), errors.Is(err, background.ErrNotFound):
		return CodeNotFound
	case errors.Is(err, stream.ErrStaleQuestion), errors.Is(err, agent.ErrNoPendingRequest):
		return CodeStaleQuestion
	case errors.Is(err, background.ErrNotOwned):
		return CodeNotOwned
	case errors.Is(err, ErrBadRequest),
		errors.Is(err, stream.ErrInvalidMode),
		errors.Is(err, stream.ErrUnknownControl),
		errors.Is(err, agent.ErrUnknownOption):
		return CodeBadRequest
	case errors.Is(err, ErrRateLimited):
		return CodeRateLimited
	default:
		return CodeInternal
	}
}
