// Package apierr maps the sentinel errors each domain package returns onto
// the wire error codes spec §6/§7 names, so the gateway router doesn't have
// to know about every package's internal error types.
package apierr

import (
	"errors"

	"github.com/annotatehub/collab-server/internal/v1/annotation"
	"github.com/annotatehub/collab-server/internal/v1/ot"
	"github.com/annotatehub/collab-server/internal/v1/room"
	"github.com/annotatehub/collab-server/internal/v1/wire"
)

// Code returns the wire error code that best describes err, falling back to
// ErrCodeInternal for anything it doesn't recognize.
func Code(err error) wire.ErrorCode {
	switch {
	case errors.Is(err, room.ErrRoomFull):
		return wire.ErrCodeConflict
	case errors.Is(err, annotation.ErrValidation):
		return wire.ErrCodeInvalidPayload
	case errors.Is(err, annotation.ErrConflict):
		return wire.ErrCodeConflict
	case errors.Is(err, annotation.ErrNotMember):
		return wire.ErrCodeForbidden
	case errors.Is(err, ot.ErrMissingTextID), errors.Is(err, ot.ErrInvalidOperation):
		return wire.ErrCodeInvalidPayload
	default:
		return wire.ErrCodeInternal
	}
}
