package utils

import (
	"context"

	"repair-system/pkg/contextkeys"
	apperrors "repair-system/pkg/errors"
)

// ActorIDFromContext достаёт идентификатор действующего лица,
// положенный middleware из заголовка X-Actor-ID.
func ActorIDFromContext(ctx context.Context) (uint64, error) {
	actorID, ok := ctx.Value(contextkeys.ActorIDKey).(uint64)
	if !ok || actorID == 0 {
		return 0, apperrors.ErrActorIDNotFoundInContext
	}
	return actorID, nil
}
