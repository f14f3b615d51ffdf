package contextkeys

type contextKey string

const (
	ActorIDKey contextKey = "ActorID"
)
