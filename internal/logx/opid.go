package logx

import (
	"context"
	"log/slog"

	"github.com/google/uuid"
)

type opIDContextKey struct{}

func IsUUIDv4(value string) bool {
	parsed, err := uuid.Parse(value)
	if err != nil {
		return false
	}
	return parsed.Version() == 4
}

// NormalizeOpID keeps a caller-supplied v4 id and replaces anything else.
func NormalizeOpID(value string) string {
	if IsUUIDv4(value) {
		return value
	}
	return uuid.NewString()
}

// NewOperation returns ctx tagged with a fresh operation id.
func NewOperation(ctx context.Context) context.Context {
	return WithOpID(ctx, uuid.NewString())
}

func WithOpID(ctx context.Context, opID string) context.Context {
	if ctx == nil {
		ctx = context.Background()
	}
	return context.WithValue(ctx, opIDContextKey{}, opID)
}

func OpIDFromContext(ctx context.Context) string {
	if ctx == nil {
		return ""
	}
	opID, _ := ctx.Value(opIDContextKey{}).(string)
	return opID
}

func LoggerFromContext(ctx context.Context) *slog.Logger {
	opID := OpIDFromContext(ctx)
	if opID == "" {
		return slog.Default()
	}
	return slog.Default().With("op_id", opID)
}
