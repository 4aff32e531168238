package pipeline

import "context"

type contextKey string

const batchIDKey contextKey = "batch_id"

// WithBatchID tags ctx so message spans carry the batch they belong to.
func WithBatchID(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, batchIDKey, id)
}

func batchIDFrom(ctx context.Context) string {
	id, _ := ctx.Value(batchIDKey).(string)
	return id
}
