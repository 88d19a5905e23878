package wsbroker

import "context"

// CancelToken is a cancellable handle for blocking calls made by embedders
// that do not carry a context.Context of their own.
type CancelToken struct {
	ctx    context.Context
	cancel context.CancelFunc
}

func NewCancelToken() *CancelToken {
	ctx, cancel := context.WithCancel(context.Background())
	return &CancelToken{ctx: ctx, cancel: cancel}
}

// Cancel aborts every call waiting on the token. It is safe to call twice.
func (t *CancelToken) Cancel() {
	t.cancel()
}

func (t *CancelToken) IsCancelled() bool {
	return t.ctx.Err() != nil
}

// Context returns a context that is done once the token is cancelled.
func (t *CancelToken) Context() context.Context {
	if t == nil {
		return context.Background()
	}
	return t.ctx
}
