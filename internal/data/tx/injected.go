package tx

import (
	"context"
	"sync"

	"github.com/yungbote/session-snapshot/internal/platform/dbctx"
)

// Injected wraps another Runner and lets callers force begin/commit failures
// and count outcomes. Inner may be nil, in which case fn runs without a
// transaction.
type Injected struct {
	Inner Runner

	mu sync.Mutex

	FailBegin  error
	FailCommit error

	BeginCalls    int
	CommitCalls   int
	RollbackCalls int
}

var _ Runner = (*Injected)(nil)

func (r *Injected) InTx(ctx context.Context, fn func(dbc dbctx.Context) error) error {
	r.mu.Lock()
	r.BeginCalls++
	failBegin := r.FailBegin
	failCommit := r.FailCommit
	r.mu.Unlock()

	if failBegin != nil {
		return failBegin
	}

	body := func(dbc dbctx.Context) error {
		if fn == nil {
			return nil
		}
		if err := fn(dbc); err != nil {
			return err
		}
		// Returning an error from inside the inner transaction rolls it back.
		return failCommit
	}

	var err error
	if r.Inner != nil {
		err = r.Inner.InTx(ctx, body)
	} else {
		err = body(dbctx.Context{Ctx: ctx})
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if err != nil {
		r.RollbackCalls++
		return err
	}
	r.CommitCalls++
	return nil
}
