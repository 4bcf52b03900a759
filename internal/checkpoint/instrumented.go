package checkpoint

import (
	"context"
	"time"
)

// Observer receives the outcome of every checkpoint operation.
type Observer interface {
	ObserveCheckpoint(op string, err error)
}

// Instrumented wraps a Saver so each call is reported to obs.
// The wrapper also implements Expirer when the wrapped saver does.
func Instrumented(s Saver, obs Observer) Saver {
	if obs == nil {
		return s
	}
	base := &instrumented{next: s, obs: obs}
	if e, ok := s.(Expirer); ok {
		return &instrumentedExpirer{instrumented: base, expirer: e}
	}
	return base
}

type instrumented struct {
	next Saver
	obs  Observer
}

func (i *instrumented) Load(ctx context.Context, threadID string) (*State, error) {
	st, err := i.next.Load(ctx, threadID)
	i.obs.ObserveCheckpoint("load", err)
	return st, err
}

func (i *instrumented) Save(ctx context.Context, state *State) error {
	err := i.next.Save(ctx, state)
	i.obs.ObserveCheckpoint("save", err)
	return err
}

func (i *instrumented) Delete(ctx context.Context, threadID string) error {
	err := i.next.Delete(ctx, threadID)
	i.obs.ObserveCheckpoint("delete", err)
	return err
}

type instrumentedExpirer struct {
	*instrumented
	expirer Expirer
}

func (i *instrumentedExpirer) DeleteBefore(ctx context.Context, cutoff time.Time) (int, error) {
	n, err := i.expirer.DeleteBefore(ctx, cutoff)
	i.obs.ObserveCheckpoint("expire", err)
	return n, err
}
