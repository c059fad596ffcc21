package streaming

import "context"

// Fanout publishes to every target. All targets are attempted; the first
// error is returned.
type Fanout struct {
	targets []Publisher
}

func NewFanout(targets ...Publisher) *Fanout {
	return &Fanout{targets: targets}
}

func (f *Fanout) Publish(ctx context.Context, subject string, payload interface{}) error {
	var first error
	for _, t := range f.targets {
		if err := t.Publish(ctx, subject, payload); err != nil && first == nil {
			first = err
		}
	}
	return first
}

func (f *Fanout) Close() error {
	var first error
	for _, t := range f.targets {
		if err := t.Close(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
