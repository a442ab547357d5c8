package local

import (
	"context"

	"github.com/cespare/xxhash/v2"

	"github.com/koustreak/bucketgw/internal/errs"
)

// lockStripes is the number of path lock stripes of a factory.
const lockStripes = 256

// pathLocks serialises writers of the same path over a fixed set of stripes,
// so memory stays constant however many paths are written. Unrelated paths
// sharing a stripe also wait for each other.
type pathLocks struct {
	stripes []chan struct{}
}

func newPathLocks(n int) *pathLocks {
	p := &pathLocks{stripes: make([]chan struct{}, n)}
	for i := range p.stripes {
		p.stripes[i] = make(chan struct{}, 1)
	}
	return p
}

func (p *pathLocks) stripe(path string) chan struct{} {
	return p.stripes[xxhash.Sum64String(path)%uint64(len(p.stripes))]
}

// lock waits for the stripe of path or for ctx to end. The returned func
// releases the stripe.
func (p *pathLocks) lock(ctx context.Context, path string) (func(), error) {
	s := p.stripe(path)
	select {
	case s <- struct{}{}:
		return func() { <-s }, nil
	case <-ctx.Done():
		return nil, errs.Wrap(errs.ErrKindTimeout, "waiting for path lock", context.Cause(ctx))
	}
}
