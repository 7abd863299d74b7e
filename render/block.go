package render

import (
	"context"
	"fmt"
	"reflect"
	"sync"

	"github.com/cascadatpl/cascada-core/frame"
	"github.com/cascadatpl/cascada-core/outbuf"
	"github.com/cascadatpl/cascada-core/sched"
)

// BlockFunc renders one block definition's body into buf.
type BlockFunc func(ctx context.Context, c *Context, f *frame.Frame, buf *outbuf.Buffer) error

// BlockChain is the ordered list of definitions registered for one block
// name: base template first, overrides (child templates extending it)
// appended after.
type BlockChain struct {
	name string
	defs []BlockFunc
}

// First returns the base definition, the one get_block calls.
func (bc *BlockChain) First() (BlockFunc, bool) {
	if len(bc.defs) == 0 {
		return nil, false
	}
	return bc.defs[0], true
}

// Super locates current by identity within the chain and returns the next
// definition after it, implementing get_super.
func (bc *BlockChain) Super(current BlockFunc) (BlockFunc, bool) {
	target := reflect.ValueOf(current).Pointer()
	for i, fn := range bc.defs {
		if reflect.ValueOf(fn).Pointer() == target {
			if i+1 < len(bc.defs) {
				return bc.defs[i+1], true
			}
			return nil, false
		}
	}
	return nil, false
}

// AsyncState implements the async block handshake: an inner template can
// register its blocks after an outer template has already started looking
// for them, so get_super/get_block must be able to wait for registration
// to settle instead of racing it. prepare_for_async_blocks installs a
// pending promise per name the caller is about to need; register_block
// resolves it once the real registration lands.
type AsyncState struct {
	mu      sync.Mutex
	pending map[string]sched.WithResolvers
	chains  map[string]*BlockChain
}

// NewAsyncState builds an empty handshake table for one render.
func NewAsyncState() *AsyncState {
	return &AsyncState{
		pending: make(map[string]sched.WithResolvers),
		chains:  make(map[string]*BlockChain),
	}
}

// PrepareForAsyncBlocks installs a pending promise for each name not yet
// registered, so a subsequent GetAsyncBlock can await registration instead
// of finding nothing.
func (as *AsyncState) PrepareForAsyncBlocks(engine *sched.Engine, names []string) {
	as.mu.Lock()
	defer as.mu.Unlock()
	for _, name := range names {
		if _, ok := as.pending[name]; ok {
			continue
		}
		if _, ok := as.chains[name]; ok {
			continue
		}
		as.pending[name] = sched.NewWithResolvers(engine)
	}
}

// RegisterBlock appends fn to name's chain, settling any pending handshake
// promise for name.
func (as *AsyncState) RegisterBlock(name string, fn BlockFunc) *BlockChain {
	as.mu.Lock()
	chain, ok := as.chains[name]
	if !ok {
		chain = &BlockChain{name: name}
		as.chains[name] = chain
	}
	chain.defs = append(chain.defs, fn)
	resolvers, hasPending := as.pending[name]
	as.mu.Unlock()

	if hasPending {
		resolvers.Resolve(chain)
	}
	return chain
}

// GetAsyncBlock resolves name's chain, awaiting the handshake promise when
// one is outstanding.
func (as *AsyncState) GetAsyncBlock(ctx context.Context, name string) (*BlockChain, error) {
	as.mu.Lock()
	resolvers, hasPending := as.pending[name]
	chain, hasChain := as.chains[name]
	as.mu.Unlock()

	if hasPending {
		v, err := resolvers.Promise.Await(ctx)
		if err != nil {
			return nil, err
		}
		return v.(*BlockChain), nil
	}
	if hasChain {
		return chain, nil
	}
	return nil, fmt.Errorf("render: no block registered for %q", name)
}

// GetBlock is the synchronous counterpart used outside an async handshake:
// it returns whatever chain is registered right now, with no waiting.
func (as *AsyncState) GetBlock(name string) (*BlockChain, bool) {
	as.mu.Lock()
	defer as.mu.Unlock()
	chain, ok := as.chains[name]
	return chain, ok
}
