package play

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/playhouse/playhouse-go/internal/protocol"
)

// factoryPair couples the stage and actor factories registered for one
// stage type.
type factoryPair struct {
	stage StageFactory
	actor ActorFactory
}

// pool owns the live stages of a node. Lookup is concurrent; everything
// that mutates a stage goes through that stage's queue.
type pool struct {
	node *Node

	mu        sync.RWMutex
	stages    map[int64]*stage
	factories map[string]factoryPair

	nextId atomic.Int64
}

func newPool(node *Node) *pool {
	return &pool{
		node:      node,
		stages:    make(map[int64]*stage),
		factories: make(map[string]factoryPair),
	}
}

func (p *pool) register(stageType string, sf StageFactory, af ActorFactory) error {
	if stageType == "" || sf == nil {
		return fmt.Errorf("registering stage type %q: empty type or nil factory", stageType)
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, dup := p.factories[stageType]; dup {
		return fmt.Errorf("registering stage type %q: already registered", stageType)
	}
	p.factories[stageType] = factoryPair{stage: sf, actor: af}
	return nil
}

func (p *pool) actorFactory(stageType string) ActorFactory {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.factories[stageType].actor
}

func (p *pool) get(stageId int64) *stage {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.stages[stageId]
}

// getOrCreate returns the stage for stageId, creating it when absent. A
// freshly created stage is visible immediately but its first queued event
// is the OnCreate gate, so work posted behind it keeps creation ordering.
// done reports the create outcome exactly once; for an existing stage it is
// not called.
func (p *pool) getOrCreate(stageType string, stageId int64, creation *protocol.Packet, done func(code uint16)) (*stage, bool, error) {
	p.mu.Lock()
	if s, ok := p.stages[stageId]; ok {
		p.mu.Unlock()
		return s, false, nil
	}
	fp, ok := p.factories[stageType]
	if !ok {
		p.mu.Unlock()
		return nil, false, fmt.Errorf("creating stage %d: unknown stage type %q", stageId, stageType)
	}

	s := newStage(p.node, stageId, stageType)
	s.user = fp.stage(s.sender)
	p.stages[stageId] = s
	p.mu.Unlock()

	if err := s.post(func() { s.runCreate(creation, done) }, nil); err != nil {
		// Cannot happen on a fresh queue, but do not leave a ghost behind.
		p.remove(stageId)
		return nil, false, fmt.Errorf("creating stage %d: %w", stageId, err)
	}
	return s, true, nil
}

// issueId returns a stage id no live stage uses. Ids handed to clients as
// explicit stage ids can collide with the counter, so probe until free.
func (p *pool) issueId() int64 {
	for {
		id := p.nextId.Add(1)
		p.mu.RLock()
		_, busy := p.stages[id]
		p.mu.RUnlock()
		if !busy {
			return id
		}
	}
}

func (p *pool) remove(stageId int64) {
	p.mu.Lock()
	delete(p.stages, stageId)
	p.mu.Unlock()
}

func (p *pool) count() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.stages)
}

// snapshot lists live stages for the admin surface.
func (p *pool) snapshot() []StageInfo {
	p.mu.RLock()
	defer p.mu.RUnlock()
	out := make([]StageInfo, 0, len(p.stages))
	for _, s := range p.stages {
		out = append(out, StageInfo{
			StageId:    s.id,
			StageType:  s.stageType,
			Actors:     int(s.actorCount.Load()),
			QueueDepth: s.queue.depth(),
			Draining:   s.processing.Load(),
		})
	}
	return out
}

// closeAll posts a destroy to every live stage during node shutdown.
func (p *pool) closeAll() {
	p.mu.RLock()
	stages := make([]*stage, 0, len(p.stages))
	for _, s := range p.stages {
		stages = append(stages, s)
	}
	p.mu.RUnlock()
	for _, s := range stages {
		if err := s.post(s.destroy, nil); err != nil {
			p.remove(s.id)
		}
	}
}

// StageInfo is one row of the admin stage listing.
type StageInfo struct {
	StageId    int64  `json:"stageId"`
	StageType  string `json:"stageType"`
	Actors     int    `json:"actors"`
	QueueDepth int    `json:"queueDepth"`
	Draining   bool   `json:"draining"`
}
