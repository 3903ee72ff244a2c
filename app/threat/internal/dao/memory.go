package dao

import (
	"context"
	"sync"

	"github.com/lk2023060901/threatrelay/app/threat/internal/model"
)

// memoryDAO 进程内存储，不持久化，用于测试与演示
type memoryDAO struct {
	mu     sync.Mutex
	state  *model.ServerState
	opts   Options
	closed bool
}

// NewMemory 创建内存存储
func NewMemory(opts Options) StateDAO {
	opts.normalize()
	opts.Logger.Named("dao.state.memory").Warn("using in-memory state store, state is lost on restart")
	return &memoryDAO{opts: opts}
}

func (d *memoryDAO) load() *model.ServerState {
	if d.state == nil {
		d.state = model.NewServerState(d.opts.DefaultAccessCode, d.opts.Now())
	}
	return d.state
}

func (d *memoryDAO) Load(ctx context.Context) (*model.ServerState, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}
	return d.load().Clone(), nil
}

func (d *memoryDAO) Update(ctx context.Context, patch *model.StatePatch) (*model.ServerState, error) {
	if err := patch.Validate(); err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.closed {
		return nil, ErrClosed
	}

	// 在副本上修改后整体替换
	next := d.load().Clone()
	next.Apply(patch, d.opts.Now())
	d.state = next
	return next.Clone(), nil
}

func (d *memoryDAO) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closed = true
	return nil
}
