package core

import (
	"fmt"
	"sync"
	"time"

	"fleet-patch/internal/model"
	"fleet-patch/pkg/constants"
)

// OperationTracker 运行中工作流的内存跟踪器
// 由编排器实例持有并注入, 不使用包级单例; 多worker并发读写, 互斥保护
type OperationTracker struct {
	mu  sync.Mutex
	ops map[string]model.Operation
	seq int64
}

// NewOperationTracker 创建操作跟踪器
func NewOperationTracker() *OperationTracker {
	return &OperationTracker{
		ops: make(map[string]model.Operation),
	}
}

// Begin 登记一个新工作流, 返回操作ID
func (t *OperationTracker) Begin(opType, serverName, operator string) string {
	t.mu.Lock()
	defer t.mu.Unlock()

	t.seq++
	id := fmt.Sprintf("%s-%s-%d", opType, serverName, t.seq)
	t.ops[id] = model.Operation{
		ID:         id,
		Type:       opType,
		ServerName: serverName,
		Operator:   operator,
		StartTime:  time.Now(),
		Status:     constants.OperationStatusRunning,
	}
	return id
}

// End 工作流结束, 移除登记
func (t *OperationTracker) End(id string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	delete(t.ops, id)
}

// ActiveCount 当前活跃操作数
func (t *OperationTracker) ActiveCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.ops)
}

// Active 当前活跃操作快照
func (t *OperationTracker) Active() []model.Operation {
	t.mu.Lock()
	defer t.mu.Unlock()

	ops := make([]model.Operation, 0, len(t.ops))
	for _, op := range t.ops {
		ops = append(ops, op)
	}
	return ops
}

// CleanupStale 清除超过maxAge仍未结束的登记, 返回清除数量
func (t *OperationTracker) CleanupStale(maxAge time.Duration) int {
	t.mu.Lock()
	defer t.mu.Unlock()

	cutoff := time.Now().Add(-maxAge)
	removed := 0
	for id, op := range t.ops {
		if op.StartTime.Before(cutoff) {
			delete(t.ops, id)
			removed++
		}
	}
	return removed
}
