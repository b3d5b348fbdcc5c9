// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"errors"
	"sync"
	"sync/atomic"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/petermattis/goid"
)

var (
	// transactionID 是事务 ID 的原子计数器。
	transactionID int64

	// transactionMap 存储了事务映射，键为 goroutine ID，值为 *Transaction。
	transactionMap sync.Map
)

// TxResource 是事务在单个数据节点上持有的连接。
type TxResource interface {
	Commit() error
	Rollback() error
}

// Transaction 跨越多个数据节点的事务，各节点的连接在首次使用时加入。
// 一旦被标记为仅回滚，提交将回滚全部连接并返回 ErrRollbackOnly。
type Transaction struct {
	id           int64
	mu           sync.Mutex
	resources    map[string]TxResource
	order        []string
	rollbackOnly bool
	done         bool
}

// NewTransaction 创建事务。
func NewTransaction() *Transaction {
	return &Transaction{
		id:        atomic.AddInt64(&transactionID, 1),
		resources: make(map[string]TxResource),
	}
}

// BindTransaction 将事务绑定至当前协程，flush 会加入该事务而不再自行提交。
func BindTransaction(tx *Transaction) {
	if tx == nil {
		transactionMap.Delete(goid.Get())
		return
	}
	transactionMap.Store(goid.Get(), tx)
}

// UnbindTransaction 解除当前协程的事务绑定。
func UnbindTransaction() { transactionMap.Delete(goid.Get()) }

// CurrentTransaction 返回当前协程绑定的事务。
func CurrentTransaction() *Transaction {
	if val, _ := transactionMap.Load(goid.Get()); val != nil {
		return val.(*Transaction)
	}
	return nil
}

// Id 返回事务 ID。
func (t *Transaction) Id() int64 { return t.id }

// Resource 返回节点上的连接，不存在时通过 begin 开启并加入事务。
func (t *Transaction) Resource(node string, begin func() (TxResource, error)) (TxResource, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil, errors.New("XOrm: transaction has been completed")
	}
	if res, ok := t.resources[node]; ok {
		return res, nil
	}
	res, err := begin()
	if err != nil {
		return nil, err
	}
	t.resources[node] = res
	t.order = append(t.order, node)
	return res, nil
}

// lookup 返回已加入的节点连接。
func (t *Transaction) lookup(node string) TxResource {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.resources[node]
}

// SetRollbackOnly 将事务标记为仅回滚。
func (t *Transaction) SetRollbackOnly() {
	t.mu.Lock()
	t.rollbackOnly = true
	t.mu.Unlock()
}

// IsRollbackOnly 判断事务是否被标记为仅回滚。
func (t *Transaction) IsRollbackOnly() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.rollbackOnly
}

// Commit 按加入顺序提交全部连接，任一失败时回滚其余连接。
func (t *Transaction) Commit() error {
	if t.IsRollbackOnly() {
		if err := t.Rollback(); err != nil {
			XLog.Error("XOrm.Transaction.Commit: rollback of tx-%v failed: %v", t.id, err)
		}
		return ErrRollbackOnly
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	for i, name := range t.order {
		if err := t.resources[name].Commit(); err != nil {
			for _, rest := range t.order[i+1:] {
				if rerr := t.resources[rest].Rollback(); rerr != nil {
					XLog.Error("XOrm.Transaction.Commit: rollback %v of tx-%v failed: %v", rest, t.id, rerr)
				}
			}
			return err
		}
	}
	return nil
}

// Rollback 回滚全部连接，返回遇到的第一个错误。
func (t *Transaction) Rollback() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.done {
		return nil
	}
	t.done = true
	var first error
	for _, name := range t.order {
		if err := t.resources[name].Rollback(); err != nil && first == nil {
			first = err
		}
	}
	return first
}
