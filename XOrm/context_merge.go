// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"sync"
)

// contextMergeHandler 接收其他上下文提交引起的缓存变更，在本上下文下一次操作时合并。
// 事件可能来自任意协程，因此先入队，由上下文所在的协程应用。
type contextMergeHandler struct {
	context *ObjectContext
	mu      sync.Mutex
	pending []*SnapshotEvent
}

func (h *contextMergeHandler) OnSnapshotEvent(event *SnapshotEvent) {
	if event.Source == h.context {
		return
	}
	h.mu.Lock()
	h.pending = append(h.pending, event)
	h.mu.Unlock()
}

// apply 合并全部待处理的事件。
func (h *contextMergeHandler) apply() {
	h.mu.Lock()
	events := h.pending
	h.pending = nil
	h.mu.Unlock()
	for _, e := range events {
		h.merge(e)
	}
}

// merge 合并单个事件：COMMITTED 对象以新快照刷新，被删除的 COMMITTED 及 HOLLOW 对象被注销，
// 失效及被间接修改的 COMMITTED 对象转为 HOLLOW。已修改或已删除的对象保持不变。
func (h *contextMergeHandler) merge(event *SnapshotEvent) {
	c := h.context
	for _, m := range event.Modified {
		obj := c.objects[m.Id.Key()]
		if obj == nil || obj.state != StateCommitted {
			continue
		}
		c.populate(obj, m.Row)
	}
	for _, id := range event.Deleted {
		obj := c.objects[id.Key()]
		if obj == nil {
			continue
		}
		if obj.state == StateCommitted || obj.state == StateHollow {
			c.unregister(obj)
		}
	}
	for _, ids := range [][]*ObjectId{event.Invalidated, event.Indirect} {
		for _, id := range ids {
			obj := c.objects[id.Key()]
			if obj == nil || obj.state != StateCommitted {
				continue
			}
			obj.state = StateHollow
			obj.toOne = make(map[string]*Object)
			obj.toMany = make(map[string]*toManyList)
		}
	}
}
