// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XString"
	"github.com/eframework-org/GO.UTIL/XTime"
	"github.com/petermattis/goid"
)

var (
	// contextID 是上下文 ID 的原子计数器，用于生成唯一的会话标识。
	contextID int64

	// contextMap 存储了绑定到协程的上下文，键为 goroutine ID。
	contextMap sync.Map
)

// ObjectContext 是对象图的工作单元：持有已注册的对象及其变更，提交时交由数据域写入数据库。
// 上下文不是协程安全的，同一时刻只应在一个协程中使用；多个上下文可共享同一数据域。
type ObjectContext struct {
	id      int
	domain  *DataDomain
	base    context.Context
	objects map[string]*Object
	diffs   map[*Object]*ObjectDiff
	order   []*Object
	merge   *contextMergeHandler
	closed  bool

	time          int   // 绑定开始时间
	selectCount   int64 // 查询操作次数
	selectElapsed int64 // 查询操作耗时
	faultCount    int64 // 故障加载次数
	faultElapsed  int64 // 故障加载耗时
	commitCount   int64 // 提交操作次数
	commitElapsed int64 // 提交操作耗时
	deleteCount   int64 // 删除操作次数
	deleteElapsed int64 // 删除操作耗时
}

// NewContext 创建数据域的对象上下文，并订阅共享缓存的变更。
// 不再使用时应当调用 Close 取消订阅。
func NewContext(domain *DataDomain) *ObjectContext {
	c := &ObjectContext{
		id:      int(atomic.AddInt64(&contextID, 1)),
		domain:  domain,
		base:    context.Background(),
		objects: make(map[string]*Object),
		diffs:   make(map[*Object]*ObjectDiff),
	}
	c.merge = &contextMergeHandler{context: c}
	domain.store.AddListener(c.merge)
	return c
}

// Id 返回上下文的会话标识。
func (c *ObjectContext) Id() int { return c.id }

// Domain 返回所属数据域。
func (c *ObjectContext) Domain() *DataDomain { return c.domain }

// SetContext 设置延迟加载（故障解析）时使用的 context.Context。
func (c *ObjectContext) SetContext(ctx context.Context) {
	if ctx != nil {
		c.base = ctx
	}
}

// Close 取消对共享缓存的订阅，未提交的变更被丢弃。
func (c *ObjectContext) Close() {
	if c.closed {
		return
	}
	c.closed = true
	c.domain.store.RemoveListener(c.merge)
}

// HasChanges 判断是否存在未提交的变更。
func (c *ObjectContext) HasChanges() bool {
	for _, obj := range c.order {
		switch obj.state {
		case StateNew, StateDeleted:
			return true
		case StateModified:
			if d := c.diffs[obj]; d != nil && !d.IsNoop() {
				return true
			}
		}
		if d := c.diffs[obj]; d != nil && d.flat.len() > 0 {
			return true
		}
	}
	return false
}

// RegisteredObjects 返回已注册的全部对象，包含 NEW 及 DELETED 状态。
func (c *ObjectContext) RegisteredObjects() []*Object {
	objs := make([]*Object, 0, len(c.objects))
	for _, obj := range c.objects {
		objs = append(objs, obj)
	}
	return objs
}

// ensureDiff 返回对象的变更记录，首次调用时捕获基线快照。
func (c *ObjectContext) ensureDiff(o *Object) *ObjectDiff {
	if d, ok := c.diffs[o]; ok {
		return d
	}
	d := newObjectDiff(o)
	c.diffs[o] = d
	c.order = append(c.order, o)
	return d
}

// dropDiff 移除对象的变更记录。
func (c *ObjectContext) dropDiff(o *Object) {
	if _, ok := c.diffs[o]; !ok {
		return
	}
	delete(c.diffs, o)
	for i, obj := range c.order {
		if obj == o {
			c.order = append(c.order[:i], c.order[i+1:]...)
			break
		}
	}
}

// prepareChange 在对象被修改之前调用。
func (c *ObjectContext) prepareChange(o *Object) {
	c.ensureDiff(o)
	if o.state == StateCommitted {
		o.state = StateModified
	}
}

func (c *ObjectContext) recordPropertyChange(o *Object, property string, oldValue, newValue any) {
	c.ensureDiff(o).recordPropertyChange(property, oldValue, newValue)
}

func (c *ObjectContext) recordArcChange(o *Object, targetId *ObjectId, arc string, isDelete bool) error {
	rel := o.entity.Relationship(arc)
	if rel != nil && rel.IsReadOnly() {
		return configError("flattened relationship '%v.%v' is read-only", o.entity.Name, arc)
	}
	c.ensureDiff(o).recordArcChange(targetId, arc, isDelete)
	return nil
}

// register 注册对象。
func (c *ObjectContext) register(o *Object) {
	o.context = c
	c.objects[o.id.Key()] = o
}

// unregister 注销对象并将其置为 TRANSIENT。
func (c *ObjectContext) unregister(o *Object) {
	if c.objects[o.id.Key()] == o {
		delete(c.objects, o.id.Key())
	}
	o.state = StateTransient
	o.context = nil
}

// changes 返回按修改顺序排列的变更。
func (c *ObjectContext) changes() []*ObjectDiff {
	diffs := make([]*ObjectDiff, 0, len(c.order))
	for _, obj := range c.order {
		diffs = append(diffs, c.diffs[obj])
	}
	return diffs
}

// CommitChanges 校验并提交全部变更。
// 成功后 NEW 及 MODIFIED 对象转为 COMMITTED，DELETED 对象转为 TRANSIENT 并被注销；
// 失败时对象保持原有状态及变更，可修正后重试。
func (c *ObjectContext) CommitChanges(ctx context.Context) error {
	c.merge.apply()
	if len(c.order) == 0 {
		return nil
	}
	start := XTime.GetMicrosecond()
	defer func() {
		c.commitCount++
		c.commitElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	diffs := c.changes()
	if err := c.validate(diffs); err != nil {
		XLog.Error("XOrm.CommitChanges: %v", err)
		return err
	}
	action := newFlushAction(c.domain, c)
	result, err := action.flush(ctx, diffs)
	if err != nil {
		if isLockFailure(err) {
			XLog.Warn("XOrm.CommitChanges: %v", err)
		}
		return err
	}

	changes := c.buildChangeMap(diffs, result)
	c.postprocess(diffs, result)
	if len(changes.Changes) > 0 {
		submitChanges(c.domain, changes)
	}
	XLog.Notice("XOrm.CommitChanges: [Cost:%.2fms] committed %v object(s) with %v statement(s).",
		float64(XTime.GetMicrosecond()-start)/1e3, len(diffs), result.statements)
	return nil
}

// postprocess 在提交成功后更新对象状态、重建标识索引并清除变更。
func (c *ObjectContext) postprocess(diffs []*ObjectDiff, result *flushResult) {
	var committed []*Object
	for _, d := range diffs {
		o := d.object
		switch o.state {
		case StateNew:
			newId := result.replaced[o]
			if newId == nil {
				continue
			}
			delete(c.objects, o.id.Key())
			o.id = newId
			c.objects[newId.Key()] = o
			o.state = StateCommitted
			o.row = o.snapshotRow(newId)
			committed = append(committed, o)
		case StateModified, StateCommitted:
			o.state = StateCommitted
			o.row = o.snapshotRow(o.id)
			committed = append(committed, o)
		case StateDeleted:
			c.unregister(o)
		}
	}

	// 以 MapKey 为键的反向关系索引随目标属性变化而重建
	for _, o := range committed {
		for _, r := range o.entity.Relationships {
			rev := r.ReverseRelationship()
			if rev == nil || !rev.IsMap() {
				continue
			}
			target, ok := o.toOne[r.Name]
			if !ok || target == nil {
				continue
			}
			if list := target.toMany[rev.Name]; list != nil && list.resolved {
				list.index = buildMapIndex(rev, list.objects)
			}
		}
	}

	c.diffs = make(map[*Object]*ObjectDiff)
	c.order = nil
}

// RollbackChanges 丢弃全部未提交的变更：NEW 对象被注销，其他对象恢复至基线。
func (c *ObjectContext) RollbackChanges() {
	for _, o := range c.order {
		d := c.diffs[o]
		switch o.state {
		case StateNew:
			c.unregister(o)
		case StateModified, StateDeleted, StateCommitted:
			if d.HasSnapshot() {
				for name, v := range d.snapshot {
					o.values[name] = v
				}
			}
			o.toOne = make(map[string]*Object)
			for _, list := range o.toMany {
				list.objects = nil
				list.resolved = false
				list.index = nil
			}
			o.state = StateCommitted
			c.objects[o.id.Key()] = o
		}
	}
	c.diffs = make(map[*Object]*ObjectDiff)
	c.order = nil
}

// String 返回上下文的概要信息。
func (c *ObjectContext) String() string {
	return fmt.Sprintf("[Context:%v] [Domain:%v] [Objects:%v] [Changes:%v]", c.id, c.domain.name, len(c.objects), len(c.order))
}

// Current 返回绑定到当前协程的上下文，未绑定时返回 nil。
// gid 参数为 goroutine ID，若未指定，则使用当前 goroutine ID。
func Current(gid ...int64) *ObjectContext {
	var ggid int64
	if len(gid) > 0 {
		ggid = gid[0]
	} else {
		ggid = goid.Get()
	}
	if val, _ := contextMap.Load(ggid); val != nil {
		return val.(*ObjectContext)
	}
	return nil
}

// Watch 创建数据域的对象上下文并绑定到当前协程。
//
// 使用示例：
//
//	oc := Watch(domain)   // 开始会话。
//	defer Defer()         // 结束会话。
func Watch(domain *DataDomain) *ObjectContext {
	gid := goid.Get()
	c := NewContext(domain)
	c.time = XTime.GetMicrosecond()
	if val, loaded := contextMap.Swap(gid, c); loaded {
		XLog.Critical("XOrm.Watch: context of goroutine %v was not deferred.", gid)
		val.(*ObjectContext).Close()
	}

	tag := XLog.Tag()
	if tag != nil { // 设置日志标签
		tag.Set("Go", XString.ToString(int(gid)))
		tag.Set("Context", XString.ToString(c.id))
	}

	XLog.Info("XOrm.Watch: context has been started.")
	return c
}

// Defer 解除当前协程绑定的上下文，丢弃未提交的变更并输出会话统计。
// 此函数应通过 defer 调用，确保每个 Watch 都有对应的 Defer。
func Defer() {
	gid := goid.Get()
	val, _ := contextMap.LoadAndDelete(gid)
	if val == nil {
		XLog.Error("XOrm.Defer: context was not found.")
		return
	}
	c := val.(*ObjectContext)
	if c.HasChanges() {
		XLog.Warn("XOrm.Defer: uncommitted changes of %v object(s) have been discarded.", len(c.order))
	}
	c.Close()

	if XLog.Able(XLog.LevelInfo) {
		otherCost := int64(XTime.GetMicrosecond() - c.time)
		var statLog string
		if c.selectCount > 0 {
			statLog += fmt.Sprintf("[Select(%v):%.2fms] ", c.selectCount, float64(c.selectElapsed)/1e3)
			otherCost -= c.selectElapsed
		}
		if c.faultCount > 0 {
			statLog += fmt.Sprintf("[Fault(%v):%.2fms] ", c.faultCount, float64(c.faultElapsed)/1e3)
			otherCost -= c.faultElapsed
		}
		if c.deleteCount > 0 {
			statLog += fmt.Sprintf("[Delete(%v):%.2fms] ", c.deleteCount, float64(c.deleteElapsed)/1e3)
			otherCost -= c.deleteElapsed
		}
		if c.commitCount > 0 {
			statLog += fmt.Sprintf("[Commit(%v):%.2fms] ", c.commitCount, float64(c.commitElapsed)/1e3)
			otherCost -= c.commitElapsed
		}
		XLog.Info("XOrm.Defer: context has been deferred, elapsed %.2fms for %v[Other:%.2fms].",
			float64(XTime.GetMicrosecond()-c.time)/1e3,
			statLog,
			float64(otherCost)/1e3)
	}
}
