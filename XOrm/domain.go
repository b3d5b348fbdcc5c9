// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"sync"

	"github.com/eframework-org/GO.UTIL/XLog"
)

var (
	// domainMap 存储了通过配置加载的数据域，键为名称。
	domainMap sync.Map
)

// DataDomain 组合了映射、数据节点及共享的行缓存，是提交管线的入口。
// 数据域可在多个协程间共享，每个协程使用各自的 ObjectContext。
type DataDomain struct {
	name         string
	resolver     *EntityResolver
	nodes        map[string]DataNode
	defaultNode  string
	store        *DataRowStore
	sorter       *EntitySorter
	maxFetchSize int
	mu           sync.RWMutex
	listeners    []CommitListener
}

// NewDomain 创建数据域，resolver 必须已编译，nodes 需覆盖映射中引用的全部节点。
func NewDomain(name string, resolver *EntityResolver, nodes ...DataNode) (*DataDomain, error) {
	if resolver == nil || !resolver.compiled {
		return nil, fmt.Errorf("XOrm: resolver of domain '%v' was not compiled", name)
	}
	d := &DataDomain{
		name:         name,
		resolver:     resolver,
		nodes:        make(map[string]DataNode),
		defaultNode:  resolver.Node,
		store:        NewDataRowStore(name, cacheSize),
		sorter:       NewEntitySorter(resolver),
		maxFetchSize: faultMaxFetch,
	}
	for _, n := range nodes {
		d.nodes[n.Name()] = n
		if d.defaultNode == "" {
			d.defaultNode = n.Name()
		}
	}
	for _, t := range resolver.Tables {
		if d.nodeFor(t) == nil {
			return nil, fmt.Errorf("XOrm: node of table '%v' was not found in domain '%v'", t.Name, name)
		}
	}
	return d, nil
}

// Name 返回数据域名称。
func (d *DataDomain) Name() string { return d.name }

// Resolver 返回映射。
func (d *DataDomain) Resolver() *EntityResolver { return d.resolver }

// Store 返回共享的行缓存。
func (d *DataDomain) Store() *DataRowStore { return d.store }

// Sorter 返回数据表排序器。
func (d *DataDomain) Sorter() *EntitySorter { return d.sorter }

// Node 按名称获取数据节点。
func (d *DataDomain) Node(name string) DataNode { return d.nodes[name] }

// SetMaxFetchSize 设置分页列表单次查询的最大标识数量。
func (d *DataDomain) SetMaxFetchSize(size int) {
	if size > 0 {
		d.maxFetchSize = size
	}
}

// nodeFor 返回数据表所属的数据节点。
func (d *DataDomain) nodeFor(table *DbEntity) DataNode {
	name := table.Node
	if name == "" {
		name = d.defaultNode
	}
	return d.nodes[name]
}

// AddCommitListener 添加提交日志的监听器。
func (d *DataDomain) AddCommitListener(listener CommitListener) {
	d.mu.Lock()
	d.listeners = append(d.listeners, listener)
	d.mu.Unlock()
}

// RemoveCommitListener 移除提交日志的监听器。
func (d *DataDomain) RemoveCommitListener(listener CommitListener) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for i, l := range d.listeners {
		if l == listener {
			d.listeners = append(d.listeners[:i], d.listeners[i+1:]...)
			return
		}
	}
}

func (d *DataDomain) commitListeners() []CommitListener {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return append([]CommitListener(nil), d.listeners...)
}

// NewContext 创建新的对象上下文。
func (d *DataDomain) NewContext() *ObjectContext { return NewContext(d) }

// RegisterDomain 注册数据域，重复注册时覆盖。
func RegisterDomain(d *DataDomain) {
	if _, loaded := domainMap.Swap(d.name, d); loaded {
		XLog.Warn("XOrm.RegisterDomain: domain of %v has been replaced.", d.name)
	}
}

// Domain 按名称获取已注册的数据域。
func Domain(name string) *DataDomain {
	if val, _ := domainMap.Load(name); val != nil {
		return val.(*DataDomain)
	}
	return nil
}
