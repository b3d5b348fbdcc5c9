// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XTime"
)

// faultKey 是尚未加载的元素，保存其主键列的值。
type faultKey map[string]any

// IncrementalFaultList 是分页加载的查询结果。
// 创建时只查询主键并加载首页，其余元素在访问所在页时加载。
// 全部操作持有列表的互斥锁，多个协程不会重复加载同一区间，但多次调用之间不保证原子性。
type IncrementalFaultList struct {
	mu        sync.Mutex
	ctx       context.Context
	context   *ObjectContext
	entity    *ObjEntity
	pageSize  int
	rows      bool  // 元素为 DataRow 而非 *Object
	elements  []any // faultKey、*Object 或 DataRow
	unfetched int
}

// NewIncrementalFaultList 执行分页查询，PageSize 必须大于 0。
func NewIncrementalFaultList(ctx context.Context, oc *ObjectContext, query *SelectQuery) (*IncrementalFaultList, error) {
	if query == nil || query.PageSize <= 0 {
		return nil, fmt.Errorf("XOrm: not a paginated query")
	}
	entity, stmt, err := oc.selectStatement(query)
	if err != nil {
		return nil, err
	}
	stmt.Columns = entity.PrimaryKeyNames()
	rows, err := oc.domain.nodeFor(entity.dbEntity).PerformQuery(ctx, stmt)
	if err != nil {
		return nil, err
	}

	l := &IncrementalFaultList{
		ctx:      ctx,
		context:  oc,
		entity:   entity,
		pageSize: query.PageSize,
		rows:     query.FetchingDataRows,
		elements: make([]any, 0, len(rows)),
	}
	for _, row := range rows {
		key := make(faultKey, len(stmt.Columns))
		for _, col := range stmt.Columns {
			key[col] = row[col]
		}
		l.elements = append(l.elements, key)
	}
	l.unfetched = len(l.elements)

	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resolveInterval(0, l.pageSize); err != nil {
		return nil, err
	}
	return l, nil
}

// Size 返回元素数量。
func (l *IncrementalFaultList) Size() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.elements)
}

func (l *IncrementalFaultList) PageSize() int { return l.pageSize }

// PageIndex 返回索引所在的页。
func (l *IncrementalFaultList) PageIndex(index int) int {
	if index < 0 {
		return -1
	}
	return index / l.pageSize
}

// UnfetchedObjects 返回尚未加载的元素数量。
func (l *IncrementalFaultList) UnfetchedObjects() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.unfetched
}

// IsResolved 判断索引处的元素是否已加载。
func (l *IncrementalFaultList) IsResolved(index int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if index < 0 || index >= len(l.elements) {
		return false
	}
	_, ok := l.elements[index].(faultKey)
	return !ok
}

// Get 返回索引处的元素，元素未加载时加载其所在的整页。
func (l *IncrementalFaultList) Get(index int) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex(index); err != nil {
		return nil, err
	}
	if _, ok := l.elements[index].(faultKey); ok {
		from := l.PageIndex(index) * l.pageSize
		if err := l.resolveInterval(from, from+l.pageSize); err != nil {
			return nil, err
		}
	}
	return l.elements[index], nil
}

// Object 返回索引处的对象，列表元素为 DataRow 时返回 nil。
func (l *IncrementalFaultList) Object(index int) (*Object, error) {
	v, err := l.Get(index)
	if err != nil {
		return nil, err
	}
	obj, _ := v.(*Object)
	return obj, nil
}

// ToSlice 加载全部元素并返回其副本。
func (l *IncrementalFaultList) ToSlice() ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.resolveInterval(0, len(l.elements)); err != nil {
		return nil, err
	}
	return append([]any(nil), l.elements...), nil
}

// SubList 加载 [from, to) 区间的元素并返回其副本。
func (l *IncrementalFaultList) SubList(from, to int) ([]any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if from < 0 || to > len(l.elements) || from > to {
		return nil, fmt.Errorf("XOrm: sub list [%d, %d) out of range [0, %d)", from, to, len(l.elements))
	}
	if err := l.resolveInterval(from, to); err != nil {
		return nil, err
	}
	return append([]any(nil), l.elements[from:to]...), nil
}

// Range 按顺序逐页加载并遍历元素，fn 返回 false 时停止。
func (l *IncrementalFaultList) Range(fn func(index int, element any) bool) error {
	for page := 0; ; page++ {
		from := page * l.pageSize
		l.mu.Lock()
		if from >= len(l.elements) {
			l.mu.Unlock()
			return nil
		}
		to := min(from+l.pageSize, len(l.elements))
		if err := l.resolveInterval(from, to); err != nil {
			l.mu.Unlock()
			return err
		}
		chunk := append([]any(nil), l.elements[from:to]...)
		l.mu.Unlock()
		for i, v := range chunk {
			if !fn(from+i, v) {
				return nil
			}
		}
	}
}

// Add 在末尾追加已加载的元素。
func (l *IncrementalFaultList) Add(element any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.elements = append(l.elements, element)
}

// Set 替换索引处的元素，返回原元素，原元素未加载时返回 nil。
func (l *IncrementalFaultList) Set(index int, element any) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex(index); err != nil {
		return nil, err
	}
	old := l.elements[index]
	l.elements[index] = element
	if _, ok := old.(faultKey); ok {
		l.unfetched--
		return nil, nil
	}
	return old, nil
}

// Remove 移除索引处的元素，返回原元素，原元素未加载时返回 nil。
func (l *IncrementalFaultList) Remove(index int) (any, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.checkIndex(index); err != nil {
		return nil, err
	}
	old := l.elements[index]
	l.elements = append(l.elements[:index], l.elements[index+1:]...)
	if _, ok := old.(faultKey); ok {
		l.unfetched--
		return nil, nil
	}
	return old, nil
}

func (l *IncrementalFaultList) checkIndex(index int) error {
	if index < 0 || index >= len(l.elements) {
		return fmt.Errorf("XOrm: index %d out of range [0, %d)", index, len(l.elements))
	}
	return nil
}

// resolveInterval 加载 [from, to) 区间内未加载的元素，调用方需持有锁。
// 查询结果按主键放回原位置，数据库中缺失的元素返回错误。
func (l *IncrementalFaultList) resolveInterval(from, to int) error {
	from = max(from, 0)
	to = min(to, len(l.elements))
	if from >= to {
		return nil
	}

	var qualifiers []*orm.Condition
	for i := from; i < to; i++ {
		if key, ok := l.elements[i].(faultKey); ok {
			qualifiers = append(qualifiers, rowQualifier(key))
		}
	}
	if len(qualifiers) == 0 {
		return nil
	}

	start := XTime.GetMicrosecond()
	rows, err := l.context.fetchChunked(l.ctx, l.entity.dbEntity, qualifiers)
	if err != nil {
		return err
	}
	if len(rows) > len(qualifiers) {
		return fmt.Errorf("XOrm: expected %d objects, retrieved %d", len(qualifiers), len(rows))
	}

	resolved := make([]any, len(rows))
	if l.rows {
		for i, row := range rows {
			resolved[i] = row
		}
	} else {
		objs, err := l.context.objectsFromRows(l.ctx, l.entity, rows)
		if err != nil {
			return err
		}
		for i, obj := range objs {
			resolved[i] = obj
		}
	}

	pks := l.entity.PrimaryKeyNames()
	index := make(map[string]any, len(rows))
	for i, row := range rows {
		values := make(map[string]any, len(pks))
		for _, pk := range pks {
			values[pk] = row[pk]
		}
		index[joinKey(values)] = resolved[i]
	}

	var missing []string
	for i := from; i < to; i++ {
		key, ok := l.elements[i].(faultKey)
		if !ok {
			continue
		}
		if v, ok := index[joinKey(key)]; ok {
			l.elements[i] = v
			l.unfetched--
		} else {
			missing = append(missing, formatKeyValues(key))
		}
	}
	faultResolveCounter.Add(float64(len(rows)))
	if XLog.Able(XLog.LevelInfo) {
		XLog.Info("XOrm.IncrementalFaultList.Resolve: resolved %v %v object(s) in [%v, %v) cost %.2fms.",
			len(rows), l.entity.Name, from, to, float64(XTime.GetMicrosecond()-start)/1e3)
	}
	if len(missing) > 0 {
		return fmt.Errorf("XOrm: some %v objects were not found in database: %v", l.entity.Name, strings.Join(missing, ", "))
	}
	return nil
}
