// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XObject"
	lru "github.com/hashicorp/golang-lru"
)

// SnapshotChange 是单个对象提交后的行快照。
type SnapshotChange struct {
	Id  *ObjectId
	Row DataRow
}

// SnapshotEvent 描述了一次提交对共享缓存的影响，Source 为发起提交的上下文。
type SnapshotEvent struct {
	Source      any
	Modified    []SnapshotChange
	Deleted     []*ObjectId
	Invalidated []*ObjectId
	Indirect    []*ObjectId // 被间接修改（如对多关系变化）的对象
}

// SnapshotListener 接收共享缓存的变更事件。
type SnapshotListener interface {
	OnSnapshotEvent(event *SnapshotEvent)
}

// DataRowStore 是数据域内各上下文共享的行快照缓存，容量受 LRU 限制。
// 缓存及监听器均为协程安全的。
type DataRowStore struct {
	name       string
	cache      *lru.Cache
	commitMu   sync.Mutex
	listenerMu sync.RWMutex
	listeners  []SnapshotListener
}

// NewDataRowStore 创建行缓存，size 不大于 0 时使用默认容量。
func NewDataRowStore(name string, size int) *DataRowStore {
	if size <= 0 {
		size = defaultCacheSize
	}
	cache, err := lru.New(size)
	if err != nil {
		XLog.Panic("XOrm.DataRowStore: create cache of %v failed: %v", name, err)
		return nil
	}
	return &DataRowStore{name: name, cache: cache}
}

// Name 返回缓存名称。
func (s *DataRowStore) Name() string { return s.name }

// Snapshot 返回标识对应的行快照副本，不存在时返回 nil。
func (s *DataRowStore) Snapshot(id *ObjectId) DataRow {
	if id == nil || id.IsTemporary() {
		return nil
	}
	if val, ok := s.cache.Get(id.Key()); ok {
		return copyRow(val.(DataRow))
	}
	return nil
}

// put 缓存查询得到的行，不通知监听器。
func (s *DataRowStore) put(id *ObjectId, row DataRow) {
	if id == nil || id.IsTemporary() || row == nil {
		return
	}
	s.cache.Add(id.Key(), copyRow(row))
	snapshotCacheGauge.Set(float64(s.cache.Len()))
}

// Size 返回缓存的行数。
func (s *DataRowStore) Size() int { return s.cache.Len() }

// AddListener 添加监听器。
func (s *DataRowStore) AddListener(listener SnapshotListener) {
	s.listenerMu.Lock()
	s.listeners = append(s.listeners, listener)
	s.listenerMu.Unlock()
}

// RemoveListener 移除监听器。
func (s *DataRowStore) RemoveListener(listener SnapshotListener) {
	s.listenerMu.Lock()
	defer s.listenerMu.Unlock()
	for i, l := range s.listeners {
		if l == listener {
			s.listeners = append(s.listeners[:i], s.listeners[i+1:]...)
			return
		}
	}
}

// ProcessSnapshotChanges 以提交结果更新缓存并通知全部监听器。
func (s *DataRowStore) ProcessSnapshotChanges(event *SnapshotEvent) {
	for _, m := range event.Modified {
		if m.Id != nil && !m.Id.IsTemporary() {
			s.cache.Add(m.Id.Key(), copyRow(m.Row))
		}
	}
	for _, ids := range [][]*ObjectId{event.Deleted, event.Invalidated, event.Indirect} {
		for _, id := range ids {
			s.cache.Remove(id.Key())
		}
	}
	snapshotCacheGauge.Set(float64(s.cache.Len()))

	s.listenerMu.RLock()
	listeners := append([]SnapshotListener(nil), s.listeners...)
	s.listenerMu.RUnlock()
	for _, l := range listeners {
		l.OnSnapshotEvent(event)
	}
}

// Dump 清除缓存的数据，ids 为空时清除全部。
func (s *DataRowStore) Dump(ids ...*ObjectId) {
	if len(ids) == 0 {
		s.cache.Purge()
		XLog.Notice("XOrm.Dump: all snapshots of %v has been dumpped.", s.name)
	} else {
		for _, id := range ids {
			s.cache.Remove(id.Key())
		}
	}
	snapshotCacheGauge.Set(float64(s.cache.Len()))
}

// Print 生成缓存的文本信息，按键排序。
func (s *DataRowStore) Print() string {
	keys := s.cache.Keys()
	names := make([]string, 0, len(keys))
	for _, k := range keys {
		names = append(names, k.(string))
	}
	sort.Strings(names)

	var ctt strings.Builder
	ctt.WriteString(fmt.Sprintf("[Data:%v]\n", s.name))
	for _, k := range names {
		val, ok := s.cache.Peek(k)
		if !ok {
			continue
		}
		json, _ := XObject.ToJson(val)
		ctt.WriteString("\t")
		ctt.WriteString(k)
		ctt.WriteString(" = ")
		ctt.WriteString(json)
		ctt.WriteString("\n")
	}
	return ctt.String()
}

func copyRow(row DataRow) DataRow {
	if row == nil {
		return nil
	}
	ret := make(DataRow, len(row))
	for k, v := range row {
		ret[k] = v
	}
	return ret
}
