// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"

	"github.com/eframework-org/GO.UTIL/XLog"
)

// EntitySorter 根据外键依赖对数据表及同表对象排序：被引用的表先插入、后删除。
type EntitySorter struct {
	deps      map[string]map[string]struct{} // 表 -> 其引用的表
	reflexive map[string][]*DbRelationship   // 表 -> 引用自身的外键关系
}

// NewEntitySorter 基于映射中的数据表关系构建依赖图。
func NewEntitySorter(resolver *EntityResolver) *EntitySorter {
	s := &EntitySorter{
		deps:      make(map[string]map[string]struct{}),
		reflexive: make(map[string][]*DbRelationship),
	}
	depend := func(from, to string) {
		set := s.deps[from]
		if set == nil {
			set = make(map[string]struct{})
			s.deps[from] = set
		}
		set[to] = struct{}{}
	}
	for _, t := range resolver.Tables {
		for _, r := range t.Relationships {
			if r.target == t {
				if r.HoldsForeignKey() && !r.IsFromPK() {
					s.reflexive[t.Name] = append(s.reflexive[t.Name], r)
				}
				continue
			}
			if r.HoldsForeignKey() {
				depend(t.Name, r.target.Name)
			} else if r.ToDependentPK {
				depend(r.target.Name, t.Name)
			}
		}
	}
	return s
}

// DependsOn 判断 table 是否直接引用 other。
func (s *EntitySorter) DependsOn(table, other string) bool {
	_, ok := s.deps[table][other]
	return ok
}

// SortTables 对数据表进行拓扑排序，没有依赖关系的表保持原有顺序。
// deleteOrder 为 true 时返回删除顺序（即插入顺序的逆序）。
func (s *EntitySorter) SortTables(tables []*DbEntity, deleteOrder bool) []*DbEntity {
	n := len(tables)
	index := make(map[string]int, n)
	for i, t := range tables {
		index[t.Name] = i
	}
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for i, t := range tables {
		for dep := range s.deps[t.Name] {
			if j, ok := index[dep]; ok && j != i {
				indeg[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}
	done := make([]bool, n)
	sorted := make([]*DbEntity, 0, n)
	for len(sorted) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			// 存在环时按原有顺序打破
			for i := 0; i < n; i++ {
				if !done[i] {
					next = i
					break
				}
			}
			XLog.Warn("XOrm.EntitySorter: cycle detected among tables, breaking at %v.", tables[next].Name)
		}
		done[next] = true
		sorted = append(sorted, tables[next])
		for _, d := range dependents[next] {
			indeg[d]--
		}
	}
	if deleteOrder {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}
	return sorted
}

// IsReflexive 判断数据表是否存在引用自身的外键。
func (s *EntitySorter) IsReflexive(table *DbEntity) bool { return len(s.reflexive[table.Name]) > 0 }

// SortObjects 对同一自引用表中的对象排序：被引用的对象在前，删除时相反。
// targetOf 返回对象在指定关系上引用的目标标识。
func (s *EntitySorter) SortObjects(table *DbEntity, objects []*Object, deleteOrder bool, targetOf func(obj *Object, rel *ObjRelationship) *ObjectId) ([]*Object, error) {
	rels := s.reflexive[table.Name]
	if len(rels) == 0 || len(objects) < 2 {
		return objects, nil
	}
	index := make(map[string]int, len(objects))
	for i, o := range objects {
		index[o.id.Key()] = i
	}
	n := len(objects)
	indeg := make([]int, n)
	dependents := make([][]int, n)
	for i, o := range objects {
		for _, r := range o.entity.Relationships {
			if !r.HoldsForeignKey() || !containsRel(rels, r.dbPath[0]) {
				continue
			}
			tid := targetOf(o, r)
			if tid == nil {
				continue
			}
			if j, ok := index[tid.Key()]; ok && j != i {
				indeg[i]++
				dependents[j] = append(dependents[j], i)
			}
		}
	}
	sorted := make([]*Object, 0, n)
	done := make([]bool, n)
	for len(sorted) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indeg[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			return nil, fmt.Errorf("XOrm: sorting objects for %v failed, cycles found", table.Name)
		}
		done[next] = true
		sorted = append(sorted, objects[next])
		for _, d := range dependents[next] {
			indeg[d]--
		}
	}
	if deleteOrder {
		for i, j := 0, len(sorted)-1; i < j; i, j = i+1, j-1 {
			sorted[i], sorted[j] = sorted[j], sorted[i]
		}
	}
	return sorted, nil
}

func containsRel(rels []*DbRelationship, rel *DbRelationship) bool {
	for _, r := range rels {
		if r == rel {
			return true
		}
	}
	return false
}
