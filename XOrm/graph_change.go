// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

// GraphChangeHandler 接收对象图变更的回放，用于构建行级差异、提取间接变更及同步其他上下文。
type GraphChangeHandler interface {
	NodeIdChanged(id, newId *ObjectId)
	NodeCreated(id *ObjectId)
	NodeRemoved(id *ObjectId)
	NodePropertyChanged(id *ObjectId, property string, oldValue, newValue any)
	ArcCreated(id, targetId *ObjectId, arc string) error
	ArcDeleted(id, targetId *ObjectId, arc string) error
}

// GraphDiff 是单个可回放的变更操作。
type GraphDiff interface {
	Apply(handler GraphChangeHandler) error
}

// NodeCreateOperation 记录对象的新建。
type NodeCreateOperation struct {
	Id *ObjectId
}

func (op *NodeCreateOperation) Apply(h GraphChangeHandler) error {
	h.NodeCreated(op.Id)
	return nil
}

// NodeDeleteOperation 记录对象的删除。
type NodeDeleteOperation struct {
	Id *ObjectId
}

func (op *NodeDeleteOperation) Apply(h GraphChangeHandler) error {
	h.NodeRemoved(op.Id)
	return nil
}

// NodeIdChangeOperation 记录临时标识被永久标识替换。
type NodeIdChangeOperation struct {
	Id    *ObjectId
	NewId *ObjectId
}

func (op *NodeIdChangeOperation) Apply(h GraphChangeHandler) error {
	h.NodeIdChanged(op.Id, op.NewId)
	return nil
}

// NodePropertyChangeOperation 记录标量属性的变更。
type NodePropertyChangeOperation struct {
	Id       *ObjectId
	Property string
	OldValue any
	NewValue any
}

func (op *NodePropertyChangeOperation) Apply(h GraphChangeHandler) error {
	h.NodePropertyChanged(op.Id, op.Property, op.OldValue, op.NewValue)
	return nil
}

// ArcOperation 记录关系边的新增或删除。
type ArcOperation struct {
	Id       *ObjectId
	TargetId *ObjectId
	Arc      string
	Delete   bool
}

func (op *ArcOperation) Apply(h GraphChangeHandler) error {
	if op.Delete {
		return h.ArcDeleted(op.Id, op.TargetId, op.Arc)
	}
	return h.ArcCreated(op.Id, op.TargetId, op.Arc)
}

// CompoundDiff 按顺序组合多个变更。
type CompoundDiff struct {
	Diffs []GraphDiff
}

func (cd *CompoundDiff) Add(diff GraphDiff) { cd.Diffs = append(cd.Diffs, diff) }

func (cd *CompoundDiff) IsNoop() bool { return len(cd.Diffs) == 0 }

func (cd *CompoundDiff) Apply(h GraphChangeHandler) error {
	for _, d := range cd.Diffs {
		if err := d.Apply(h); err != nil {
			return err
		}
	}
	return nil
}

// FlattenedOp 是连接表行的待执行操作。
type FlattenedOp int

const (
	FlattenedInsert FlattenedOp = iota + 1
	FlattenedDelete
)

func (op FlattenedOp) String() string {
	switch op {
	case FlattenedInsert:
		return "INSERT"
	case FlattenedDelete:
		return "DELETE"
	}
	return "NONE"
}

// FlattenedArcKey 标识连接表中的一行：源对象、目标对象及扁平关系。
// 双向关系的两端会被规范化为同一个键。
type FlattenedArcKey struct {
	Entity       string
	Relationship string
	Source       string
	Target       string
}

// flattenedArc 保存键对应的对象标识，用于构建连接表行。
type flattenedArc struct {
	rel    *ObjRelationship
	source *ObjectId
	target *ObjectId
	op     FlattenedOp
}

// flattenedArcs 是按键记录的连接表操作集合。
type flattenedArcs struct {
	arcs  map[FlattenedArcKey]*flattenedArc
	order []FlattenedArcKey
}

func newFlattenedArcs() *flattenedArcs {
	return &flattenedArcs{arcs: make(map[FlattenedArcKey]*flattenedArc)}
}

// record 记录一次连接表操作：相反方向的已有操作会被抵消并移除，相同方向的重复记录保持不变。
// 返回 true 表示发生了抵消。
func (fa *flattenedArcs) record(key FlattenedArcKey, arc *flattenedArc) bool {
	if prev, ok := fa.arcs[key]; ok {
		if prev.op != arc.op {
			delete(fa.arcs, key)
			for i, k := range fa.order {
				if k == key {
					fa.order = append(fa.order[:i], fa.order[i+1:]...)
					break
				}
			}
			return true
		}
		return false
	}
	fa.arcs[key] = arc
	fa.order = append(fa.order, key)
	return false
}

func (fa *flattenedArcs) len() int { return len(fa.arcs) }

// list 按记录顺序返回指定方向的操作。
func (fa *flattenedArcs) list(op FlattenedOp) []*flattenedArc {
	var ret []*flattenedArc
	for _, k := range fa.order {
		if a := fa.arcs[k]; a.op == op {
			ret = append(ret, a)
		}
	}
	return ret
}

// newFlattenedArcKey 构建规范化的键：当关系存在反向关系时，以名称较小的一端为准。
func newFlattenedArcKey(rel *ObjRelationship, source, target *ObjectId) FlattenedArcKey {
	if rev := rel.ReverseRelationship(); rev != nil {
		if rev.Entity().Name+"."+rev.Name < rel.Entity().Name+"."+rel.Name {
			return FlattenedArcKey{Entity: rev.Entity().Name, Relationship: rev.Name, Source: target.Key(), Target: source.Key()}
		}
	}
	return FlattenedArcKey{Entity: rel.Entity().Name, Relationship: rel.Name, Source: source.Key(), Target: target.Key()}
}

// canonicalArc 返回与规范化键方向一致的连接表操作。
func canonicalArc(rel *ObjRelationship, source, target *ObjectId, op FlattenedOp) (FlattenedArcKey, *flattenedArc) {
	key := newFlattenedArcKey(rel, source, target)
	if key.Relationship != rel.Name || key.Entity != rel.Entity().Name {
		return key, &flattenedArc{rel: rel.ReverseRelationship(), source: target, target: source, op: op}
	}
	return key, &flattenedArc{rel: rel, source: source, target: target, op: op}
}
