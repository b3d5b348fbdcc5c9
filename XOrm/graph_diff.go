// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

// ObjectDiff 记录了单个对象自上次一致状态以来的全部变更。
// 基线快照包含标量属性及持有外键的对一关系目标标识，NEW 对象没有基线。
type ObjectDiff struct {
	object      *Object
	snapshot    map[string]any
	arcSnapshot map[string]*ObjectId
	ops         []GraphDiff
	flat        *flattenedArcs
}

// newObjectDiff 创建变更记录，对已入库的对象捕获基线快照。
func newObjectDiff(obj *Object) *ObjectDiff {
	diff := &ObjectDiff{object: obj, flat: newFlattenedArcs()}
	switch obj.state {
	case StateCommitted, StateModified, StateDeleted:
		diff.snapshot = make(map[string]any, len(obj.entity.Attributes))
		for _, a := range obj.entity.Attributes {
			diff.snapshot[a.Name] = obj.values[a.Name]
		}
		diff.arcSnapshot = make(map[string]*ObjectId)
		for _, r := range obj.entity.Relationships {
			if r.HoldsForeignKey() {
				diff.arcSnapshot[r.Name] = obj.currentTargetId(r)
			}
		}
	}
	return diff
}

// Object 返回变更所属的对象。
func (d *ObjectDiff) Object() *Object { return d.object }

// HasSnapshot 判断是否存在基线快照。
func (d *ObjectDiff) HasSnapshot() bool { return d.snapshot != nil }

// SnapshotValue 返回属性的基线值。
func (d *ObjectDiff) SnapshotValue(property string) any {
	if d.snapshot == nil {
		return nil
	}
	return d.snapshot[property]
}

// ArcSnapshotValue 返回对一关系的基线目标标识。
func (d *ObjectDiff) ArcSnapshotValue(rel string) *ObjectId {
	if d.arcSnapshot == nil {
		return nil
	}
	return d.arcSnapshot[rel]
}

// addOp 追加一个非属性类的变更操作。
func (d *ObjectDiff) addOp(op GraphDiff) { d.ops = append(d.ops, op) }

// recordPropertyChange 记录标量属性的变更。
func (d *ObjectDiff) recordPropertyChange(property string, oldValue, newValue any) {
	d.ops = append(d.ops, &NodePropertyChangeOperation{Id: d.object.id, Property: property, OldValue: oldValue, NewValue: newValue})
}

// recordArcChange 记录关系边的变更。
// 对多关系及扁平关系上相反方向的同一条边相互抵消，扁平关系同时登记连接表操作。
func (d *ObjectDiff) recordArcChange(targetId *ObjectId, arc string, isDelete bool) {
	rel := d.object.entity.Relationship(arc)
	if rel != nil && (rel.IsFlattened() || rel.IsToMany()) {
		if rel.IsFlattened() {
			op := FlattenedInsert
			if isDelete {
				op = FlattenedDelete
			}
			key, fa := canonicalArc(rel, d.object.id, targetId, op)
			if !d.flat.record(key, fa) {
				d.ops = append(d.ops, &ArcOperation{Id: d.object.id, TargetId: targetId, Arc: arc, Delete: isDelete})
				return
			}
		}
		for i := len(d.ops) - 1; i >= 0; i-- {
			if prev, ok := d.ops[i].(*ArcOperation); ok && prev.Arc == arc && prev.Delete != isDelete && prev.TargetId.Equals(targetId) {
				d.ops = append(d.ops[:i], d.ops[i+1:]...)
				return
			}
		}
	}
	d.ops = append(d.ops, &ArcOperation{Id: d.object.id, TargetId: targetId, Arc: arc, Delete: isDelete})
}

// IsNoop 判断对象相对基线是否没有任何需要写入数据库的变更。
func (d *ObjectDiff) IsNoop() bool {
	if d.snapshot == nil || d.flat.len() > 0 {
		return false
	}
	obj := d.object
	if obj.state == StateNew || obj.state == StateDeleted {
		return false
	}
	for _, a := range obj.entity.Attributes {
		if !valuesEqual(d.snapshot[a.Name], obj.values[a.Name]) {
			return false
		}
	}
	for name, baseline := range d.arcSnapshot {
		rel := obj.entity.Relationship(name)
		if !baseline.Equals(obj.currentTargetId(rel)) {
			return false
		}
	}
	return true
}

// changedArcs 返回操作中出现过的关系名称。
func (d *ObjectDiff) changedArcs() map[string]struct{} {
	arcs := make(map[string]struct{})
	for _, op := range d.ops {
		if arc, ok := op.(*ArcOperation); ok {
			arcs[arc.Arc] = struct{}{}
		}
	}
	return arcs
}

// appendDiffs 按记录顺序回放全部操作，最后回放一个合成操作：自基线以来发生变化的全部标量属性。
// 单个属性的历史变更不会单独回放，合成操作携带其最终值。
func (d *ObjectDiff) appendDiffs(h GraphChangeHandler) error {
	for _, op := range d.ops {
		if _, ok := op.(*NodePropertyChangeOperation); ok {
			continue
		}
		if err := op.Apply(h); err != nil {
			return err
		}
	}
	obj := d.object
	for _, a := range obj.entity.Attributes {
		cur := obj.values[a.Name]
		if d.snapshot == nil {
			if cur != nil {
				h.NodePropertyChanged(obj.id, a.Name, nil, cur)
			}
		} else if old := d.snapshot[a.Name]; !valuesEqual(old, cur) {
			h.NodePropertyChanged(obj.id, a.Name, old, cur)
		}
	}
	return nil
}

// Changes 返回记录的操作副本，属性变更按发生顺序保留。
func (d *ObjectDiff) Changes() []GraphDiff {
	return append([]GraphDiff(nil), d.ops...)
}
