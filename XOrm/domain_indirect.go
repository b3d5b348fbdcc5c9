// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

// indirectDiffBuilder 从变更中提取不属于对象自身行的间接变更：
// 扁平关系对应的连接表操作，以及对多关系变化导致的源对象间接修改。
type indirectDiffBuilder struct {
	resolver *EntityResolver
	flat     *flattenedArcs
	indirect map[string]*ObjectId
	order    []*ObjectId
}

func newIndirectDiffBuilder(resolver *EntityResolver) *indirectDiffBuilder {
	return &indirectDiffBuilder{
		resolver: resolver,
		flat:     newFlattenedArcs(),
		indirect: make(map[string]*ObjectId),
	}
}

// processIndirectChanges 依次回放全部变更。
func (b *indirectDiffBuilder) processIndirectChanges(diffs []*ObjectDiff) error {
	for _, d := range diffs {
		if err := d.appendDiffs(b); err != nil {
			return err
		}
	}
	return nil
}

// IndirectlyModifiedIds 返回被间接修改的永久标识，按发现顺序。
func (b *indirectDiffBuilder) IndirectlyModifiedIds() []*ObjectId { return b.order }

func (b *indirectDiffBuilder) markIndirect(id *ObjectId) {
	if id.IsTemporary() {
		return
	}
	if _, ok := b.indirect[id.Key()]; ok {
		return
	}
	b.indirect[id.Key()] = id
	b.order = append(b.order, id)
}

func (b *indirectDiffBuilder) arcChanged(id, targetId *ObjectId, arc string, op FlattenedOp) error {
	entity := b.resolver.Entity(id.Entity())
	if entity == nil {
		return nil
	}
	rel := entity.Relationship(arc)
	if rel == nil {
		return nil
	}
	if rel.IsFlattened() {
		if rel.IsReadOnly() {
			return configError("can't change read-only flattened relationship '%v.%v'", entity.Name, rel.Name)
		}
		key, fa := canonicalArc(rel, id, targetId, op)
		b.flat.record(key, fa)
	}
	if rel.IsFlattened() || rel.IsToMany() {
		b.markIndirect(id)
	}
	return nil
}

func (b *indirectDiffBuilder) ArcCreated(id, targetId *ObjectId, arc string) error {
	return b.arcChanged(id, targetId, arc, FlattenedInsert)
}

func (b *indirectDiffBuilder) ArcDeleted(id, targetId *ObjectId, arc string) error {
	return b.arcChanged(id, targetId, arc, FlattenedDelete)
}

func (b *indirectDiffBuilder) NodeIdChanged(id, newId *ObjectId) {}

func (b *indirectDiffBuilder) NodeCreated(id *ObjectId) {}

func (b *indirectDiffBuilder) NodeRemoved(id *ObjectId) {}

func (b *indirectDiffBuilder) NodePropertyChanged(id *ObjectId, property string, oldValue, newValue any) {
}
