// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

// dbDiffBuilder 将对象的变更转换为各数据表的列值，键为表名。
type dbDiffBuilder struct {
	obj    *Object
	values map[string]map[string]ColumnValue
}

// buildDbDiff 构建对象的行级差异：
// 变化的标量属性写入所在表；变化过的持有外键的对一关系写入当前目标的主键；
// 新对象的主表及附属表写入主键。
func buildDbDiff(obj *Object, diff *ObjectDiff) (map[string]map[string]ColumnValue, error) {
	b := &dbDiffBuilder{obj: obj, values: make(map[string]map[string]ColumnValue)}
	if err := diff.appendDiffs(b); err != nil {
		return nil, err
	}

	main := obj.entity.dbEntity
	for name := range diff.changedArcs() {
		rel := obj.entity.Relationship(name)
		if rel == nil || !rel.HoldsForeignKey() {
			continue
		}
		target := obj.currentTargetId(rel)
		row := b.row(main.Name)
		for _, j := range rel.dbPath[0].Joins {
			row[j.Source] = idColumnValue(target, j.Target)
		}
	}

	if obj.state == StateNew {
		row := b.row(main.Name)
		for _, pk := range main.PrimaryKeys() {
			if _, ok := row[pk.Name]; ok {
				continue
			}
			if v, ok := obj.id.Value(pk.Name); ok {
				row[pk.Name] = Literal{Value: v}
			}
		}
	}

	// 附属表的主键来自主表主键
	for _, a := range obj.entity.Attributes {
		if !a.IsFlattened() {
			continue
		}
		row, ok := b.values[a.dbEntity.Name]
		if !ok {
			continue
		}
		for _, j := range a.relPath[0].Joins {
			if _, ok := row[j.Target]; !ok {
				row[j.Target] = idColumnValue(obj.id, j.Source)
			}
		}
	}
	return b.values, nil
}

func (b *dbDiffBuilder) row(table string) map[string]ColumnValue {
	row := b.values[table]
	if row == nil {
		row = make(map[string]ColumnValue)
		b.values[table] = row
	}
	return row
}

// idColumnValue 从对象标识读取列值：永久标识为字面量，临时标识延迟解析。
func idColumnValue(id *ObjectId, column string) ColumnValue {
	if id == nil {
		return Literal{}
	}
	if !id.IsTemporary() {
		v, _ := id.Value(column)
		return Literal{Value: v}
	}
	return DeferredFromId{Id: id, Column: column}
}

func (b *dbDiffBuilder) NodePropertyChanged(id *ObjectId, property string, oldValue, newValue any) {
	a := b.obj.entity.Attribute(property)
	if a == nil {
		return
	}
	b.row(a.dbEntity.Name)[a.column.Name] = Literal{Value: newValue}
}

func (b *dbDiffBuilder) ArcCreated(id, targetId *ObjectId, arc string) error { return nil }

func (b *dbDiffBuilder) ArcDeleted(id, targetId *ObjectId, arc string) error { return nil }

func (b *dbDiffBuilder) NodeIdChanged(id, newId *ObjectId) {}

func (b *dbDiffBuilder) NodeCreated(id *ObjectId) {}

func (b *dbDiffBuilder) NodeRemoved(id *ObjectId) {}
