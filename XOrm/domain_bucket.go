// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"strconv"
	"strings"
)

// statementGroup 将行按数据表及列签名归并为批量语句，保持首次出现的顺序。
type statementGroup struct {
	stmts []*BatchStatement
	index map[string]*BatchStatement
	last  string
}

func newStatementGroup() *statementGroup {
	return &statementGroup{index: make(map[string]*BatchStatement)}
}

// add 追加一行。contiguous 为 true 时仅与紧邻的前一条语句合并，用于保持自引用表的行顺序。
func (g *statementGroup) add(table *DbEntity, kind OperationKind, values, qualifier map[string]ColumnValue, generated string, locking bool, id *ObjectId, contiguous bool) {
	columns := orderedColumns(table, values)
	qcolumns := orderedColumns(table, qualifier)
	sig := table.Name + "|" + strconv.Itoa(int(kind)) + "|" + strings.Join(columns, ",") + "|" + strings.Join(qcolumns, ",") + "|" + generated + "|" + strconv.FormatBool(locking)
	stmt := g.index[sig]
	if stmt == nil || (contiguous && g.last != sig) {
		stmt = &BatchStatement{
			Table:            table,
			Kind:             kind,
			Columns:          columns,
			QualifierColumns: qcolumns,
			GeneratedColumn:  generated,
			Locking:          locking,
		}
		g.index[sig] = stmt
		g.stmts = append(g.stmts, stmt)
	}
	g.last = sig
	stmt.Rows = append(stmt.Rows, &BatchRow{Id: id, Values: values, Qualifier: qualifier})
}

// orderedColumns 按数据表的列声明顺序返回出现的列。
func orderedColumns(table *DbEntity, values map[string]ColumnValue) []string {
	if len(values) == 0 {
		return nil
	}
	columns := make([]string, 0, len(values))
	for _, a := range table.Attributes {
		if _, ok := values[a.Name]; ok {
			columns = append(columns, a.Name)
		}
	}
	return columns
}

// syncBucket 按实体覆盖的数据表归组对象。
type syncBucket struct {
	action  *flushAction
	objects map[string][]*Object
	tables  []*DbEntity
}

func newSyncBucket(action *flushAction) syncBucket {
	return syncBucket{action: action, objects: make(map[string][]*Object)}
}

func (b *syncBucket) appendObject(obj *Object) {
	for _, t := range obj.entity.Tables() {
		if _, ok := b.objects[t.Name]; !ok {
			b.tables = append(b.tables, t)
		}
		b.objects[t.Name] = append(b.objects[t.Name], obj)
	}
}

func (b *syncBucket) isEmpty() bool { return len(b.tables) == 0 }

func (b *syncBucket) sortedTables(deleteOrder bool) []*DbEntity {
	return b.action.domain.sorter.SortTables(b.tables, deleteOrder)
}

// pkQualifier 返回定位对象在指定数据表中的行的条件。
func pkQualifier(obj *Object, table *DbEntity) map[string]ColumnValue {
	q := make(map[string]ColumnValue)
	if table == obj.entity.dbEntity {
		for _, pk := range table.PrimaryKeyNames() {
			q[pk] = idColumnValue(obj.id, pk)
		}
		return q
	}
	for _, a := range obj.entity.Attributes {
		if a.IsFlattened() && a.dbEntity == table {
			for _, j := range a.relPath[0].Joins {
				q[j.Target] = idColumnValue(obj.id, j.Source)
			}
			break
		}
	}
	return q
}

// appendLockQualifier 为乐观锁实体追加基线条件：参与锁定的属性及对一关系的外键。
func appendLockQualifier(obj *Object, diff *ObjectDiff, q map[string]ColumnValue) {
	for _, a := range obj.entity.Attributes {
		if a.UsedForLocking && !a.IsFlattened() {
			q[a.column.Name] = Literal{Value: diff.SnapshotValue(a.Name)}
		}
	}
	for _, r := range obj.entity.Relationships {
		if !r.UsedForLocking || !r.HoldsForeignKey() {
			continue
		}
		baseline := diff.ArcSnapshotValue(r.Name)
		for _, j := range r.dbPath[0].Joins {
			q[j.Source] = idColumnValue(baseline, j.Target)
		}
	}
}

// insertBucket 生成新对象的主键及 INSERT 语句。
type insertBucket struct {
	syncBucket
}

// generatePrimaryKeys 为新对象的主表主键取值，依次尝试：
// 映射到主键的属性、数据库自动生成、从主表主键传播、数据节点的主键生成器。
func (b *insertBucket) generatePrimaryKeys(ctx context.Context) error {
	for _, table := range b.tables {
		node := b.action.domain.nodeFor(table)
		for _, obj := range b.objects[table.Name] {
			if obj.entity.dbEntity != table || !obj.id.IsTemporary() {
				continue
			}
			var pending []string
			for _, pk := range table.PrimaryKeys() {
				if v, ok := obj.id.replacement[pk.Name]; ok && v != nil {
					continue
				}
				if a := obj.entity.MeaningfulPK(pk.Name); a != nil {
					if v := obj.values[a.Name]; v != nil {
						obj.id.replacement[pk.Name] = v
						continue
					}
				}
				if pk.Generated && node.Adapter().SupportsGeneratedKeys {
					continue
				}
				if isPropagatedPK(table, pk.Name) {
					continue
				}
				pending = append(pending, pk.Name)
			}
			if len(pending) > 1 {
				return configError("can't generate multi-column primary key %v of table '%v'", pending, table.Name)
			}
			if len(pending) == 1 {
				v, err := node.PkGenerator().GenerateKey(ctx, node, table, pending[0])
				if err != nil {
					return err
				}
				obj.id.replacement[pending[0]] = v
			}
		}
	}
	return nil
}

// isPropagatedPK 判断主键列是否由主表主键传播而来。
func isPropagatedPK(table *DbEntity, column string) bool {
	for _, r := range table.Relationships {
		if !r.IsToMasterPK() {
			continue
		}
		for _, j := range r.Joins {
			if j.Source == column {
				return true
			}
		}
	}
	return false
}

func (b *insertBucket) statements() ([]*BatchStatement, error) {
	g := newStatementGroup()
	sorter := b.action.domain.sorter
	for _, table := range b.sortedTables(false) {
		objs, err := sorter.SortObjects(table, b.objects[table.Name], false, func(o *Object, r *ObjRelationship) *ObjectId {
			return o.currentTargetId(r)
		})
		if err != nil {
			return nil, err
		}
		reflexive := sorter.IsReflexive(table)
		adapter := b.action.domain.nodeFor(table).Adapter()
		for _, obj := range objs {
			values, err := b.action.dbDiff(obj)
			if err != nil {
				return nil, err
			}
			row := values[table.Name]
			main := table == obj.entity.dbEntity
			if !main && len(row) == 0 {
				continue
			}
			if row == nil {
				row = make(map[string]ColumnValue)
			}
			generated := ""
			if main && adapter.SupportsGeneratedKeys {
				for _, pk := range table.PrimaryKeys() {
					if _, ok := row[pk.Name]; !ok && pk.Generated {
						generated = pk.Name
					}
				}
			}
			g.add(table, OperationInsert, row, nil, generated, false, obj.id, reflexive)
		}
	}
	return g.stmts, nil
}

// updateBucket 生成已修改对象的 UPDATE 语句。
type updateBucket struct {
	syncBucket
}

func (b *updateBucket) statements() ([]*BatchStatement, error) {
	g := newStatementGroup()
	for _, table := range b.sortedTables(false) {
		for _, obj := range b.objects[table.Name] {
			values, err := b.action.dbDiff(obj)
			if err != nil {
				return nil, err
			}
			row := values[table.Name]
			if len(row) == 0 {
				continue
			}
			q := pkQualifier(obj, table)
			locking := table == obj.entity.dbEntity && obj.entity.IsOptimisticLocking()
			if locking {
				appendLockQualifier(obj, b.action.diffs[obj], q)
			}
			g.add(table, OperationUpdate, row, q, "", locking, obj.id, false)
		}
	}
	return g.stmts, nil
}

// deleteBucket 生成已删除对象的 DELETE 语句。
type deleteBucket struct {
	syncBucket
}

func (b *deleteBucket) statements() ([]*BatchStatement, error) {
	g := newStatementGroup()
	sorter := b.action.domain.sorter
	for _, table := range b.sortedTables(true) {
		objs, err := sorter.SortObjects(table, b.objects[table.Name], true, func(o *Object, r *ObjRelationship) *ObjectId {
			if d := b.action.diffs[o]; d != nil && d.HasSnapshot() {
				return d.ArcSnapshotValue(r.Name)
			}
			return o.currentTargetId(r)
		})
		if err != nil {
			return nil, err
		}
		reflexive := sorter.IsReflexive(table)
		for _, obj := range objs {
			q := pkQualifier(obj, table)
			locking := table == obj.entity.dbEntity && obj.entity.IsOptimisticLocking()
			if locking {
				appendLockQualifier(obj, b.action.diffs[obj], q)
			}
			g.add(table, OperationDelete, nil, q, "", locking, obj.id, reflexive)
		}
	}
	return g.stmts, nil
}

// flattenedBucket 生成扁平关系对应的连接表语句。
type flattenedBucket struct {
	arcs *flattenedArcs
}

func (b *flattenedBucket) statements(op FlattenedOp) []*BatchStatement {
	g := newStatementGroup()
	for _, arc := range b.arcs.list(op) {
		first, second := arc.rel.dbPath[0], arc.rel.dbPath[1]
		row := make(map[string]ColumnValue, len(first.Joins)+len(second.Joins))
		for _, j := range first.Joins {
			row[j.Target] = idColumnValue(arc.source, j.Source)
		}
		for _, j := range second.Joins {
			row[j.Source] = idColumnValue(arc.target, j.Target)
		}
		if op == FlattenedInsert {
			g.add(first.target, OperationInsert, row, nil, "", false, nil, false)
		} else {
			g.add(first.target, OperationDelete, nil, row, "", false, nil, false)
		}
	}
	return g.stmts
}
