// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"errors"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XTime"
)

// flushAction 将一次提交的全部变更写入数据库并更新共享缓存。
type flushAction struct {
	domain   *DataDomain
	context  *ObjectContext
	diffs    map[*Object]*ObjectDiff
	order    []*ObjectDiff
	dbDiffs  map[*Object]map[string]map[string]ColumnValue
	indirect *indirectDiffBuilder
	inserts  *insertBucket
	updates  *updateBucket
	deletes  *deleteBucket
	flat     *flattenedBucket
}

// flushResult 是提交成功后的结果。
type flushResult struct {
	replaced   map[*Object]*ObjectId // 新对象的永久标识
	idChanges  *CompoundDiff         // 临时标识至永久标识的变更
	indirect   []*ObjectId           // 被间接修改的对象
	statements int                   // 执行的语句数
}

func newFlushAction(domain *DataDomain, oc *ObjectContext) *flushAction {
	fa := &flushAction{
		domain:   domain,
		context:  oc,
		diffs:    make(map[*Object]*ObjectDiff),
		dbDiffs:  make(map[*Object]map[string]map[string]ColumnValue),
		indirect: newIndirectDiffBuilder(domain.resolver),
	}
	fa.inserts = &insertBucket{newSyncBucket(fa)}
	fa.updates = &updateBucket{newSyncBucket(fa)}
	fa.deletes = &deleteBucket{newSyncBucket(fa)}
	fa.flat = &flattenedBucket{arcs: fa.indirect.flat}
	return fa
}

// dbDiff 返回对象的行级差异，首次调用时构建。须在主键生成之后调用。
func (fa *flushAction) dbDiff(obj *Object) (map[string]map[string]ColumnValue, error) {
	if values, ok := fa.dbDiffs[obj]; ok {
		return values, nil
	}
	values, err := buildDbDiff(obj, fa.diffs[obj])
	if err != nil {
		return nil, err
	}
	fa.dbDiffs[obj] = values
	return values, nil
}

// flush 执行提交：提取间接变更、归类对象、生成主键、构建并执行语句，最后更新共享缓存。
func (fa *flushAction) flush(ctx context.Context, diffs []*ObjectDiff) (result *flushResult, err error) {
	store := fa.domain.store
	store.lockCommit("XOrm.Flush")
	defer store.unlockCommit()

	start := XTime.GetMicrosecond()
	defer func() {
		if err != nil {
			flushErrorCounter.Inc()
		} else if result != nil && result.statements > 0 {
			flushCounter.Inc()
			flushDuration.Observe(float64(XTime.GetMicrosecond()-start) / 1e6)
		}
	}()

	if err := fa.indirect.processIndirectChanges(diffs); err != nil {
		return nil, err
	}
	for _, d := range diffs {
		obj := d.object
		fa.diffs[obj] = d
		fa.order = append(fa.order, d)
		switch obj.state {
		case StateNew:
			fa.inserts.appendObject(obj)
		case StateModified:
			if !d.IsNoop() {
				fa.updates.appendObject(obj)
			}
		case StateDeleted:
			fa.deletes.appendObject(obj)
		}
	}
	result = &flushResult{replaced: make(map[*Object]*ObjectId), idChanges: &CompoundDiff{}}
	if fa.inserts.isEmpty() && fa.updates.isEmpty() && fa.deletes.isEmpty() && fa.indirect.flat.len() == 0 {
		return result, nil
	}

	if err := fa.inserts.generatePrimaryKeys(ctx); err != nil {
		return nil, err
	}
	stmts, err := fa.buildStatements()
	if err != nil {
		return nil, err
	}

	tx := CurrentTransaction()
	owned := tx == nil
	if owned {
		tx = NewTransaction()
		BindTransaction(tx)
		defer UnbindTransaction()
	} else if tx.IsRollbackOnly() {
		return nil, &FlushError{Cause: ErrRollbackOnly}
	}
	err = fa.execute(ctx, tx, stmts)
	if err == nil {
		err = fa.replaceIds(result)
	}
	if err != nil {
		tx.SetRollbackOnly()
		if owned {
			if rerr := tx.Rollback(); rerr != nil {
				XLog.Error("XOrm.Flush: rollback failed: %v", rerr)
			}
		}
		XLog.Error("XOrm.Flush: %v", err)
		return nil, &FlushError{Cause: err}
	}
	if owned {
		if err := tx.Commit(); err != nil {
			return nil, &FlushError{Cause: err}
		}
	}
	result.statements = len(stmts)
	result.indirect = fa.indirect.IndirectlyModifiedIds()
	fa.postprocess(result)
	return result, nil
}

// buildStatements 按 插入、连接表插入、更新、连接表删除、删除 的顺序构建语句。
func (fa *flushAction) buildStatements() ([]*BatchStatement, error) {
	var stmts []*BatchStatement
	inserts, err := fa.inserts.statements()
	if err != nil {
		return nil, err
	}
	stmts = append(stmts, inserts...)
	stmts = append(stmts, fa.flat.statements(FlattenedInsert)...)
	updates, err := fa.updates.statements()
	if err != nil {
		return nil, err
	}
	stmts = append(stmts, updates...)
	stmts = append(stmts, fa.flat.statements(FlattenedDelete)...)
	deletes, err := fa.deletes.statements()
	if err != nil {
		return nil, err
	}
	stmts = append(stmts, deletes...)
	return stmts, nil
}

// execute 逐条执行语句：执行前解析延迟值，执行后回填数据库生成的主键并校验乐观锁。
func (fa *flushAction) execute(ctx context.Context, tx *Transaction, stmts []*BatchStatement) error {
	for _, stmt := range stmts {
		node := fa.domain.nodeFor(stmt.Table)
		if err := stmt.resolve(); err != nil {
			return err
		}
		if stmt.Kind == OperationInsert {
			fa.propagateKeys(stmt)
		}
		result, err := node.PerformBatch(ctx, tx, stmt)
		if err != nil {
			return err
		}
		rowCounter.WithLabelValues(stmt.Kind.String()).Add(float64(len(stmt.Rows)))
		for i, row := range stmt.Rows {
			if stmt.GeneratedColumn != "" && row.Id != nil && row.Id.IsTemporary() && i < len(result.Keys) && result.Keys[i] != nil {
				row.Id.replacement[stmt.GeneratedColumn] = stmt.Table.Attribute(stmt.GeneratedColumn).convert(result.Keys[i])
			}
			if stmt.Locking && (i >= len(result.Counts) || result.Counts[i] != 1) {
				qualifier := make(map[string]any, len(row.Qualifier))
				for col, v := range row.Qualifier {
					qualifier[col] = literalOf(v)
				}
				return &OptimisticLockError{Table: stmt.Table.Name, Id: row.Id, Qualifier: qualifier}
			}
		}
	}
	return nil
}

// propagateKeys 将插入主表的主键值写入临时标识的替换映射，如从主表传播而来的主键。
func (fa *flushAction) propagateKeys(stmt *BatchStatement) {
	for _, row := range stmt.Rows {
		if row.Id == nil || !row.Id.IsTemporary() {
			continue
		}
		entity := fa.domain.resolver.Entity(row.Id.Entity())
		if entity == nil || entity.dbEntity != stmt.Table {
			continue
		}
		for _, pk := range stmt.Table.PrimaryKeyNames() {
			if v := literalOf(row.Values[pk]); v != nil {
				row.Id.replacement[pk] = v
			}
		}
	}
}

// replaceIds 为全部新对象创建永久标识，任一主键缺失时提交失败。
func (fa *flushAction) replaceIds(result *flushResult) error {
	for _, table := range fa.inserts.tables {
		for _, obj := range fa.inserts.objects[table.Name] {
			if _, ok := result.replaced[obj]; ok {
				continue
			}
			newId, err := obj.id.CreateReplacementId(obj.entity.PrimaryKeyNames())
			if err != nil {
				return err
			}
			result.replaced[obj] = newId
			result.idChanges.Add(&NodeIdChangeOperation{Id: obj.id, NewId: newId})
		}
	}
	return nil
}

// postprocess 以提交后的行快照更新共享缓存并通知其他上下文。
func (fa *flushAction) postprocess(result *flushResult) {
	event := &SnapshotEvent{Source: fa.context, Indirect: result.indirect}
	for _, d := range fa.order {
		obj := d.object
		switch obj.state {
		case StateNew:
			newId := result.replaced[obj]
			event.Modified = append(event.Modified, SnapshotChange{Id: newId, Row: obj.snapshotRow(newId)})
			event.Deleted = append(event.Deleted, obj.id)
		case StateModified:
			if !d.IsNoop() {
				event.Modified = append(event.Modified, SnapshotChange{Id: obj.id, Row: obj.snapshotRow(obj.id)})
			}
		case StateDeleted:
			event.Deleted = append(event.Deleted, obj.id)
		}
	}
	fa.domain.store.ProcessSnapshotChanges(event)
}

// isLockFailure 判断提交失败是否由乐观锁冲突引起。
func isLockFailure(err error) bool {
	var le *OptimisticLockError
	return errors.As(err, &le)
}
