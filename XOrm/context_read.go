// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XTime"
)

// ObjectForId 按标识获取对象：优先返回已注册的对象，其次使用共享缓存，最后查询数据库。
// 数据库中不存在时返回 nil。
func (c *ObjectContext) ObjectForId(ctx context.Context, id *ObjectId) (*Object, error) {
	c.merge.apply()
	if id == nil {
		return nil, nil
	}
	if obj := c.objects[id.Key()]; obj != nil {
		if err := obj.resolveFault(); err != nil {
			return nil, err
		}
		return obj, nil
	}
	if id.IsTemporary() {
		return nil, nil
	}
	entity := c.domain.resolver.Entity(id.Entity())
	if entity == nil {
		return nil, fmt.Errorf("XOrm: entity '%v' was not found", id.Entity())
	}

	start := XTime.GetMicrosecond()
	defer func() {
		c.selectCount++
		c.selectElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	row := c.domain.store.Snapshot(id)
	if row == nil {
		rows, err := c.fetchRows(ctx, entity.dbEntity, idQualifier(entity.dbEntity, []*ObjectId{id}), nil, 0, 0)
		if err != nil {
			return nil, err
		}
		if len(rows) == 0 {
			return nil, nil
		}
		row = rows[0]
	}
	objs, err := c.objectsFromRows(ctx, entity, []DataRow{row})
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0], nil
}

// ObjectForPK 按单列主键获取对象。
func (c *ObjectContext) ObjectForPK(ctx context.Context, entity string, pk any) (*Object, error) {
	e := c.domain.resolver.Entity(entity)
	if e == nil {
		return nil, fmt.Errorf("XOrm: entity '%v' was not found", entity)
	}
	names := e.PrimaryKeyNames()
	if len(names) != 1 {
		return nil, fmt.Errorf("XOrm: entity '%v' has a compound primary key %v", entity, names)
	}
	return c.ObjectForId(ctx, NewObjectId(entity, map[string]any{names[0]: e.dbEntity.Attribute(names[0]).convert(pk)}))
}

// resolveHollow 加载 HOLLOW 对象的数据，数据库中不存在时返回错误。
func (c *ObjectContext) resolveHollow(o *Object) error {
	start := XTime.GetMicrosecond()
	defer func() {
		c.faultCount++
		c.faultElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	row := c.domain.store.Snapshot(o.id)
	if row == nil {
		rows, err := c.fetchRows(c.base, o.entity.dbEntity, idQualifier(o.entity.dbEntity, []*ObjectId{o.id}), nil, 0, 0)
		if err != nil {
			return err
		}
		if len(rows) == 0 {
			return fmt.Errorf("XOrm: hollow object %v was not found in database", o.id)
		}
		row = rows[0]
	}
	_, err := c.objectsFromRows(c.base, o.entity, []DataRow{row})
	return err
}

// fetchRows 查询数据表的全部列。
func (c *ObjectContext) fetchRows(ctx context.Context, table *DbEntity, where *orm.Condition, orderBy []string, limit, offset int) ([]DataRow, error) {
	node := c.domain.nodeFor(table)
	return node.PerformQuery(ctx, &SelectStatement{Table: table, Where: where, OrderBy: orderBy, Limit: limit, Offset: offset})
}

// fetchChunked 以多个行条件分批查询，每批最多 maxFetchSize 个条件。
func (c *ObjectContext) fetchChunked(ctx context.Context, table *DbEntity, qualifiers []*orm.Condition) ([]DataRow, error) {
	var rows []DataRow
	size := c.domain.maxFetchSize
	for from := 0; from < len(qualifiers); from += size {
		to := min(from+size, len(qualifiers))
		cond := orm.NewCondition()
		for _, q := range qualifiers[from:to] {
			cond = cond.OrCond(q)
		}
		chunk, err := c.fetchRows(ctx, table, cond, nil, 0, 0)
		if err != nil {
			return nil, err
		}
		rows = append(rows, chunk...)
	}
	return rows, nil
}

// rowQualifier 返回匹配全部列值的条件。
func rowQualifier(values map[string]any) *orm.Condition {
	cond := orm.NewCondition()
	for _, col := range sortedKeys(values) {
		cond = cond.And(col, values[col])
	}
	return cond
}

// idQualifier 返回匹配任一标识的条件。
func idQualifier(table *DbEntity, ids []*ObjectId) *orm.Condition {
	cond := orm.NewCondition()
	for _, id := range ids {
		values := make(map[string]any, len(table.PrimaryKeys()))
		for _, pk := range table.PrimaryKeyNames() {
			v, _ := id.Value(pk)
			values[pk] = v
		}
		cond = cond.OrCond(rowQualifier(values))
	}
	return cond
}

// idFromRow 根据主键列创建永久标识。
func idFromRow(entity *ObjEntity, row DataRow) *ObjectId {
	values := make(map[string]any, len(entity.dbEntity.PrimaryKeys()))
	for _, pk := range entity.dbEntity.PrimaryKeys() {
		values[pk.Name] = pk.convert(row[pk.Name])
	}
	return NewObjectId(entity.Name, values)
}

// objectsFromRows 将主表行转换为对象：已注册的 COMMITTED 及 HOLLOW 对象被刷新，
// 已修改的对象保持不变，其余新建为 COMMITTED 对象。
func (c *ObjectContext) objectsFromRows(ctx context.Context, entity *ObjEntity, rows []DataRow) ([]*Object, error) {
	objs := make([]*Object, 0, len(rows))
	var refreshed []*Object
	for _, row := range rows {
		id := idFromRow(entity, row)
		obj := c.objects[id.Key()]
		switch {
		case obj == nil:
			obj = newObject(entity, id)
			c.register(obj)
			fallthrough
		case obj.state == StateHollow || obj.state == StateCommitted:
			c.populate(obj, row)
			obj.state = StateCommitted
			refreshed = append(refreshed, obj)
		}
		c.domain.store.put(id, row)
		objs = append(objs, obj)
	}
	if len(refreshed) > 0 && len(entity.tables) > 1 {
		if err := c.fetchSecondary(ctx, entity, refreshed); err != nil {
			return nil, err
		}
	}
	return objs, nil
}

// populate 以主表行覆盖对象的属性，并清除已加载的对一关系。
func (c *ObjectContext) populate(o *Object, row DataRow) {
	for _, a := range o.entity.Attributes {
		if !a.IsFlattened() {
			o.values[a.Name] = a.column.convert(row[a.column.Name])
		}
	}
	for _, r := range o.entity.Relationships {
		if r.HoldsForeignKey() {
			delete(o.toOne, r.Name)
		}
	}
	o.row = copyRow(row)
}

// fetchSecondary 加载扁平属性所在的附属表，附属表中没有对应行时属性为 nil。
func (c *ObjectContext) fetchSecondary(ctx context.Context, entity *ObjEntity, objs []*Object) error {
	for _, table := range entity.tables[1:] {
		var joins []DbJoin
		for _, a := range entity.Attributes {
			if a.IsFlattened() && a.dbEntity == table {
				joins = a.relPath[0].Joins
				break
			}
		}
		qualifiers := make([]*orm.Condition, 0, len(objs))
		byKey := make(map[string]*Object, len(objs))
		for _, obj := range objs {
			values := make(map[string]any, len(joins))
			for _, j := range joins {
				v, _ := obj.id.Value(j.Source)
				values[j.Target] = v
			}
			qualifiers = append(qualifiers, rowQualifier(values))
			byKey[joinKey(values)] = obj
		}
		rows, err := c.fetchChunked(ctx, table, qualifiers)
		if err != nil {
			return err
		}
		found := make(map[*Object]DataRow, len(rows))
		for _, row := range rows {
			values := make(map[string]any, len(joins))
			for _, j := range joins {
				values[j.Target] = row[j.Target]
			}
			if obj := byKey[joinKey(values)]; obj != nil {
				found[obj] = row
			}
		}
		for _, obj := range objs {
			row := found[obj]
			for _, a := range entity.Attributes {
				if a.IsFlattened() && a.dbEntity == table {
					if row == nil {
						obj.values[a.Name] = nil
					} else {
						obj.values[a.Name] = a.column.convert(row[a.column.Name])
					}
				}
			}
		}
	}
	return nil
}

// localObject 返回标识对应的已注册对象，未注册时创建 HOLLOW 对象。
func (c *ObjectContext) localObject(id *ObjectId) *Object {
	if obj := c.objects[id.Key()]; obj != nil {
		return obj
	}
	entity := c.domain.resolver.Entity(id.Entity())
	obj := newObject(entity, id)
	obj.state = StateHollow
	c.register(obj)
	return obj
}

// joinKey 格式化连接列的取值，用于匹配行。
func joinKey(values map[string]any) string {
	normalized := make(map[string]any, len(values))
	for col, v := range values {
		normalized[col] = normalizeKey(v)
	}
	return formatKeyValues(normalized)
}
