// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XTime"
)

// SelectQuery 描述了实体的查询。
type SelectQuery struct {
	Entity           string     // 实体名称
	Cond             *Condition // 以属性名为字段的条件，可携带分页
	Orderings        []string   // 排序属性，"-" 前缀表示降序
	PageSize         int        // 大于 0 时可通过 SelectPage 分页加载
	FetchingDataRows bool       // 为 true 时 SelectRows 不注册对象
}

// Select 执行查询并返回对象，已修改的对象保持其内存中的状态。
func (c *ObjectContext) Select(ctx context.Context, query *SelectQuery) ([]*Object, error) {
	c.merge.apply()
	start := XTime.GetMicrosecond()
	defer func() {
		c.selectCount++
		c.selectElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	entity, stmt, err := c.selectStatement(query)
	if err != nil {
		return nil, err
	}
	rows, err := c.domain.nodeFor(entity.dbEntity).PerformQuery(ctx, stmt)
	if err != nil {
		return nil, err
	}
	return c.objectsFromRows(ctx, entity, rows)
}

// SelectOne 执行查询并返回首个对象，没有结果时返回 nil。
func (c *ObjectContext) SelectOne(ctx context.Context, query *SelectQuery) (*Object, error) {
	objs, err := c.Select(ctx, query)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0], nil
}

// SelectRows 执行查询并返回主表行。
// FetchingDataRows 为 false 时结果同时写入共享缓存。
func (c *ObjectContext) SelectRows(ctx context.Context, query *SelectQuery) ([]DataRow, error) {
	c.merge.apply()
	start := XTime.GetMicrosecond()
	defer func() {
		c.selectCount++
		c.selectElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	entity, stmt, err := c.selectStatement(query)
	if err != nil {
		return nil, err
	}
	rows, err := c.domain.nodeFor(entity.dbEntity).PerformQuery(ctx, stmt)
	if err != nil {
		return nil, err
	}
	if !query.FetchingDataRows {
		for _, row := range rows {
			c.domain.store.put(idFromRow(entity, row), row)
		}
	}
	return rows, nil
}

// SelectPage 执行分页查询，仅加载首页的对象，其余页在访问时加载。
func (c *ObjectContext) SelectPage(ctx context.Context, query *SelectQuery) (*IncrementalFaultList, error) {
	c.merge.apply()
	return NewIncrementalFaultList(ctx, c, query)
}

// LocalObjects 返回已注册且满足条件的对象，不访问数据库。
// 结果不包含 DELETED 及 HOLLOW 对象，按标识排序以保证顺序稳定。
func (c *ObjectContext) LocalObjects(entity string, cond *Condition) []*Object {
	c.merge.apply()
	var objs []*Object
	for _, obj := range c.objects {
		if obj.entity.Name != entity || obj.state == StateDeleted || obj.state == StateHollow {
			continue
		}
		objs = append(objs, obj)
	}
	sort.Slice(objs, func(i, j int) bool { return objs[i].id.Key() < objs[j].id.Key() })
	return Filter(objs, cond)
}

// selectStatement 将查询转换为主表的查询语句，条件及排序中的属性名转换为列名。
func (c *ObjectContext) selectStatement(query *SelectQuery) (*ObjEntity, *SelectStatement, error) {
	if query == nil {
		return nil, nil, fmt.Errorf("XOrm: query is nil")
	}
	entity := c.domain.resolver.Entity(query.Entity)
	if entity == nil {
		return nil, nil, fmt.Errorf("XOrm: entity '%v' was not found", query.Entity)
	}
	stmt := &SelectStatement{Table: entity.dbEntity}
	mapper := func(field string) (string, error) { return columnForProperty(entity, field) }
	if query.Cond != nil {
		if query.Cond.Base != nil {
			where, err := mapCondition(query.Cond.Base, mapper)
			if err != nil {
				return nil, nil, err
			}
			stmt.Where = where
		}
		stmt.Limit, stmt.Offset = query.Cond.Limit, query.Cond.Offset
	}
	for _, o := range query.Orderings {
		desc := strings.HasPrefix(o, "-")
		column, err := mapper(strings.TrimPrefix(o, "-"))
		if err != nil {
			return nil, nil, err
		}
		if desc {
			column = "-" + column
		}
		stmt.OrderBy = append(stmt.OrderBy, column)
	}
	return entity, stmt, nil
}

// columnForProperty 返回属性映射的主表列，也接受主表的列名。
func columnForProperty(entity *ObjEntity, name string) (string, error) {
	if a := entity.Attribute(name); a != nil {
		if a.IsFlattened() {
			return "", fmt.Errorf("XOrm: can't query flattened attribute '%v.%v'", entity.Name, name)
		}
		return a.column.Name, nil
	}
	if entity.dbEntity.Attribute(name) != nil {
		return name, nil
	}
	return "", fmt.Errorf("XOrm: attribute '%v.%v' was not found", entity.Name, name)
}

// resolveToOne 加载对一关系的目标：持有外键时创建 HOLLOW 对象，否则查询目标表。
func (c *ObjectContext) resolveToOne(o *Object, rel *ObjRelationship) (*Object, error) {
	if rel.HoldsForeignKey() {
		tid := targetIdFromRow(rel, o.row)
		if tid == nil {
			return nil, nil
		}
		return c.localObject(tid), nil
	}
	objs, err := c.fetchRelated(o, rel)
	if err != nil || len(objs) == 0 {
		return nil, err
	}
	return objs[0], nil
}

// resolveToMany 加载对多关系的目标，不包含已标记删除的对象。
func (c *ObjectContext) resolveToMany(o *Object, rel *ObjRelationship) ([]*Object, error) {
	objs, err := c.fetchRelated(o, rel)
	if err != nil {
		return nil, err
	}
	ret := objs[:0]
	for _, obj := range objs {
		if obj.state != StateDeleted {
			ret = append(ret, obj)
		}
	}
	return ret, nil
}

// sourceValue 读取对象主表列的值，主键列从标识读取。
func sourceValue(o *Object, column string) any {
	if v, ok := o.id.Value(column); ok {
		return v
	}
	return o.row[column]
}

// fetchRelated 查询关系的目标对象，扁平关系先查询连接表再按标识加载目标。
func (c *ObjectContext) fetchRelated(o *Object, rel *ObjRelationship) ([]*Object, error) {
	start := XTime.GetMicrosecond()
	defer func() {
		c.faultCount++
		c.faultElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	first := rel.dbPath[0]
	values := make(map[string]any, len(first.Joins))
	for _, j := range first.Joins {
		v := sourceValue(o, j.Source)
		if v == nil {
			return nil, nil
		}
		values[j.Target] = v
	}
	if !rel.IsFlattened() {
		rows, err := c.fetchRows(c.base, first.target, rowQualifier(values), nil, 0, 0)
		if err != nil {
			return nil, err
		}
		return c.objectsFromRows(c.base, rel.target, rows)
	}

	second := rel.dbPath[1]
	jrows, err := c.fetchRows(c.base, first.target, rowQualifier(values), nil, 0, 0)
	if err != nil {
		return nil, err
	}
	ids := make([]*ObjectId, 0, len(jrows))
	var missing []*orm.Condition
	for _, jrow := range jrows {
		tvalues := make(map[string]any, len(second.Joins))
		for _, j := range second.Joins {
			tvalues[j.Target] = second.target.Attribute(j.Target).convert(jrow[j.Source])
		}
		id := NewObjectId(rel.target.Name, tvalues)
		ids = append(ids, id)
		if obj := c.objects[id.Key()]; obj == nil || obj.state == StateHollow {
			missing = append(missing, rowQualifier(tvalues))
		}
	}
	if len(missing) > 0 {
		rows, err := c.fetchChunked(c.base, rel.target.dbEntity, missing)
		if err != nil {
			return nil, err
		}
		if _, err := c.objectsFromRows(c.base, rel.target, rows); err != nil {
			return nil, err
		}
	}
	objs := make([]*Object, 0, len(ids))
	for _, id := range ids {
		if obj := c.objects[id.Key()]; obj != nil && obj.state != StateHollow {
			objs = append(objs, obj)
		}
	}
	return objs, nil
}
