// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"

	"github.com/eframework-org/GO.UTIL/XTime"
)

// Count 统计数据库中满足条件的行数，条件中的分页信息将被忽略。
// 未提交的变更不计入结果。
func (c *ObjectContext) Count(ctx context.Context, entity string, cond *Condition) (int64, error) {
	c.merge.apply()
	start := XTime.GetMicrosecond()
	defer func() {
		c.selectCount++
		c.selectElapsed += int64(XTime.GetMicrosecond() - start)
	}()

	e, stmt, err := c.selectStatement(&SelectQuery{Entity: entity, Cond: cond})
	if err != nil {
		return 0, err
	}
	stmt.Limit, stmt.Offset = 0, 0
	stmt.Aggregate = "COUNT(*)"
	rows, err := c.domain.nodeFor(e.dbEntity).PerformQuery(ctx, stmt)
	if err != nil {
		return 0, err
	}
	if len(rows) == 0 {
		return 0, nil
	}
	if v, ok := toInt64(convertAggregate(rows[0]["value"])); ok {
		return v, nil
	}
	return 0, nil
}
