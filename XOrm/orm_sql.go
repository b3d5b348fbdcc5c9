// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"strings"

	"github.com/beego/beego/v2/client/orm"
)

// renderBatchRow 生成批量语句中一行的 SQL 及参数，占位符统一为 "?"，由 beego 按方言转换。
// 条件列取值为 nil 时生成 IS NULL。
func renderBatchRow(a *Adapter, stmt *BatchStatement, row *BatchRow) (string, []any) {
	var sb strings.Builder
	var args []any
	table := a.Quote(stmt.Table.Name)
	switch stmt.Kind {
	case OperationInsert:
		sb.WriteString("INSERT INTO ")
		sb.WriteString(table)
		if len(stmt.Columns) == 0 {
			// 全部列使用默认值，MySQL 不支持 DEFAULT VALUES
			if a.Driver == orm.DRMySQL || a.Driver == orm.DRTiDB {
				sb.WriteString(" () VALUES ()")
			} else {
				sb.WriteString(" DEFAULT VALUES")
			}
			return sb.String(), args
		}
		sb.WriteString(" (")
		for i, col := range stmt.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.Quote(col))
			args = append(args, literalOf(row.Values[col]))
		}
		sb.WriteString(") VALUES (")
		sb.WriteString(placeholders(len(stmt.Columns)))
		sb.WriteString(")")
		return sb.String(), args
	case OperationUpdate:
		sb.WriteString("UPDATE ")
		sb.WriteString(table)
		sb.WriteString(" SET ")
		for i, col := range stmt.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.Quote(col))
			sb.WriteString(" = ?")
			args = append(args, literalOf(row.Values[col]))
		}
	case OperationDelete:
		sb.WriteString("DELETE FROM ")
		sb.WriteString(table)
	}
	sb.WriteString(" WHERE ")
	for i, col := range stmt.QualifierColumns {
		if i > 0 {
			sb.WriteString(" AND ")
		}
		sb.WriteString(a.Quote(col))
		if v := literalOf(row.Qualifier[col]); v == nil {
			sb.WriteString(" IS NULL")
		} else {
			sb.WriteString(" = ?")
			args = append(args, v)
		}
	}
	return sb.String(), args
}

func literalOf(v ColumnValue) any {
	if l, ok := v.(Literal); ok {
		return l.Value
	}
	return nil
}

func placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.Repeat("?, ", n-1) + "?"
}

// renderSelect 生成单表查询的 SQL 及参数。
func renderSelect(a *Adapter, stmt *SelectStatement) (string, []any) {
	var sb strings.Builder
	var args []any
	sb.WriteString("SELECT ")
	switch {
	case stmt.Aggregate != "":
		sb.WriteString(stmt.Aggregate)
		sb.WriteString(" AS value")
	case len(stmt.Columns) > 0:
		for i, col := range stmt.Columns {
			if i > 0 {
				sb.WriteString(", ")
			}
			sb.WriteString(a.Quote(col))
		}
	default:
		sb.WriteString("*")
	}
	sb.WriteString(" FROM ")
	sb.WriteString(a.Quote(stmt.Table.Name))
	if stmt.Where != nil && !stmt.Where.IsEmpty() {
		where, wargs := renderCondition(a, stmt.Where)
		sb.WriteString(" WHERE ")
		sb.WriteString(where)
		args = append(args, wargs...)
	}
	if len(stmt.OrderBy) > 0 {
		sb.WriteString(" ORDER BY ")
		for i, o := range stmt.OrderBy {
			if i > 0 {
				sb.WriteString(", ")
			}
			if strings.HasPrefix(o, "-") {
				sb.WriteString(a.Quote(o[1:]))
				sb.WriteString(" DESC")
			} else {
				sb.WriteString(a.Quote(o))
				sb.WriteString(" ASC")
			}
		}
	}
	if stmt.Limit > 0 {
		fmt.Fprintf(&sb, " LIMIT %d", stmt.Limit)
	} else if stmt.Offset > 0 {
		switch a.Driver {
		case orm.DRMySQL, orm.DRTiDB:
			sb.WriteString(" LIMIT 18446744073709551615")
		case orm.DRSqlite:
			sb.WriteString(" LIMIT -1")
		}
	}
	if stmt.Offset > 0 {
		fmt.Fprintf(&sb, " OFFSET %d", stmt.Offset)
	}
	return sb.String(), args
}

// renderCondition 将以列名为字段的条件转换为 SQL 片段。
func renderCondition(a *Adapter, cond *orm.Condition) (string, []any) {
	var sb strings.Builder
	var args []any
	for i, p := range getCondParams(cond) {
		if i > 0 {
			if p.isOr {
				sb.WriteString(" OR ")
			} else {
				sb.WriteString(" AND ")
			}
		}
		if p.isNot {
			sb.WriteString("NOT ")
		}
		if p.isCond {
			sub, sargs := renderCondition(a, p.cond)
			sb.WriteString("(")
			sb.WriteString(sub)
			sb.WriteString(")")
			args = append(args, sargs...)
			continue
		}
		if p.isRaw {
			sb.WriteString(p.sql)
			continue
		}
		field, op := splitCondExpr(p.exprs)
		column := a.Quote(field)
		var arg any
		if len(p.args) > 0 {
			arg = p.args[0]
		}
		switch op {
		case "exact", "ne":
			if arg == nil {
				if op == "exact" {
					sb.WriteString(column + " IS NULL")
				} else {
					sb.WriteString(column + " IS NOT NULL")
				}
				continue
			}
			if op == "exact" {
				sb.WriteString(column + " = ?")
			} else {
				sb.WriteString(column + " != ?")
			}
			args = append(args, arg)
		case "gt", "gte", "lt", "lte":
			sb.WriteString(column + " " + map[string]string{"gt": ">", "gte": ">=", "lt": "<", "lte": "<="}[op] + " ?")
			args = append(args, arg)
		case "contains":
			sb.WriteString(column + " LIKE ?")
			args = append(args, fmt.Sprintf("%%%v%%", arg))
		case "startswith":
			sb.WriteString(column + " LIKE ?")
			args = append(args, fmt.Sprintf("%v%%", arg))
		case "endswith":
			sb.WriteString(column + " LIKE ?")
			args = append(args, fmt.Sprintf("%%%v", arg))
		case "isnull":
			if want, _ := arg.(bool); want {
				sb.WriteString(column + " IS NULL")
			} else {
				sb.WriteString(column + " IS NOT NULL")
			}
		case "in":
			values := flattenArgs(p.args)
			sb.WriteString(column + " IN (" + placeholders(len(values)) + ")")
			args = append(args, values...)
		default:
			sb.WriteString(column + " = ?")
			args = append(args, arg)
		}
	}
	return sb.String(), args
}
