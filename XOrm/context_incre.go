// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XString"
	"golang.org/x/sync/singleflight"
)

// PkGenerator 为无法由其他来源取得的主键列生成取值。
type PkGenerator interface {
	GenerateKey(ctx context.Context, node DataNode, table *DbEntity, column string) (any, error)
}

// increPkGenerator 以列的最大值为起点在内存中自增生成主键。
// 起点在首次使用时从数据库读取，并发的首次读取只会执行一次查询。
// 缓存的最大值在程序重启后重置，仅能保证单实例内的唯一性。
type increPkGenerator struct {
	values sync.Map // key -> *int64
	group  singleflight.Group
}

func newIncrePkGenerator() *increPkGenerator { return &increPkGenerator{} }

// GenerateKey 返回自增后的新值。
func (g *increPkGenerator) GenerateKey(ctx context.Context, node DataNode, table *DbEntity, column string) (any, error) {
	key := fmt.Sprintf("%v_%v_%v", node.Name(), table.Name, column)
	if val, ok := g.values.Load(key); ok {
		return atomic.AddInt64(val.(*int64), 1), nil
	}
	if _, err, _ := g.group.Do(key, func() (any, error) {
		if _, ok := g.values.Load(key); ok {
			return nil, nil
		}
		rows, err := node.PerformQuery(ctx, &SelectStatement{
			Table:     table,
			Aggregate: fmt.Sprintf("MAX(%v)", node.Adapter().Quote(column)),
		})
		if err != nil {
			return nil, err
		}
		var index int64
		if len(rows) > 0 {
			if v, ok := toInt64(convertAggregate(rows[0]["value"])); ok {
				index = v
			}
		}
		g.values.LoadOrStore(key, &index)
		XLog.Info("XOrm.Incre: max value of %v is %v.", key, index)
		return nil, nil
	}); err != nil {
		return nil, err
	}
	val, _ := g.values.Load(key)
	return atomic.AddInt64(val.(*int64), 1), nil
}

// Reset 清除缓存的最大值，tables 为空时清除全部。
func (g *increPkGenerator) Reset(tables ...string) {
	g.values.Range(func(k, v any) bool {
		if len(tables) == 0 {
			g.values.Delete(k)
			return true
		}
		for _, t := range tables {
			if strings.Contains(k.(string), "_"+t+"_") {
				g.values.Delete(k)
				break
			}
		}
		return true
	})
}

// Print 生成缓存的文本信息。
func (g *increPkGenerator) Print() string {
	var sb strings.Builder
	g.values.Range(func(k, v any) bool {
		sb.WriteString("\t")
		sb.WriteString(k.(string))
		sb.WriteString(" = ")
		sb.WriteString(XString.ToString(int(atomic.LoadInt64(v.(*int64)))))
		sb.WriteString("\n")
		return true
	})
	return sb.String()
}

// convertAggregate 转换聚合查询的结果，驱动可能以字符串返回数值。
func convertAggregate(v any) any {
	return (&DbAttribute{Type: "int"}).convert(v)
}
