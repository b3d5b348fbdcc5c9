// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/beego/beego/v2/client/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testMaxNode 是仅响应最大值查询的数据节点。
type testMaxNode struct {
	max     any
	err     error
	queries int32
}

func (n *testMaxNode) Name() string             { return "max" }
func (n *testMaxNode) Adapter() *Adapter        { return NewAdapter(orm.DRSqlite) }
func (n *testMaxNode) PkGenerator() PkGenerator { return nil }

func (n *testMaxNode) PerformBatch(ctx context.Context, tx *Transaction, stmt *BatchStatement) (*BatchResult, error) {
	return nil, errors.New("not supported")
}

func (n *testMaxNode) PerformQuery(ctx context.Context, stmt *SelectStatement) ([]DataRow, error) {
	atomic.AddInt32(&n.queries, 1)
	if n.err != nil {
		return nil, n.err
	}
	return []DataRow{{"value": n.max}}, nil
}

// TestContextIncre 测试自增主键的生成。
func TestContextIncre(t *testing.T) {
	ctx := context.Background()
	resolver, err := LoadMap(testGalleryMap)
	require.NoError(t, err)
	table := resolver.DbEntity("painting")

	t.Run("Concurrent", func(t *testing.T) {
		node := &testMaxNode{max: "5"}
		gen := newIncrePkGenerator()

		var mu sync.Mutex
		keys := make(map[int64]bool)
		wg := sync.WaitGroup{}
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()
				v, err := gen.GenerateKey(ctx, node, table, "id")
				assert.NoError(t, err)
				mu.Lock()
				keys[v.(int64)] = true
				mu.Unlock()
			}()
		}
		wg.Wait()

		assert.Len(t, keys, 100, "并发生成的主键不应当重复。")
		for i := int64(6); i <= 105; i++ {
			assert.True(t, keys[i], "主键应当从最大值加一开始连续生成。")
		}
		assert.Equal(t, int32(1), atomic.LoadInt32(&node.queries), "最大值只应当查询一次。")
		assert.Contains(t, gen.Print(), "max_painting_id = 105", "Print 应当输出当前的最大值。")
	})

	t.Run("Reset", func(t *testing.T) {
		node := &testMaxNode{max: int64(10)}
		gen := newIncrePkGenerator()
		v, err := gen.GenerateKey(ctx, node, table, "id")
		require.NoError(t, err)
		assert.Equal(t, int64(11), v)

		gen.Reset("artist")
		v, _ = gen.GenerateKey(ctx, node, table, "id")
		assert.Equal(t, int64(12), v, "重置其他数据表不应当影响缓存。")

		node.max = int64(20)
		gen.Reset("painting")
		v, _ = gen.GenerateKey(ctx, node, table, "id")
		assert.Equal(t, int64(21), v, "重置后应当重新查询最大值。")

		gen.Reset()
		assert.Empty(t, gen.Print(), "全部重置后不应当存在缓存。")
	})

	t.Run("Empty", func(t *testing.T) {
		gen := newIncrePkGenerator()
		v, err := gen.GenerateKey(ctx, &testMaxNode{}, table, "id")
		require.NoError(t, err)
		assert.Equal(t, int64(1), v, "空表的主键应当从 1 开始。")
	})

	t.Run("Error", func(t *testing.T) {
		gen := newIncrePkGenerator()
		node := &testMaxNode{err: errors.New("db closed")}
		_, err := gen.GenerateKey(ctx, node, table, "id")
		assert.Error(t, err, "查询失败时应当返回错误。")

		node.err, node.max = nil, int64(3)
		v, err := gen.GenerateKey(ctx, node, table, "id")
		require.NoError(t, err)
		assert.Equal(t, int64(4), v, "查询失败不应当缓存最大值。")
	})
}
