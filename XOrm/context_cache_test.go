// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"strings"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// testSnapshotListener 记录收到的缓存事件。
type testSnapshotListener struct {
	mu     sync.Mutex
	events []*SnapshotEvent
}

func (l *testSnapshotListener) OnSnapshotEvent(event *SnapshotEvent) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.events = append(l.events, event)
}

func testArtistId(id int) *ObjectId {
	return NewObjectId("Artist", map[string]any{"id": id})
}

// TestContextCache 测试共享的行快照缓存。
func TestContextCache(t *testing.T) {
	t.Run("Snapshot", func(t *testing.T) {
		store := NewDataRowStore("cache", 16)
		assert.Equal(t, "cache", store.Name())

		store.put(testArtistId(1), DataRow{"id": int64(1), "name": "Monet"})
		store.put(NewTempObjectId("Artist"), DataRow{"name": "Temp"})
		store.put(testArtistId(2), nil)
		assert.Equal(t, 1, store.Size(), "临时标识及空行不应当被缓存。")

		row := store.Snapshot(NewObjectId("Artist", map[string]any{"id": int64(1)}))
		require.NotNil(t, row, "不同整数类型的主键应当命中相同的缓存。")
		assert.Equal(t, "Monet", row["name"])
		row["name"] = "Changed"
		assert.Equal(t, "Monet", store.Snapshot(testArtistId(1))["name"], "快照应当为副本。")
		assert.Nil(t, store.Snapshot(testArtistId(3)), "不存在的标识应当返回 nil。")
		assert.Nil(t, store.Snapshot(nil))
	})

	t.Run("Evict", func(t *testing.T) {
		store := NewDataRowStore("evict", 2)
		for i := 1; i <= 3; i++ {
			store.put(testArtistId(i), DataRow{"id": i})
		}
		assert.Equal(t, 2, store.Size(), "缓存的行数不应当超过容量。")
		assert.Nil(t, store.Snapshot(testArtistId(1)), "最久未使用的行应当被淘汰。")

		assert.NotNil(t, NewDataRowStore("default", 0), "容量不大于 0 时应当使用默认容量。")
	})

	t.Run("Process", func(t *testing.T) {
		store := NewDataRowStore("process", 16)
		for i := 1; i <= 4; i++ {
			store.put(testArtistId(i), DataRow{"id": i, "name": "Old"})
		}
		listener := &testSnapshotListener{}
		store.AddListener(listener)

		event := &SnapshotEvent{
			Source:      "test",
			Modified:    []SnapshotChange{{Id: testArtistId(1), Row: DataRow{"id": 1, "name": "New"}}, {Id: NewTempObjectId("Artist"), Row: DataRow{}}},
			Deleted:     []*ObjectId{testArtistId(2)},
			Invalidated: []*ObjectId{testArtistId(3)},
			Indirect:    []*ObjectId{testArtistId(4)},
		}
		store.ProcessSnapshotChanges(event)

		assert.Equal(t, "New", store.Snapshot(testArtistId(1))["name"], "修改的行应当被更新。")
		assert.Equal(t, 1, store.Size(), "删除、失效及间接修改的行应当被移除。")
		require.Len(t, listener.events, 1, "监听器应当收到事件。")
		assert.Same(t, event, listener.events[0])

		store.RemoveListener(listener)
		store.ProcessSnapshotChanges(&SnapshotEvent{})
		assert.Len(t, listener.events, 1, "移除后的监听器不应当收到事件。")
	})

	t.Run("Dump", func(t *testing.T) {
		store := NewDataRowStore("dump", 16)
		store.put(testArtistId(2), DataRow{"id": 2, "name": "Renoir"})
		store.put(testArtistId(1), DataRow{"id": 1, "name": "Monet"})

		text := store.Print()
		assert.True(t, strings.HasPrefix(text, "[Data:dump]\n"), "Print 应当以缓存名称开头。")
		assert.Less(t, strings.Index(text, "Artist:id=1"), strings.Index(text, "Artist:id=2"), "Print 应当按键排序。")
		assert.Contains(t, text, `"name":"Monet"`)

		store.Dump(testArtistId(1))
		assert.Equal(t, 1, store.Size(), "指定标识时应当只清除对应的行。")
		store.Dump()
		assert.Equal(t, 0, store.Size(), "未指定标识时应当清除全部。")
	})

	t.Run("Domain", func(t *testing.T) {
		domain := newTestDomain(t)
		oc := NewContext(domain)
		defer oc.Close()
		artist, _ := newTestArtist(t, oc, "Monet")
		require.NoError(t, oc.CommitChanges(context.Background()))

		row := domain.Store().Snapshot(artist.Id())
		require.NotNil(t, row, "提交后的对象应当写入共享缓存。")
		assert.Equal(t, "Monet", row["name"])

		require.NoError(t, oc.DeleteObject(artist))
		require.NoError(t, oc.CommitChanges(context.Background()))
		assert.Nil(t, domain.Store().Snapshot(artist.Id()), "删除的对象应当从共享缓存移除。")
	})
}
