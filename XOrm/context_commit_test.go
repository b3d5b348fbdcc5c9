// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"bytes"
	"context"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/eframework-org/GO.UTIL/XPrefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// funcCommitListener 以函数实现 CommitListener。
type funcCommitListener func(changes *ChangeMap)

func (f funcCommitListener) OnCommit(changes *ChangeMap) { f(changes) }

// TestContextCommit 测试变更日志的生成及推送。
func TestContextCommit(t *testing.T) {
	ctx := context.Background()

	t.Run("Setup", func(t *testing.T) {
		defer setupCommit(XPrefs.Asset())

		setupCommit(XPrefs.New())
		assert.Equal(t, runtime.NumCPU(), commitQueueCount, fmt.Sprintf("默认的提交队列数量应当为 %v", runtime.NumCPU()))
		assert.Equal(t, 100000, commitBatchCount, "默认的提交批次数量应当为 100000")

		setupCommit(XPrefs.New().Set(commitQueueCountPrefs, 20).Set(commitBatchCountPrefs, 1000))
		assert.Equal(t, 20, commitQueueCount, "设置的提交队列数量应当为 20")
		assert.Equal(t, 1000, commitBatchCount, "设置的提交批次数量应当为 1000")

		assert.Equal(t, 20, len(commitQueues), "提交队列数量应当为 20")
		assert.Equal(t, 1000, cap(commitQueues[0]), "提交队列容量应当为 1000")
		assert.Equal(t, 20, len(commitSetupSig), "初始化信号数量应当为 20")
		assert.Equal(t, 20, len(commitDrainWait), "等待信号数量应当为 20")

		setupCommit(XPrefs.New().Set(commitQueueCountPrefs, -1).Set(commitBatchCountPrefs, 0))
		assert.Equal(t, runtime.NumCPU(), commitQueueCount, "非法的队列数量应当使用默认值")
		assert.Equal(t, 100000, commitBatchCount, "非法的批次数量应当使用默认值")

		Close()
		assert.Equal(t, int32(1), atomic.LoadInt32(&commitCloseSig), "关闭状态标识应该为 1。")
		Drain(-1) // 关闭后直接返回
	})

	t.Run("Pool", func(t *testing.T) {
		wg := sync.WaitGroup{}
		for i := range 100 {
			wg.Add(1)

			go func(i int) {
				defer wg.Done()

				bobj := commitBatchPool.Get().(*commitBatch)
				bobj.reset()
				assert.Nil(t, bobj.tag, "commitBatch 对象的 tag 字段应为 nil。")
				assert.Equal(t, 0, bobj.time, "commitBatch 对象的 time 字段应为 0。")
				assert.Equal(t, 0, bobj.queue, "commitBatch 对象的 queue 字段应为 0。")
				assert.Nil(t, bobj.changes, "commitBatch 对象的 changes 字段应为 nil。")
				assert.Nil(t, bobj.listeners, "commitBatch 对象的 listeners 字段应为 nil。")
				commitBatchPool.Put(bobj)
			}(i)
		}
		wg.Wait()
	})

	t.Run("Listener", func(t *testing.T) {
		domain := newTestDomain(t)
		var buf bytes.Buffer
		listener := NewMsgpackCommitListener(&buf)
		domain.AddCommitListener(listener)
		defer domain.RemoveCommitListener(listener)

		oc := NewContext(domain)
		defer oc.Close()
		artist, paintings := newTestArtist(t, oc, "Monet", "Water Lilies")
		require.NoError(t, oc.CommitChanges(ctx))

		require.NoError(t, artist.Set("name", "Claude"))
		require.NoError(t, oc.CommitChanges(ctx))

		require.NoError(t, oc.DeleteObject(paintings[0]))
		require.NoError(t, oc.CommitChanges(ctx))

		Drain(-1)
		assert.Equal(t, int64(0), Metrics().CommitPending(), "推送完成后不应当存在等待的变更。")

		cms, err := ReadChangeMaps(&buf)
		require.NoError(t, err, "读取变更日志应当成功。")
		require.Len(t, cms, 3, "每次提交应当生成一条变更日志。")

		inserted := cms[0]
		assert.Equal(t, domain.Name(), inserted.Domain, "变更日志应当记录数据域。")
		assert.Equal(t, oc.Id(), inserted.Context, "变更日志应当记录上下文。")
		require.Len(t, inserted.Changes, 2, "应当记录画家及作品的插入。")
		assert.Equal(t, ChangeInsert, inserted.Changes[0].Type)
		assert.Equal(t, "Artist", inserted.Changes[0].Entity)
		assert.EqualValues(t, 1, inserted.Changes[0].Id["id"], "插入的标识应当为永久标识。")
		assert.Equal(t, "Monet", inserted.Changes[0].Attributes["name"].New)
		works := inserted.Entity("Painting")
		require.Len(t, works, 1)
		assert.EqualValues(t, 1, works[0].ToOne["artist"].New["id"], "对一关系应当记录目标的永久标识。")

		updated := cms[1]
		require.Len(t, updated.Changes, 1, "仅修改的画家应当被记录。")
		assert.Equal(t, ChangeUpdate, updated.Changes[0].Type)
		assert.Equal(t, "Monet", updated.Changes[0].Attributes["name"].Old, "更新应当记录旧值。")
		assert.Equal(t, "Claude", updated.Changes[0].Attributes["name"].New, "更新应当记录新值。")
		assert.NotContains(t, updated.Changes[0].Attributes, "version", "未修改的属性不应当被记录。")

		deleted := cms[2].Entity("Painting")
		require.Len(t, deleted, 1)
		assert.Equal(t, ChangeDelete, deleted[0].Type)
		assert.Equal(t, "Water Lilies", deleted[0].Attributes["title"].Old, "删除应当记录基线值。")
		assert.Empty(t, cms[2].Entity("Artist"), "仅关系变化的画家不应当被记录。")
	})

	t.Run("Panic", func(t *testing.T) {
		domain := newTestDomain(t)
		var received int32
		panicking := funcCommitListener(func(*ChangeMap) { panic("listener failed") })
		counting := funcCommitListener(func(cm *ChangeMap) { atomic.AddInt32(&received, int32(len(cm.Changes))) })
		domain.AddCommitListener(panicking)
		domain.AddCommitListener(counting)

		oc := NewContext(domain)
		defer oc.Close()
		newTestArtist(t, oc, "Monet")
		require.NoError(t, oc.CommitChanges(ctx))
		Drain()
		assert.Equal(t, int32(1), atomic.LoadInt32(&received), "监听器的异常不应当影响其他监听器。")
	})

	t.Run("Codec", func(t *testing.T) {
		cm := &ChangeMap{
			Domain:  "Gallery",
			Context: 3,
			Time:    1000,
			Changes: []*ObjectChange{{
				Type:       ChangeUpdate,
				Entity:     "Artist",
				Id:         map[string]any{"id": 7},
				Attributes: map[string]AttributeChange{"name": {Old: "Monet", New: "Claude"}},
			}},
		}
		data, err := cm.Encode()
		require.NoError(t, err)
		decoded, err := DecodeChangeMap(data)
		require.NoError(t, err)
		assert.Equal(t, "Gallery", decoded.Domain)
		assert.Equal(t, 3, decoded.Context)
		require.Len(t, decoded.Changes, 1)
		assert.EqualValues(t, 7, decoded.Changes[0].Id["id"])
		assert.Equal(t, "Claude", decoded.Changes[0].Attributes["name"].New)
		assert.Equal(t, "Update", decoded.Changes[0].Type.String())

		_, err = DecodeChangeMap([]byte{0xc1})
		assert.Error(t, err, "非法的数据应当解码失败。")
	})
}
