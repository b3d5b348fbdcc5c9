// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
)

// TestCommitLock 测试数据域的提交锁。
func TestCommitLock(t *testing.T) {
	t.Run("Serial", func(t *testing.T) {
		store := NewDataRowStore("lock", 16)
		var active, overlap, count int32

		wg := sync.WaitGroup{}
		for i := range 50 {
			wg.Add(1)
			go func(i int) {
				defer wg.Done()
				store.lockCommit(fmt.Sprintf("test-%v", i))
				defer store.unlockCommit()
				if atomic.AddInt32(&active, 1) > 1 {
					atomic.AddInt32(&overlap, 1)
				}
				atomic.AddInt32(&count, 1)
				atomic.AddInt32(&active, -1)
			}(i)
		}
		wg.Wait()

		assert.Equal(t, int32(50), count, "全部提交都应当获得锁。")
		assert.Equal(t, int32(0), overlap, "同一数据域的提交不应当并发执行。")
	})

	t.Run("Independent", func(t *testing.T) {
		a := NewDataRowStore("a", 16)
		b := NewDataRowStore("b", 16)
		a.lockCommit("a")
		defer a.unlockCommit()

		done := make(chan struct{})
		go func() {
			b.lockCommit("b")
			b.unlockCommit()
			close(done)
		}()
		<-done
		assert.False(t, a.commitMu.TryLock(), "其他数据域的提交不应当释放本数据域的锁。")
	})
}
