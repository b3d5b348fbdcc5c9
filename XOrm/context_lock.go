// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XTime"
)

// lockCommit 获取数据域的提交锁，同一数据域的提交串行执行。
// source 参数为调用来源的标识，用于日志；发生等待时记录等待耗时。
func (s *DataRowStore) lockCommit(source string) {
	if s.commitMu.TryLock() {
		return
	}
	t := XTime.GetMicrosecond()
	XLog.Notice("XOrm.Lock: [%v] commit of %v wait for unlock.", source, s.name)
	s.commitMu.Lock()
	XLog.Notice("XOrm.Lock: [%v] commit of %v unlock cost %.2fms.", source, s.name, float64(XTime.GetMicrosecond()-t)/1e3)
}

// unlockCommit 释放数据域的提交锁，必须与 lockCommit 配对使用。
func (s *DataRowStore) unlockCommit() {
	s.commitMu.Unlock()
}
