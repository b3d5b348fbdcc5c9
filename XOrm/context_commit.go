// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"errors"
	"fmt"
	"io"
	"os"
	"os/signal"
	"runtime"
	"sync"
	"sync/atomic"
	"syscall"

	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XLoom"
	"github.com/eframework-org/GO.UTIL/XPrefs"
	"github.com/eframework-org/GO.UTIL/XTime"
	"github.com/illumitacit/gostd/quit"
	"github.com/petermattis/goid"
	"github.com/vmihailenco/msgpack/v5"
)

const (
	// commitQueueCountPrefs 定义了提交队列的数量的偏好设置键。
	commitQueueCountPrefs = "Orm/Commit/Queue"

	// commitBatchCountPrefs 定义了单个队列的最大容量的偏好设置键。
	commitBatchCountPrefs = "Orm/Commit/Batch"
)

var (
	// commitQueueCount 定义了提交队列的数量，默认为 CPU 核心数。
	commitQueueCount int = runtime.NumCPU()

	// commitBatchCount 定义了单个队列的最大容量，当超过此容量时，新的批次将被丢弃。
	commitBatchCount int = 100000

	// commitQueues 定义了提交队列的切片，用于缓冲待推送的变更日志。
	commitQueues []chan *commitBatch

	// commitSetupSig 定义了提交队列的信号通道，用于接收退出信号。
	commitSetupSig []chan os.Signal

	// commitDrainWait 定义了提交队列的等待通道，用于等待批次推送完成。
	commitDrainWait []chan *sync.WaitGroup

	// commitCloseWait 定义了提交队列的关闭通道，用于等待所有队列关闭完成。
	commitCloseWait sync.WaitGroup

	// commitDrainSig 定义了全部队列是否正在等待推送的标志。
	commitDrainSig int32

	// commitCloseSig 定义了提交队列是否已关闭的标志，用于控制队列的状态。
	commitCloseSig int32

	// commitBatchPool 定义了批次对象的对象池，用于重用已创建的批次对象。
	commitBatchPool sync.Pool = sync.Pool{
		New: func() any {
			obj := new(commitBatch)
			obj.reset()
			return obj
		},
	}
)

func init() { setupCommit(XPrefs.Asset()) }

// ChangeType 是变更日志中对象的变更类型。
type ChangeType int

const (
	ChangeInsert ChangeType = iota + 1
	ChangeUpdate
	ChangeDelete
)

func (t ChangeType) String() string {
	switch t {
	case ChangeInsert:
		return "Insert"
	case ChangeUpdate:
		return "Update"
	case ChangeDelete:
		return "Delete"
	}
	return fmt.Sprintf("ChangeType(%d)", int(t))
}

// AttributeChange 是属性的旧值与新值。
type AttributeChange struct {
	Old any `msgpack:"old"`
	New any `msgpack:"new"`
}

// ToOneChange 是对一关系目标主键的旧值与新值，目标为空时为 nil。
type ToOneChange struct {
	Old map[string]any `msgpack:"old"`
	New map[string]any `msgpack:"new"`
}

// ObjectChange 是单个对象在一次提交中的变更。
type ObjectChange struct {
	Type       ChangeType                 `msgpack:"type"`
	Entity     string                     `msgpack:"entity"`
	Id         map[string]any             `msgpack:"id"`
	Attributes map[string]AttributeChange `msgpack:"attributes,omitempty"`
	ToOne      map[string]ToOneChange     `msgpack:"toOne,omitempty"`
}

// ChangeMap 是一次提交的变更日志，新对象的标识为提交后的永久标识。
type ChangeMap struct {
	Domain  string          `msgpack:"domain"`
	Context int             `msgpack:"context"`
	Time    int             `msgpack:"time"` // 提交时间（微秒）
	Changes []*ObjectChange `msgpack:"changes"`
}

// Encode 以 msgpack 编码变更日志。
func (cm *ChangeMap) Encode() ([]byte, error) { return msgpack.Marshal(cm) }

// DecodeChangeMap 解码 msgpack 格式的变更日志。
func DecodeChangeMap(data []byte) (*ChangeMap, error) {
	cm := &ChangeMap{}
	if err := msgpack.Unmarshal(data, cm); err != nil {
		return nil, fmt.Errorf("XOrm: decode change map failed: %w", err)
	}
	return cm, nil
}

// Entity 返回指定实体的变更。
func (cm *ChangeMap) Entity(name string) []*ObjectChange {
	var ret []*ObjectChange
	for _, ch := range cm.Changes {
		if ch.Entity == name {
			ret = append(ret, ch)
		}
	}
	return ret
}

// CommitListener 接收提交成功后的变更日志。
// 回调在提交队列的协程中执行，同一协程的提交按顺序送达。
type CommitListener interface {
	OnCommit(changes *ChangeMap)
}

// MsgpackCommitListener 将变更日志依次以 msgpack 编码写入 w。
type MsgpackCommitListener struct {
	mu  sync.Mutex
	enc *msgpack.Encoder
}

// NewMsgpackCommitListener 创建写入 w 的监听器，w 的并发写入由监听器串行化。
func NewMsgpackCommitListener(w io.Writer) *MsgpackCommitListener {
	return &MsgpackCommitListener{enc: msgpack.NewEncoder(w)}
}

func (l *MsgpackCommitListener) OnCommit(changes *ChangeMap) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err := l.enc.Encode(changes); err != nil {
		XLog.Error("XOrm.MsgpackCommitListener: encode changes of %v failed: %v", changes.Domain, err)
	}
}

// ReadChangeMaps 读取 MsgpackCommitListener 写入的全部变更日志。
func ReadChangeMaps(r io.Reader) ([]*ChangeMap, error) {
	dec := msgpack.NewDecoder(r)
	var ret []*ChangeMap
	for {
		cm := &ChangeMap{}
		if err := dec.Decode(cm); err != nil {
			if errors.Is(err, io.EOF) {
				return ret, nil
			}
			return ret, fmt.Errorf("XOrm: decode change map failed: %w", err)
		}
		ret = append(ret, cm)
	}
}

// buildChangeMap 在提交成功、对象状态转换之前生成变更日志。
func (c *ObjectContext) buildChangeMap(diffs []*ObjectDiff, result *flushResult) *ChangeMap {
	cm := &ChangeMap{Domain: c.domain.name, Context: c.id, Time: XTime.GetMicrosecond()}
	for _, d := range diffs {
		o := d.object
		var ch *ObjectChange
		switch o.state {
		case StateNew:
			id := result.replaced[o]
			if id == nil {
				continue
			}
			ch = newObjectChange(ChangeInsert, o, id)
			for _, a := range o.entity.Attributes {
				if v := o.values[a.Name]; v != nil {
					ch.Attributes[a.Name] = AttributeChange{New: v}
				}
			}
			for _, r := range o.entity.Relationships {
				if !r.HoldsForeignKey() {
					continue
				}
				if tid := o.currentTargetId(r); tid != nil {
					ch.ToOne[r.Name] = ToOneChange{New: idValues(tid)}
				}
			}
		case StateModified:
			if d.IsNoop() {
				continue
			}
			ch = newObjectChange(ChangeUpdate, o, o.id)
			for _, a := range o.entity.Attributes {
				if old, cur := d.SnapshotValue(a.Name), o.values[a.Name]; !valuesEqual(old, cur) {
					ch.Attributes[a.Name] = AttributeChange{Old: old, New: cur}
				}
			}
			for _, r := range o.entity.Relationships {
				if !r.HoldsForeignKey() {
					continue
				}
				if old, cur := d.ArcSnapshotValue(r.Name), o.currentTargetId(r); !old.Equals(cur) {
					ch.ToOne[r.Name] = ToOneChange{Old: idValues(old), New: idValues(cur)}
				}
			}
			if len(ch.Attributes) == 0 && len(ch.ToOne) == 0 {
				continue
			}
		case StateDeleted:
			ch = newObjectChange(ChangeDelete, o, o.id)
			for _, a := range o.entity.Attributes {
				if v := d.SnapshotValue(a.Name); v != nil {
					ch.Attributes[a.Name] = AttributeChange{Old: v}
				}
			}
		default:
			continue
		}
		cm.Changes = append(cm.Changes, ch)
	}
	return cm
}

func newObjectChange(t ChangeType, o *Object, id *ObjectId) *ObjectChange {
	return &ObjectChange{
		Type:       t,
		Entity:     o.entity.Name,
		Id:         idValues(id),
		Attributes: make(map[string]AttributeChange),
		ToOne:      make(map[string]ToOneChange),
	}
}

// idValues 返回标识的主键值副本，临时标识返回其替换映射。
func idValues(id *ObjectId) map[string]any {
	if id == nil {
		return nil
	}
	src := id.values
	if id.IsTemporary() {
		src = id.replacement
	}
	ret := make(map[string]any, len(src))
	for k, v := range src {
		ret[k] = v
	}
	return ret
}

// submitChanges 将变更日志提交至当前协程对应的队列，数据域没有监听器时忽略。
func submitChanges(domain *DataDomain, changes *ChangeMap) {
	listeners := domain.commitListeners()
	if len(listeners) == 0 {
		return
	}
	batch := commitBatchPool.Get().(*commitBatch)
	tag := XLog.Tag() // 保持和上下文一致的日志标签
	if tag != nil {
		batch.tag = tag.Clone()
	}
	batch.time = XTime.GetMicrosecond()
	batch.changes = changes
	batch.listeners = listeners
	batch.submit()
}

// setupCommit 初始化提交队列。
// 该函数会从 prefs 中获取提交队列的数量和批次大小，并启动提交队列循环。
func setupCommit(prefs XPrefs.IBase) {
	Close()

	commitQueueCount = prefs.GetInt(commitQueueCountPrefs, runtime.NumCPU())
	commitBatchCount = prefs.GetInt(commitBatchCountPrefs, 100000)

	if commitQueueCount <= 0 {
		commitQueueCount = runtime.NumCPU()
	}

	if commitBatchCount <= 0 {
		commitBatchCount = 100000
	}

	commitQueues = make([]chan *commitBatch, commitQueueCount)
	commitSetupSig = make([]chan os.Signal, commitQueueCount)
	commitDrainWait = make([]chan *sync.WaitGroup, commitQueueCount)
	for i := range commitQueueCount {
		commitQueues[i] = make(chan *commitBatch, commitBatchCount)
		commitSetupSig[i] = make(chan os.Signal, 1)
		commitDrainWait[i] = make(chan *sync.WaitGroup, 1)
	}
	setupQueueMetrics(commitQueueCount)

	commitCloseWait = sync.WaitGroup{}
	atomic.StoreInt32(&commitDrainSig, 0)
	atomic.StoreInt32(&commitCloseSig, 0)

	// 启动提交队列线程
	wg := sync.WaitGroup{}
	for i := range commitQueueCount {
		wg.Add(1)
		XLoom.RunAsyncT2(func(queueID int, doneOnce *sync.Once) {
			setupSig := commitSetupSig[queueID]
			signal.Notify(setupSig, syscall.SIGTERM, syscall.SIGINT)

			quit.GetWaiter().Add(1)
			commitCloseWait.Add(1)
			doneOnce.Do(func() { // 确保只调用一次，否则recover后会重复调用
				wg.Done() // 确保线程启动完成
			})

			drainSig := commitDrainWait[queueID]
			queue := commitQueues[queueID]

			defer func() {
				// 处理剩余的批次
				for len(queue) > 0 {
					batch := <-queue
					batch.push()
				}
				quit.GetWaiter().Done()
				commitCloseWait.Done()
			}()

			for {
				select {
				case batch := <-queue:
					if batch == nil {
						return
					}
					batch.push()
				case dwg := <-drainSig:
					for len(queue) > 0 {
						batch := <-queue
						batch.push()
					}
					dwg.Done()
				case sig, ok := <-setupSig:
					if ok {
						XLog.Notice("XOrm.Commit.Setup(%v): receive signal of %v.", queueID, sig.String())
					} else {
						XLog.Notice("XOrm.Commit.Setup(%v): channel of signal is closed.", queueID)
					}
					return
				case <-quit.GetQuitChannel():
					XLog.Notice("XOrm.Commit.Setup(%v): receive signal of QUIT.", queueID)
					return
				}
			}
		}, i, &sync.Once{}, true)
	}
	wg.Wait()

	XLog.Notice("XOrm.Commit.Setup: queue of commit count is %v, batch of queue count is %v.", commitQueueCount, commitBatchCount)
}

// commitBatch 是一次提交的变更日志及其监听器，由提交队列异步推送。
type commitBatch struct {
	tag       *XLog.LogTag     // 日志标签，用于追踪批次处理
	time      int              // 批次创建时间（微秒）
	queue     int              // 所在队列
	changes   *ChangeMap       // 变更日志
	listeners []CommitListener // 提交时数据域的监听器
}

// reset 重置批次对象的状态，在批次被放回对象池前调用。
func (cb *commitBatch) reset() {
	cb.tag = nil
	cb.time = 0
	cb.queue = 0
	cb.changes = nil
	cb.listeners = nil
}

// submit 提交批次对象至队列中，等待被推送。
func (cb *commitBatch) submit(gid ...int64) {
	if atomic.LoadInt32(&commitCloseSig) > 0 {
		XLog.Warn("XOrm.Commit.Submit: queue has been closed, changes of %v were dropped.", cb.changes.Domain)
		return
	}

	var ggid int64
	if len(gid) > 0 {
		ggid = gid[0]
	} else {
		ggid = goid.Get()
	}

	// 确保 queue ID 在 0 到 commitQueueCount 之间，相同的 goroutine ID 会被分配到同一个队列。
	cb.queue = max(int(ggid)%commitQueueCount, 0)
	queue := commitQueues[cb.queue]

	count := float64(len(cb.changes.Changes))
	commitGauges[cb.queue].Add(count)
	commitGauge.Add(count)
	select {
	case queue <- cb:
	default:
		commitGauges[cb.queue].Sub(count)
		commitGauge.Sub(count)
		XLog.Error("XOrm.Commit.Submit: too many changes to push.")
	}
}

// push 将变更日志推送给全部监听器。
func (cb *commitBatch) push() {
	if cb.tag != nil {
		XLog.Watch(cb.tag)
	}
	waitTime := XTime.GetMicrosecond() - cb.time
	nowTime := XTime.GetMicrosecond()

	for _, l := range cb.listeners {
		cb.notify(l)
	}

	count := float64(len(cb.changes.Changes))
	commitGauges[cb.queue].Sub(count)
	commitGauge.Sub(count)
	commitCounters[cb.queue].Add(count)
	commitCounter.Add(count)

	costTime := XTime.GetMicrosecond() - nowTime
	XLog.Notice("XOrm.Commit.Push: [Finish] [Cost:%.2fms] [Wait:%.2fms] pushed %v change(s) to %v listener(s).",
		float64(costTime)/1e3,
		float64(waitTime)/1e3,
		len(cb.changes.Changes),
		len(cb.listeners))

	if cb.tag != nil {
		XLog.Defer()
	}

	cb.reset()
	commitBatchPool.Put(cb)
}

// notify 回调单个监听器，监听器的异常不影响其他监听器。
func (cb *commitBatch) notify(l CommitListener) {
	defer func() {
		if r := recover(); r != nil {
			XLog.Error("XOrm.Commit.Push: listener of %v panic: %v", cb.changes.Domain, r)
		}
	}()
	l.OnCommit(cb.changes)
}

// Drain 将等待指定的队列推送完成。
// gid 参数为 goroutine ID，若未指定，则使用当前 goroutine ID，
// 若 gid 为 -1，则表示等待所有的队列推送完成。
func Drain(gid ...int64) {
	if atomic.LoadInt32(&commitCloseSig) != 0 {
		return
	}
	var ggid int64
	if len(gid) > 0 {
		ggid = gid[0]
	} else {
		ggid = goid.Get()
	}
	if ggid == -1 {
		if atomic.CompareAndSwapInt32(&commitDrainSig, 0, 1) {
			for index := range commitQueues {
				drainQueue(index)
			}
			atomic.CompareAndSwapInt32(&commitDrainSig, 1, 0)
			XLog.Notice("XOrm.Drain: batches of all commit queue has been drained.")
		}
	} else {
		drainQueue(max(int(ggid)%commitQueueCount, 0))
	}
}

func drainQueue(queueID int) {
	sig := commitDrainWait[queueID]
	if sig == nil {
		return
	}
	wg := &sync.WaitGroup{}
	wg.Add(1)
	sig <- wg
	wg.Wait()
	XLog.Notice("XOrm.Drain: batches of commit queue-%v has been drained.", queueID)
}

// Close 关闭所有的提交队列并等待所有未完成的批次推送完成。
// 此函数会发送退出信号并等待所有队列完成当前工作。
func Close() {
	if atomic.CompareAndSwapInt32(&commitCloseSig, 0, 1) {
		for _, sig := range commitSetupSig {
			signal.Stop(sig)
			close(sig)
		}
		// 等待所有队列完成
		commitCloseWait.Wait()
	}
}
