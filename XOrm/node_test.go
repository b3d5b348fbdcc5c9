// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/beego/beego/v2/client/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// newMockNode 创建基于 sqlmock 的数据节点，SQL 按全文匹配。
func newMockNode(t *testing.T) (*Node, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	alias := fmt.Sprintf("mock_%d", atomic.AddInt64(&testAliasID, 1))
	require.NoError(t, orm.AddAliasWthDB(alias, "sqlite", db), "注册模拟数据源应当成功。")
	node, err := NewNode(alias)
	require.NoError(t, err)
	return node, mock
}

// testResource 记录提交及回滚的调用顺序。
type testResource struct {
	name string
	fail bool
	log  *[]string
}

func (r *testResource) Commit() error {
	*r.log = append(*r.log, "commit "+r.name)
	if r.fail {
		return errors.New("commit failed")
	}
	return nil
}

func (r *testResource) Rollback() error {
	*r.log = append(*r.log, "rollback "+r.name)
	return nil
}

func TestNode(t *testing.T) {
	ctx := context.Background()
	resolver, err := LoadMap(testGalleryMap)
	require.NoError(t, err)

	t.Run("Unregistered", func(t *testing.T) {
		_, err := NewNode("nobody")
		assert.Error(t, err, "未注册的数据源应当返回错误。")
	})

	t.Run("Insert", func(t *testing.T) {
		node, mock := newMockNode(t)
		assert.True(t, node.Adapter().SupportsGeneratedKeys, "SQLite 应当支持回填生成的主键。")

		mock.ExpectBegin()
		prep := mock.ExpectPrepare(`INSERT INTO "artist" ("name", "version") VALUES (?, ?)`)
		prep.ExpectExec().WithArgs("Monet", 1).WillReturnResult(sqlmock.NewResult(7, 1))
		prep.ExpectExec().WithArgs("Renoir", 2).WillReturnResult(sqlmock.NewResult(8, 1))
		mock.ExpectCommit()

		tx := NewTransaction()
		result, err := node.PerformBatch(ctx, tx, &BatchStatement{
			Table:           resolver.DbEntity("artist"),
			Kind:            OperationInsert,
			Columns:         []string{"name", "version"},
			GeneratedColumn: "id",
			Rows: []*BatchRow{
				{Values: map[string]ColumnValue{"name": Literal{Value: "Monet"}, "version": Literal{Value: 1}}},
				{Values: map[string]ColumnValue{"name": Literal{Value: "Renoir"}, "version": Literal{Value: 2}}},
			},
		})
		require.NoError(t, err, "批量插入应当成功。")
		assert.Equal(t, []int64{1, 1}, result.Counts)
		assert.Equal(t, []any{int64(7), int64(8)}, result.Keys, "应当回填数据库生成的主键。")
		require.NoError(t, tx.Commit())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Update", func(t *testing.T) {
		node, mock := newMockNode(t)

		mock.ExpectBegin()
		mock.ExpectPrepare(`UPDATE "artist" SET "name" = ? WHERE "id" = ? AND "version" = ?`).
			ExpectExec().WithArgs("Claude", 1, 3).WillReturnResult(sqlmock.NewResult(0, 0))
		mock.ExpectPrepare(`UPDATE "artist" SET "name" = ? WHERE "id" = ? AND "version" IS NULL`).
			ExpectExec().WithArgs("Pierre", 2).WillReturnError(errors.New("disk full"))
		mock.ExpectRollback()

		tx := NewTransaction()
		_, err := node.PerformBatch(ctx, tx, &BatchStatement{
			Table:            resolver.DbEntity("artist"),
			Kind:             OperationUpdate,
			Columns:          []string{"name"},
			QualifierColumns: []string{"id", "version"},
			Locking:          true,
			Rows: []*BatchRow{
				{Values: map[string]ColumnValue{"name": Literal{Value: "Claude"}}, Qualifier: map[string]ColumnValue{"id": Literal{Value: 1}, "version": Literal{Value: 3}}},
				{Values: map[string]ColumnValue{"name": Literal{Value: "Pierre"}}, Qualifier: map[string]ColumnValue{"id": Literal{Value: 2}, "version": Literal{Value: nil}}},
			},
		})
		assert.Error(t, err, "执行失败时应当返回错误。")
		require.NoError(t, tx.Rollback())
		assert.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("Transaction", func(t *testing.T) {
		var log []string
		tx := NewTransaction()
		for _, name := range []string{"a", "b", "c"} {
			_, err := tx.Resource(name, func() (TxResource, error) {
				return &testResource{name: name, fail: name == "b", log: &log}, nil
			})
			require.NoError(t, err)
		}
		res, err := tx.Resource("a", func() (TxResource, error) { return nil, errors.New("unexpected") })
		require.NoError(t, err, "已加入的节点应当复用连接。")
		assert.Equal(t, "a", res.(*testResource).name)

		assert.Error(t, tx.Commit(), "任一连接提交失败时应当返回错误。")
		assert.Equal(t, []string{"commit a", "commit b", "rollback c"}, log, "失败后应当回滚其余连接。")
		_, err = tx.Resource("d", func() (TxResource, error) { return &testResource{log: &log}, nil })
		assert.Error(t, err, "完成后的事务不应当加入新的连接。")
	})

	t.Run("RollbackOnly", func(t *testing.T) {
		var log []string
		tx := NewTransaction()
		_, err := tx.Resource("a", func() (TxResource, error) { return &testResource{name: "a", log: &log}, nil })
		require.NoError(t, err)
		tx.SetRollbackOnly()
		assert.True(t, tx.IsRollbackOnly())
		assert.ErrorIs(t, tx.Commit(), ErrRollbackOnly, "仅回滚的事务提交时应当返回 ErrRollbackOnly。")
		assert.Equal(t, []string{"rollback a"}, log, "仅回滚的事务提交时应当回滚全部连接。")
		assert.NoError(t, tx.Rollback(), "重复回滚应当直接返回。")
	})

	t.Run("Bind", func(t *testing.T) {
		tx := NewTransaction()
		assert.NotEqual(t, tx.Id(), NewTransaction().Id(), "事务 ID 应当唯一。")
		BindTransaction(tx)
		assert.Same(t, tx, CurrentTransaction(), "绑定后应当返回当前协程的事务。")

		done := make(chan *Transaction)
		go func() { done <- CurrentTransaction() }()
		assert.Nil(t, <-done, "其他协程不应当获取到绑定的事务。")

		BindTransaction(nil)
		assert.Nil(t, CurrentTransaction(), "绑定 nil 应当解除绑定。")
		BindTransaction(tx)
		UnbindTransaction()
		assert.Nil(t, CurrentTransaction())
	})
}
