// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"context"
	"fmt"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XLog"
)

// OperationKind 是批量语句的操作类型。
type OperationKind int

const (
	OperationInsert OperationKind = iota + 1
	OperationUpdate
	OperationDelete
)

func (k OperationKind) String() string {
	switch k {
	case OperationInsert:
		return "insert"
	case OperationUpdate:
		return "update"
	case OperationDelete:
		return "delete"
	}
	return "unknown"
}

// ColumnValue 是语句中的列值：字面量，或在执行前从对象标识解析的延迟值。
type ColumnValue interface {
	columnValue()
}

// Literal 是确定的列值。
type Literal struct {
	Value any
}

// DeferredFromId 是从对象标识（含临时标识的替换映射）读取的列值，
// 用于引用尚未生成主键的新对象。
type DeferredFromId struct {
	Id     *ObjectId
	Column string
}

func (Literal) columnValue()        {}
func (DeferredFromId) columnValue() {}

// resolveColumnValue 解析列值，延迟值未能解析时返回错误。
func resolveColumnValue(v ColumnValue) (any, error) {
	switch cv := v.(type) {
	case Literal:
		return cv.Value, nil
	case DeferredFromId:
		if cv.Id == nil {
			return nil, nil
		}
		val, ok := cv.Id.Value(cv.Column)
		if !ok {
			return nil, fmt.Errorf("XOrm: value of column '%v' from %v was not resolved", cv.Column, cv.Id)
		}
		return val, nil
	case nil:
		return nil, nil
	}
	return nil, fmt.Errorf("XOrm: unknown column value %T", v)
}

// BatchRow 是批量语句中的一行。
type BatchRow struct {
	Id        *ObjectId              // 所属对象，连接表行为 nil
	Values    map[string]ColumnValue // 写入的列值
	Qualifier map[string]ColumnValue // 定位行的条件，取值为 nil 时表示 IS NULL
}

// BatchStatement 是同一数据表、同一操作、同一列签名的一组行。
type BatchStatement struct {
	Table            *DbEntity
	Kind             OperationKind
	Columns          []string // 写入列，按数据表声明顺序
	QualifierColumns []string // 条件列
	GeneratedColumn  string   // 插入后由数据库回填的主键列
	Locking          bool     // 每行必须恰好命中一行
	Rows             []*BatchRow
}

// resolve 在执行前将全部延迟值转换为字面量。
func (bs *BatchStatement) resolve() error {
	for _, row := range bs.Rows {
		for col, v := range row.Values {
			val, err := resolveColumnValue(v)
			if err != nil {
				return err
			}
			row.Values[col] = Literal{Value: val}
		}
		for col, v := range row.Qualifier {
			val, err := resolveColumnValue(v)
			if err != nil {
				return err
			}
			row.Qualifier[col] = Literal{Value: val}
		}
	}
	return nil
}

// BatchResult 是批量语句的执行结果，与行一一对应。
type BatchResult struct {
	Counts []int64 // 影响行数
	Keys   []any   // 数据库生成的主键，未生成时为 nil
}

// SelectStatement 描述了单表查询。
type SelectStatement struct {
	Table     *DbEntity
	Columns   []string       // 为空时查询全部列
	Where     *orm.Condition // 以列名为字段的条件
	OrderBy   []string       // 列名，"-" 前缀表示降序
	Limit     int
	Offset    int
	Aggregate string // 如 "COUNT(*)"、"MAX(id)"，结果列名为 value
}

// Adapter 描述了数据库方言的能力差异。
type Adapter struct {
	Driver                orm.DriverType
	SupportsGeneratedKeys bool
}

// NewAdapter 根据驱动类型创建方言描述。
func NewAdapter(driver orm.DriverType) *Adapter {
	a := &Adapter{Driver: driver}
	switch driver {
	case orm.DRMySQL, orm.DRSqlite, orm.DRTiDB:
		a.SupportsGeneratedKeys = true
	}
	return a
}

// Quote 引用标识符。
func (a *Adapter) Quote(name string) string {
	if a.Driver == orm.DRMySQL || a.Driver == orm.DRTiDB {
		return "`" + name + "`"
	}
	return `"` + name + `"`
}

// DataNode 是单个数据源的语句执行器。
type DataNode interface {
	Name() string
	Adapter() *Adapter
	PkGenerator() PkGenerator
	PerformBatch(ctx context.Context, tx *Transaction, stmt *BatchStatement) (*BatchResult, error)
	PerformQuery(ctx context.Context, stmt *SelectStatement) ([]DataRow, error)
}

// Node 是基于 beego orm 数据源别名的数据节点。
type Node struct {
	name      string
	adapter   *Adapter
	generator PkGenerator
	ormer     orm.Ormer
}

// NewNode 创建数据节点，alias 为已通过 orm.RegisterDataBase 注册的数据源别名。
func NewNode(alias string) (node *Node, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("XOrm: data source '%v' was not registered: %v", alias, r)
		}
	}()
	ormer := orm.NewOrmUsingDB(alias)
	node = &Node{
		name:      alias,
		adapter:   NewAdapter(ormer.Driver().Type()),
		generator: newIncrePkGenerator(),
		ormer:     ormer,
	}
	return node, nil
}

func (n *Node) Name() string { return n.name }

func (n *Node) Adapter() *Adapter { return n.adapter }

func (n *Node) PkGenerator() PkGenerator { return n.generator }

// SetPkGenerator 替换主键生成器。
func (n *Node) SetPkGenerator(generator PkGenerator) { n.generator = generator }

// txOrmer 获取事务在本节点上的连接，首次使用时开启。
func (n *Node) txOrmer(ctx context.Context, tx *Transaction) (orm.TxOrmer, error) {
	res, err := tx.Resource(n.name, func() (TxResource, error) {
		return n.ormer.BeginWithCtx(ctx)
	})
	if err != nil {
		return nil, err
	}
	return res.(orm.TxOrmer), nil
}

// PerformBatch 在事务中逐行执行语句，相同 SQL 的连续行复用预编译语句。
func (n *Node) PerformBatch(ctx context.Context, tx *Transaction, stmt *BatchStatement) (*BatchResult, error) {
	txo, err := n.txOrmer(ctx, tx)
	if err != nil {
		return nil, err
	}
	result := &BatchResult{Counts: make([]int64, len(stmt.Rows)), Keys: make([]any, len(stmt.Rows))}
	var (
		prepared orm.RawPreparer
		lastSQL  string
	)
	defer func() {
		if prepared != nil {
			prepared.Close()
		}
	}()
	for i, row := range stmt.Rows {
		query, args := renderBatchRow(n.adapter, stmt, row)
		if prepared == nil || query != lastSQL {
			if prepared != nil {
				prepared.Close()
			}
			if prepared, err = txo.Raw(query).Prepare(); err != nil {
				prepared = nil
				return nil, err
			}
			lastSQL = query
		}
		res, err := prepared.Exec(args...)
		if err != nil {
			XLog.Error("XOrm.Node.PerformBatch: %v failed: %v", query, err)
			return nil, err
		}
		if result.Counts[i], err = res.RowsAffected(); err != nil {
			return nil, err
		}
		if stmt.GeneratedColumn != "" {
			key, err := res.LastInsertId()
			if err != nil {
				return nil, err
			}
			result.Keys[i] = key
		}
	}
	return result, nil
}

// PerformQuery 执行查询，当前协程绑定的事务已在本节点开启时使用该事务的连接。
func (n *Node) PerformQuery(ctx context.Context, stmt *SelectStatement) ([]DataRow, error) {
	query, args := renderSelect(n.adapter, stmt)
	var raw orm.RawSeter
	if tx := CurrentTransaction(); tx != nil {
		if res := tx.lookup(n.name); res != nil {
			raw = res.(orm.TxOrmer).Raw(query, args...)
		}
	}
	if raw == nil {
		raw = n.ormer.Raw(query, args...)
	}
	var maps []orm.Params
	if _, err := raw.Values(&maps); err != nil {
		XLog.Error("XOrm.Node.PerformQuery: %v failed: %v", query, err)
		return nil, err
	}
	rows := make([]DataRow, 0, len(maps))
	for _, m := range maps {
		row := make(DataRow, len(m))
		for col, v := range m {
			if a := stmt.Table.Attribute(col); a != nil {
				row[col] = a.convert(v)
			} else {
				row[col] = v
			}
		}
		rows = append(rows, row)
	}
	return rows, nil
}
