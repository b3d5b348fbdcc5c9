// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"sort"
	"strings"

	"github.com/google/uuid"
)

// PersistenceState 描述了对象在上下文中的持久化状态。
type PersistenceState int

const (
	StateTransient PersistenceState = iota // 未注册
	StateNew                               // 新建，未入库
	StateCommitted                         // 与数据库一致
	StateModified                          // 已修改
	StateHollow                            // 仅有标识，数据未加载
	StateDeleted                           // 已标记删除
)

var stateNames = [...]string{"TRANSIENT", "NEW", "COMMITTED", "MODIFIED", "HOLLOW", "DELETED"}

func (s PersistenceState) String() string {
	if int(s) < len(stateNames) {
		return stateNames[s]
	}
	return fmt.Sprintf("STATE(%d)", int(s))
}

// ObjectId 是对象的标识，由实体名称及主键快照组成。
// 临时标识在入库前使用，主键生成后写入替换映射，提交完成时转换为永久标识。
type ObjectId struct {
	entity      string
	values      map[string]any
	temp        string
	replacement map[string]any
	key         string
}

// NewObjectId 创建永久标识，values 为主键列及其取值。
func NewObjectId(entity string, values map[string]any) *ObjectId {
	id := &ObjectId{entity: entity, values: make(map[string]any, len(values))}
	for k, v := range values {
		id.values[k] = normalizeKey(v)
	}
	id.key = entity + ":" + formatKeyValues(id.values)
	return id
}

// NewTempObjectId 创建临时标识。
func NewTempObjectId(entity string) *ObjectId {
	id := &ObjectId{entity: entity, temp: uuid.NewString(), replacement: make(map[string]any)}
	id.key = entity + ":~" + id.temp
	return id
}

// Entity 返回实体名称。
func (id *ObjectId) Entity() string { return id.entity }

// IsTemporary 判断是否为临时标识。
func (id *ObjectId) IsTemporary() bool { return id.temp != "" }

// Key 返回可比较的规范化键，用于所有以标识为键的映射。
func (id *ObjectId) Key() string { return id.key }

// Values 返回永久标识的主键快照，临时标识返回 nil。
func (id *ObjectId) Values() map[string]any { return id.values }

// ReplacementIdMap 返回临时标识的主键替换映射。
func (id *ObjectId) ReplacementIdMap() map[string]any { return id.replacement }

// Value 返回主键列的值，临时标识从替换映射中读取。
func (id *ObjectId) Value(column string) (any, bool) {
	if id.temp != "" {
		v, ok := id.replacement[column]
		return v, ok
	}
	v, ok := id.values[column]
	return v, ok
}

// CreateReplacementId 根据替换映射创建永久标识，columns 为实体主表的全部主键列。
func (id *ObjectId) CreateReplacementId(columns []string) (*ObjectId, error) {
	if id.temp == "" {
		return id, nil
	}
	values := make(map[string]any, len(columns))
	for _, col := range columns {
		v, ok := id.replacement[col]
		if !ok || v == nil {
			return nil, fmt.Errorf("XOrm: primary key column '%v' of %v was not generated", col, id)
		}
		values[col] = v
	}
	return NewObjectId(id.entity, values), nil
}

// Equals 判断两个标识是否相同。
func (id *ObjectId) Equals(other *ObjectId) bool {
	if id == nil || other == nil {
		return id == other
	}
	return id.key == other.key
}

func (id *ObjectId) String() string {
	if id == nil {
		return "<nil>"
	}
	return "<ObjectId:" + id.key + ">"
}

// normalizeKey 统一主键取值的类型，保证数据库读取和内存写入的值生成相同的键。
func normalizeKey(v any) any {
	switch nv := v.(type) {
	case []byte:
		return string(nv)
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, _ := toInt64(nv)
		return i
	}
	return v
}

func formatKeyValues(values map[string]any) string {
	var sb strings.Builder
	for i, c := range sortedKeys(values) {
		if i > 0 {
			sb.WriteByte(',')
		}
		sb.WriteString(c)
		sb.WriteByte('=')
		sb.WriteString(fmt.Sprint(values[c]))
	}
	return sb.String()
}

// sortedKeys 返回按名称排序的列名。
func sortedKeys(values map[string]any) []string {
	cols := make([]string, 0, len(values))
	for k := range values {
		cols = append(cols, k)
	}
	sort.Strings(cols)
	return cols
}
