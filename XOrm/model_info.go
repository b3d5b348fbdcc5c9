// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// DbAttribute 描述了数据表的一列。
type DbAttribute struct {
	Name       string `yaml:"name"`      // 列名
	Type       string `yaml:"type"`      // 取值类型：int、float、string、bool、time、bytes
	PrimaryKey bool   `yaml:"pk"`        // 是否主键
	Generated  bool   `yaml:"generated"` // 是否由数据库自动生成
	Mandatory  bool   `yaml:"mandatory"` // 是否非空
	MaxLength  int    `yaml:"length"`    // 字符串最大长度，0 表示不限制

	table *DbEntity
}

// Table 返回所属数据表。
func (a *DbAttribute) Table() *DbEntity { return a.table }

// convert 将驱动返回的值转换为列声明的类型。
func (a *DbAttribute) convert(v any) any {
	if v == nil {
		return nil
	}
	if b, ok := v.([]byte); ok && a.Type != "bytes" {
		v = string(b)
	}
	switch a.Type {
	case "int":
		if i, ok := toInt64(v); ok {
			return i
		}
		if s, ok := v.(string); ok {
			if i, err := strconv.ParseInt(s, 10, 64); err == nil {
				return i
			}
		}
	case "float":
		if f, ok := toFloat64(v); ok {
			return f
		}
		if i, ok := toInt64(v); ok {
			return float64(i)
		}
		if s, ok := v.(string); ok {
			if f, err := strconv.ParseFloat(s, 64); err == nil {
				return f
			}
		}
	case "string":
		if s, ok := v.(string); ok {
			return s
		}
		return fmt.Sprint(v)
	case "bool":
		switch nv := v.(type) {
		case bool:
			return nv
		case string:
			return nv == "1" || strings.EqualFold(nv, "true")
		}
		if i, ok := toInt64(v); ok {
			return i != 0
		}
	case "time":
		if s, ok := v.(string); ok {
			for _, layout := range []string{time.RFC3339Nano, "2006-01-02 15:04:05.999999999", "2006-01-02"} {
				if t, err := time.Parse(layout, s); err == nil {
					return t
				}
			}
		}
	}
	return v
}

// DbJoin 描述了关系的一对连接列。
type DbJoin struct {
	Source string `yaml:"source"`
	Target string `yaml:"target"`
}

// DbRelationship 描述了两个数据表之间的关系。
type DbRelationship struct {
	Name          string   `yaml:"name"`
	Target        string   `yaml:"target"`
	ToMany        bool     `yaml:"toMany"`
	ToDependentPK bool     `yaml:"toDependentPK"` // 目标表主键由本表主键传播而来
	Joins         []DbJoin `yaml:"joins"`

	source *DbEntity
	target *DbEntity
}

// SourceEntity 返回关系的源表。
func (r *DbRelationship) SourceEntity() *DbEntity { return r.source }

// TargetEntity 返回关系的目标表。
func (r *DbRelationship) TargetEntity() *DbEntity { return r.target }

// IsToPK 判断关系是否连接到目标表的全部主键列。
func (r *DbRelationship) IsToPK() bool {
	if r.target == nil || len(r.Joins) == 0 {
		return false
	}
	for _, j := range r.Joins {
		a := r.target.Attribute(j.Target)
		if a == nil || !a.PrimaryKey {
			return false
		}
	}
	return true
}

// IsFromPK 判断关系的源列是否均为本表主键。
func (r *DbRelationship) IsFromPK() bool {
	if len(r.Joins) == 0 {
		return false
	}
	for _, j := range r.Joins {
		a := r.source.Attribute(j.Source)
		if a == nil || !a.PrimaryKey {
			return false
		}
	}
	return true
}

// IsToMasterPK 判断本表主键是否从目标表主键传播而来。
func (r *DbRelationship) IsToMasterPK() bool {
	if r.ToMany || r.ToDependentPK || !r.IsToPK() || !r.IsFromPK() {
		return false
	}
	rev := r.Reverse()
	return rev != nil && rev.ToDependentPK
}

// HoldsForeignKey 判断外键列是否位于源表。
func (r *DbRelationship) HoldsForeignKey() bool {
	return !r.ToMany && !r.ToDependentPK && r.IsToPK()
}

// Reverse 返回连接列相反的目标表关系。
func (r *DbRelationship) Reverse() *DbRelationship {
	if r.target == nil {
		return nil
	}
	for _, rel := range r.target.Relationships {
		if rel.Target != r.source.Name || len(rel.Joins) != len(r.Joins) {
			continue
		}
		match := true
		for _, j := range r.Joins {
			found := false
			for _, rj := range rel.Joins {
				if rj.Source == j.Target && rj.Target == j.Source {
					found = true
					break
				}
			}
			if !found {
				match = false
				break
			}
		}
		if match {
			return rel
		}
	}
	return nil
}

// DbEntity 描述了一个数据表。
type DbEntity struct {
	Name          string            `yaml:"name"`
	Node          string            `yaml:"node"` // 所属数据节点，为空时使用映射的默认节点
	Attributes    []*DbAttribute    `yaml:"attributes"`
	Relationships []*DbRelationship `yaml:"relationships"`

	attrs map[string]*DbAttribute
	rels  map[string]*DbRelationship
}

// Attribute 按列名获取列。
func (e *DbEntity) Attribute(name string) *DbAttribute { return e.attrs[name] }

// Relationship 按名称获取关系。
func (e *DbEntity) Relationship(name string) *DbRelationship { return e.rels[name] }

// PrimaryKeys 返回主键列。
func (e *DbEntity) PrimaryKeys() []*DbAttribute {
	var pks []*DbAttribute
	for _, a := range e.Attributes {
		if a.PrimaryKey {
			pks = append(pks, a)
		}
	}
	return pks
}

// PrimaryKeyNames 返回主键列名。
func (e *DbEntity) PrimaryKeyNames() []string {
	var names []string
	for _, a := range e.Attributes {
		if a.PrimaryKey {
			names = append(names, a.Name)
		}
	}
	return names
}

// compile 建立索引并校验列与关系的引用。
func (e *DbEntity) compile(tables map[string]*DbEntity) error {
	e.attrs = make(map[string]*DbAttribute, len(e.Attributes))
	e.rels = make(map[string]*DbRelationship, len(e.Relationships))
	for _, a := range e.Attributes {
		if _, ok := e.attrs[a.Name]; ok {
			return fmt.Errorf("XOrm: duplicated column '%v' of table '%v'", a.Name, e.Name)
		}
		a.table = e
		e.attrs[a.Name] = a
	}
	for _, r := range e.Relationships {
		r.source = e
		r.target = tables[r.Target]
		if r.target == nil {
			return fmt.Errorf("XOrm: target table '%v' of relationship '%v.%v' was not found", r.Target, e.Name, r.Name)
		}
		if len(r.Joins) == 0 {
			return fmt.Errorf("XOrm: relationship '%v.%v' has no joins", e.Name, r.Name)
		}
		e.rels[r.Name] = r
	}
	return nil
}

// validateJoins 在全部数据表编译完成后校验连接列。
func (e *DbEntity) validateJoins() error {
	for _, r := range e.Relationships {
		for _, j := range r.Joins {
			if e.Attribute(j.Source) == nil {
				return fmt.Errorf("XOrm: join column '%v' of relationship '%v.%v' was not found", j.Source, e.Name, r.Name)
			}
			if r.target.Attribute(j.Target) == nil {
				return fmt.Errorf("XOrm: join column '%v.%v' of relationship '%v.%v' was not found", r.Target, j.Target, e.Name, r.Name)
			}
		}
	}
	return nil
}
