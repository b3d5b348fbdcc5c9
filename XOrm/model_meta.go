// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"strings"

	"github.com/go-openapi/inflect"
	"gopkg.in/yaml.v3"
)

// DeleteRule 是关系的删除规则。
type DeleteRule int

const (
	DeleteRuleNoAction DeleteRule = iota
	DeleteRuleNullify
	DeleteRuleCascade
	DeleteRuleDeny
)

var deleteRuleNames = map[string]DeleteRule{
	"":         DeleteRuleNoAction,
	"noaction": DeleteRuleNoAction,
	"nullify":  DeleteRuleNullify,
	"cascade":  DeleteRuleCascade,
	"deny":     DeleteRuleDeny,
}

func (d DeleteRule) String() string {
	switch d {
	case DeleteRuleNullify:
		return "NULLIFY"
	case DeleteRuleCascade:
		return "CASCADE"
	case DeleteRuleDeny:
		return "DENY"
	}
	return "NO_ACTION"
}

func (d *DeleteRule) UnmarshalYAML(value *yaml.Node) error {
	rule, ok := deleteRuleNames[strings.ToLower(strings.ReplaceAll(value.Value, "_", ""))]
	if !ok {
		return fmt.Errorf("XOrm: invalid delete rule '%v' at line %v", value.Value, value.Line)
	}
	*d = rule
	return nil
}

// LockType 是实体的并发控制方式。
type LockType int

const (
	LockTypeNone LockType = iota
	LockTypeOptimistic
)

func (l *LockType) UnmarshalYAML(value *yaml.Node) error {
	switch strings.ToLower(value.Value) {
	case "", "none":
		*l = LockTypeNone
	case "optimistic":
		*l = LockTypeOptimistic
	default:
		return fmt.Errorf("XOrm: invalid lock type '%v' at line %v", value.Value, value.Line)
	}
	return nil
}

// Cardinality 是关系的基数。
type Cardinality int

const (
	ToOne Cardinality = iota
	ToMany
)

// ObjAttribute 是实体的标量属性。
// Path 为列名，或以关系名开头的扁平路径（如 "detail.biography"）。
type ObjAttribute struct {
	Name           string `yaml:"name"`
	Path           string `yaml:"path"`
	UsedForLocking bool   `yaml:"lock"`

	entity   *ObjEntity
	column   *DbAttribute
	relPath  []*DbRelationship
	dbEntity *DbEntity
}

// Entity 返回所属实体。
func (a *ObjAttribute) Entity() *ObjEntity { return a.entity }

// IsFlattened 判断属性是否映射到其他数据表。
func (a *ObjAttribute) IsFlattened() bool { return len(a.relPath) > 0 }

// Column 返回最终映射的列。
func (a *ObjAttribute) Column() *DbAttribute { return a.column }

// Table 返回列所在的数据表。
func (a *ObjAttribute) Table() *DbEntity { return a.dbEntity }

// ObjRelationship 是实体间的关系，Path 为以 "." 分隔的数据表关系名。
type ObjRelationship struct {
	Name           string     `yaml:"name"`
	Target         string     `yaml:"target"`
	Path           string     `yaml:"path"`
	DeleteRule     DeleteRule `yaml:"deleteRule"`
	UsedForLocking bool       `yaml:"lock"`
	MapKey         string     `yaml:"mapKey"` // 以目标对象属性为键的映射型关系

	entity  *ObjEntity
	target  *ObjEntity
	dbPath  []*DbRelationship
	reverse *ObjRelationship
}

// RelationshipVisitor 按基数分派关系的处理。
type RelationshipVisitor interface {
	VisitToOne(rel *ObjRelationship) error
	VisitToMany(rel *ObjRelationship) error
}

// Entity 返回源实体。
func (r *ObjRelationship) Entity() *ObjEntity { return r.entity }

// TargetEntity 返回目标实体。
func (r *ObjRelationship) TargetEntity() *ObjEntity { return r.target }

// DbPath 返回关系经过的数据表关系。
func (r *ObjRelationship) DbPath() []*DbRelationship { return r.dbPath }

// Cardinality 返回关系基数，路径中任一段为对多则为对多。
func (r *ObjRelationship) Cardinality() Cardinality {
	for _, d := range r.dbPath {
		if d.ToMany {
			return ToMany
		}
	}
	return ToOne
}

// IsToMany 判断是否为对多关系。
func (r *ObjRelationship) IsToMany() bool { return r.Cardinality() == ToMany }

// IsFlattened 判断关系是否经过连接表。
func (r *ObjRelationship) IsFlattened() bool { return len(r.dbPath) > 1 }

// IsReadOnly 判断扁平关系是否不可修改：仅支持经过单个连接表的两段路径。
func (r *ObjRelationship) IsReadOnly() bool {
	if !r.IsFlattened() {
		return false
	}
	if len(r.dbPath) != 2 {
		return true
	}
	first, second := r.dbPath[0], r.dbPath[1]
	return !first.ToMany || second.ToMany || !second.IsToPK() || first.Reverse() == nil || !first.Reverse().IsToPK()
}

// HoldsForeignKey 判断关系是否由源表的外键列实现。
func (r *ObjRelationship) HoldsForeignKey() bool {
	return !r.IsFlattened() && r.dbPath[0].HoldsForeignKey()
}

// ReverseRelationship 返回反向关系，不存在时返回 nil。
func (r *ObjRelationship) ReverseRelationship() *ObjRelationship { return r.reverse }

// IsMap 判断是否为映射型关系。
func (r *ObjRelationship) IsMap() bool { return r.MapKey != "" && r.IsToMany() }

// Visit 按基数分派至访问器。
func (r *ObjRelationship) Visit(v RelationshipVisitor) error {
	if r.IsToMany() {
		return v.VisitToMany(r)
	}
	return v.VisitToOne(r)
}

// Validator 是实体级的校验函数。
type Validator func(obj *Object) error

// ObjEntity 描述了一个持久化实体及其到数据表的映射。
type ObjEntity struct {
	Name          string             `yaml:"name"`
	Table         string             `yaml:"table"`
	Lock          LockType           `yaml:"lock"`
	Attributes    []*ObjAttribute    `yaml:"attributes"`
	Relationships []*ObjRelationship `yaml:"relationships"`

	dbEntity   *DbEntity
	attrs      map[string]*ObjAttribute
	rels       map[string]*ObjRelationship
	tables     []*DbEntity
	validators []Validator
}

// DbEntity 返回主表。
func (e *ObjEntity) DbEntity() *DbEntity { return e.dbEntity }

// Attribute 按名称获取属性。
func (e *ObjEntity) Attribute(name string) *ObjAttribute { return e.attrs[name] }

// Relationship 按名称获取关系。
func (e *ObjEntity) Relationship(name string) *ObjRelationship { return e.rels[name] }

// Tables 返回实体覆盖的全部数据表，主表在前。
func (e *ObjEntity) Tables() []*DbEntity { return e.tables }

// PrimaryKeyNames 返回主表的主键列名。
func (e *ObjEntity) PrimaryKeyNames() []string { return e.dbEntity.PrimaryKeyNames() }

// IsOptimisticLocking 判断实体是否启用乐观锁。
func (e *ObjEntity) IsOptimisticLocking() bool { return e.Lock == LockTypeOptimistic }

// MeaningfulPK 返回映射到主键列的属性，不存在时返回 nil。
func (e *ObjEntity) MeaningfulPK(column string) *ObjAttribute {
	for _, a := range e.Attributes {
		if !a.IsFlattened() && a.column.Name == column {
			return a
		}
	}
	return nil
}

// EntityResolver 持有全部实体及数据表的映射信息，编译后只读，可在多个协程间共享。
type EntityResolver struct {
	Name     string       `yaml:"name"`
	Node     string       `yaml:"node"`
	Tables   []*DbEntity  `yaml:"tables"`
	Entities []*ObjEntity `yaml:"entities"`

	tables   map[string]*DbEntity
	entities map[string]*ObjEntity
	compiled bool
}

// Entity 按名称获取实体。
func (er *EntityResolver) Entity(name string) *ObjEntity { return er.entities[name] }

// DbEntity 按名称获取数据表。
func (er *EntityResolver) DbEntity(name string) *DbEntity { return er.tables[name] }

// AddValidator 为实体添加校验函数。
func (er *EntityResolver) AddValidator(entity string, validator Validator) error {
	e := er.entities[entity]
	if e == nil {
		return fmt.Errorf("XOrm: entity '%v' was not found", entity)
	}
	e.validators = append(e.validators, validator)
	return nil
}

// Compile 建立索引、补全默认命名并校验映射，在使用前必须调用。
func (er *EntityResolver) Compile() error {
	er.tables = make(map[string]*DbEntity, len(er.Tables))
	er.entities = make(map[string]*ObjEntity, len(er.Entities))
	for _, t := range er.Tables {
		if _, ok := er.tables[t.Name]; ok {
			return fmt.Errorf("XOrm: duplicated table '%v'", t.Name)
		}
		if t.Node == "" {
			t.Node = er.Node
		}
		er.tables[t.Name] = t
	}
	for _, t := range er.Tables {
		if err := t.compile(er.tables); err != nil {
			return err
		}
	}
	for _, t := range er.Tables {
		if err := t.validateJoins(); err != nil {
			return err
		}
	}
	for _, e := range er.Entities {
		if _, ok := er.entities[e.Name]; ok {
			return fmt.Errorf("XOrm: duplicated entity '%v'", e.Name)
		}
		if e.Table == "" {
			e.Table = inflect.Underscore(e.Name)
		}
		e.dbEntity = er.tables[e.Table]
		if e.dbEntity == nil {
			return fmt.Errorf("XOrm: table '%v' of entity '%v' was not found", e.Table, e.Name)
		}
		if len(e.dbEntity.PrimaryKeys()) == 0 {
			return fmt.Errorf("XOrm: table '%v' of entity '%v' has no primary key", e.Table, e.Name)
		}
		er.entities[e.Name] = e
	}
	for _, e := range er.Entities {
		if err := er.compileEntity(e); err != nil {
			return err
		}
	}
	// 映射键及反向关系依赖目标实体的属性索引，须在全部实体编译后处理
	for _, e := range er.Entities {
		for _, r := range e.Relationships {
			if r.MapKey != "" && r.target.Attribute(r.MapKey) == nil {
				return fmt.Errorf("XOrm: map key '%v' of relationship '%v.%v' was not found", r.MapKey, e.Name, r.Name)
			}
			r.reverse = er.findReverse(r)
		}
	}
	er.compiled = true
	return nil
}

func (er *EntityResolver) compileEntity(e *ObjEntity) error {
	e.attrs = make(map[string]*ObjAttribute, len(e.Attributes))
	e.rels = make(map[string]*ObjRelationship, len(e.Relationships))
	e.tables = []*DbEntity{e.dbEntity}
	for _, a := range e.Attributes {
		a.entity = e
		if a.Path == "" {
			a.Path = inflect.Underscore(a.Name)
		}
		segments := strings.Split(a.Path, ".")
		table := e.dbEntity
		a.relPath = nil
		for _, seg := range segments[:len(segments)-1] {
			rel := table.Relationship(seg)
			if rel == nil {
				return fmt.Errorf("XOrm: relationship '%v' in path of '%v.%v' was not found", seg, e.Name, a.Name)
			}
			if rel.ToMany {
				return fmt.Errorf("XOrm: path of attribute '%v.%v' crosses a to-many relationship", e.Name, a.Name)
			}
			a.relPath = append(a.relPath, rel)
			table = rel.target
		}
		a.dbEntity = table
		a.column = table.Attribute(segments[len(segments)-1])
		if a.column == nil {
			return fmt.Errorf("XOrm: column of attribute '%v.%v' was not found: %v", e.Name, a.Name, a.Path)
		}
		if a.IsFlattened() {
			if len(a.relPath) != 1 || !a.relPath[0].ToDependentPK {
				return fmt.Errorf("XOrm: flattened attribute '%v.%v' must cross one to-dependent-pk relationship", e.Name, a.Name)
			}
			found := false
			for _, t := range e.tables {
				if t == table {
					found = true
				}
			}
			if !found {
				e.tables = append(e.tables, table)
			}
		}
		if _, ok := e.attrs[a.Name]; ok {
			return fmt.Errorf("XOrm: duplicated property '%v.%v'", e.Name, a.Name)
		}
		e.attrs[a.Name] = a
	}
	for _, r := range e.Relationships {
		r.entity = e
		r.target = er.entities[r.Target]
		if r.target == nil {
			return fmt.Errorf("XOrm: target entity '%v' of relationship '%v.%v' was not found", r.Target, e.Name, r.Name)
		}
		if r.Path == "" {
			r.Path = r.Name
		}
		table := e.dbEntity
		r.dbPath = nil
		for _, seg := range strings.Split(r.Path, ".") {
			rel := table.Relationship(seg)
			if rel == nil {
				return fmt.Errorf("XOrm: relationship '%v' in path of '%v.%v' was not found", seg, e.Name, r.Name)
			}
			r.dbPath = append(r.dbPath, rel)
			table = rel.target
		}
		if table != r.target.dbEntity {
			return fmt.Errorf("XOrm: path of relationship '%v.%v' doesn't end at table '%v'", e.Name, r.Name, r.target.Table)
		}
		if _, ok := e.attrs[r.Name]; ok {
			return fmt.Errorf("XOrm: duplicated property '%v.%v'", e.Name, r.Name)
		}
		if _, ok := e.rels[r.Name]; ok {
			return fmt.Errorf("XOrm: duplicated property '%v.%v'", e.Name, r.Name)
		}
		e.rels[r.Name] = r
	}
	return nil
}

// findReverse 在目标实体中查找路径完全相反的关系。
func (er *EntityResolver) findReverse(r *ObjRelationship) *ObjRelationship {
	for _, cand := range r.target.Relationships {
		if cand.target != r.entity || len(cand.dbPath) != len(r.dbPath) || (cand == r) {
			continue
		}
		match := true
		n := len(r.dbPath)
		for i, d := range r.dbPath {
			if d.Reverse() != cand.dbPath[n-1-i] {
				match = false
				break
			}
		}
		if match {
			return cand
		}
	}
	return nil
}

// VisitProperties 按声明顺序访问属性与关系，visitor 返回 false 时中止。
func (e *ObjEntity) VisitProperties(attr func(a *ObjAttribute) bool, rel func(r *ObjRelationship) bool) bool {
	for _, a := range e.Attributes {
		if attr != nil && !attr(a) {
			return false
		}
	}
	for _, r := range e.Relationships {
		if rel != nil && !rel(r) {
			return false
		}
	}
	return true
}

// ObjEntities 返回全部实体。
func (er *EntityResolver) ObjEntities() []*ObjEntity { return er.Entities }
