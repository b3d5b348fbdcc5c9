// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"unicode/utf8"
)

// NewTransientObject 创建未注册的对象，可通过 RegisterNewObject 加入上下文。
func NewTransientObject(entity *ObjEntity) *Object {
	return newObject(entity, NewTempObjectId(entity.Name))
}

// NewObject 创建并注册实体的新对象，对象在提交时插入数据库。
func (c *ObjectContext) NewObject(entity string) (*Object, error) {
	c.merge.apply()
	e := c.domain.resolver.Entity(entity)
	if e == nil {
		return nil, fmt.Errorf("XOrm: entity '%v' was not found", entity)
	}
	obj := newObject(e, NewTempObjectId(e.Name))
	c.registerNew(obj)
	return obj, nil
}

// RegisterNewObject 将 TRANSIENT 对象注册为 NEW。
// 对象已设置的关系一并记录，可达的 TRANSIENT 目标对象同样被注册。
func (c *ObjectContext) RegisterNewObject(obj *Object) error {
	c.merge.apply()
	if obj == nil {
		return fmt.Errorf("XOrm: can't register nil object")
	}
	if obj.context == c && obj.state != StateTransient {
		return nil
	}
	if obj.state != StateTransient || obj.context != nil {
		return fmt.Errorf("XOrm: %v is already registered", obj.id)
	}
	if c.domain.resolver.Entity(obj.entity.Name) != obj.entity {
		return fmt.Errorf("XOrm: entity '%v' doesn't belong to domain '%v'", obj.entity.Name, c.domain.name)
	}
	if !obj.id.IsTemporary() {
		obj.id = NewTempObjectId(obj.entity.Name)
	}
	c.registerNew(obj)

	for _, r := range obj.entity.Relationships {
		if r.IsToMany() {
			list := obj.toMany[r.Name]
			if list == nil {
				continue
			}
			for _, target := range list.objects {
				if err := c.registerReachable(target); err != nil {
					return err
				}
				if err := c.recordArcChange(obj, target.id, r.Name, false); err != nil {
					return err
				}
			}
		} else if target := obj.toOne[r.Name]; target != nil {
			if err := c.registerReachable(target); err != nil {
				return err
			}
			if err := c.recordArcChange(obj, target.id, r.Name, false); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *ObjectContext) registerReachable(obj *Object) error {
	if obj.context == c {
		return nil
	}
	return c.RegisterNewObject(obj)
}

func (c *ObjectContext) registerNew(obj *Object) {
	obj.state = StateNew
	c.register(obj)
	c.ensureDiff(obj).addOp(&NodeCreateOperation{Id: obj.id})
}

// validate 校验待提交的对象：非空列、字符串长度及实体的校验函数。
func (c *ObjectContext) validate(diffs []*ObjectDiff) error {
	var failures []ValidationFailure
	for _, d := range diffs {
		o := d.object
		if o.state != StateNew && o.state != StateModified {
			continue
		}
		for _, a := range o.entity.Attributes {
			col := a.column
			v := o.values[a.Name]
			if col.Mandatory && !col.PrimaryKey && v == nil {
				failures = append(failures, ValidationFailure{Id: o.id, Property: a.Name, Message: "is mandatory"})
			}
			if col.MaxLength > 0 {
				if s, ok := v.(string); ok && utf8.RuneCountInString(s) > col.MaxLength {
					failures = append(failures, ValidationFailure{Id: o.id, Property: a.Name,
						Message: fmt.Sprintf("exceeds max length %v", col.MaxLength)})
				}
			}
		}
		for _, r := range o.entity.Relationships {
			if !r.HoldsForeignKey() || o.currentTargetId(r) != nil {
				continue
			}
			mandatory := false
			for _, j := range r.dbPath[0].Joins {
				if a := o.entity.dbEntity.Attribute(j.Source); a != nil && a.Mandatory {
					mandatory = true
				}
			}
			if mandatory {
				failures = append(failures, ValidationFailure{Id: o.id, Property: r.Name, Message: "is mandatory"})
			}
		}
		for _, validator := range o.entity.validators {
			if err := validator(o); err != nil {
				failures = append(failures, ValidationFailure{Id: o.id, Message: err.Error()})
			}
		}
	}
	if len(failures) > 0 {
		return &ValidationError{Failures: failures}
	}
	return nil
}
