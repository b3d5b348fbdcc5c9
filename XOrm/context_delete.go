// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"

	"github.com/eframework-org/GO.UTIL/XTime"
)

// DeleteObject 标记对象为删除并按关系的删除规则处理关联对象。
// NEW 对象直接注销；DENY 规则存在关联对象时返回 *DeleteDenyError，对象保持原状态。
func (c *ObjectContext) DeleteObject(obj *Object) error {
	c.merge.apply()
	start := XTime.GetMicrosecond()
	defer func() {
		c.deleteCount++
		c.deleteElapsed += int64(XTime.GetMicrosecond() - start)
	}()
	return (&deleteAction{context: c}).performDelete(obj)
}

// DeleteObjects 依次删除多个对象，遇到错误时停止，已完成的删除不会撤销。
func (c *ObjectContext) DeleteObjects(objs ...*Object) error {
	for _, obj := range objs {
		if err := c.DeleteObject(obj); err != nil {
			return err
		}
	}
	return nil
}

// deleteAction 执行删除规则。
// 对象在处理关系之前即被置为 DELETED，级联删除的环路因此在再次进入时终止。
type deleteAction struct {
	context *ObjectContext
}

func (a *deleteAction) performDelete(obj *Object) error {
	if obj == nil {
		return nil
	}
	if obj.state == StateDeleted || obj.state == StateTransient {
		return nil
	}
	c := a.context
	if obj.context != c {
		return fmt.Errorf("XOrm: %v belongs to another context", obj.id)
	}
	if err := obj.resolveFault(); err != nil {
		return err
	}
	if err := a.checkDeny(obj); err != nil {
		return err
	}

	old := obj.state
	_, hadDiff := c.diffs[obj]
	if old != StateNew {
		c.ensureDiff(obj)
	}
	obj.state = StateDeleted
	if err := a.processRules(obj); err != nil {
		// 仅恢复本对象的状态，已完成的级联删除不会撤销
		obj.state = old
		if !hadDiff {
			c.dropDiff(obj)
		}
		return err
	}
	if old == StateNew {
		c.dropDiff(obj)
		c.unregister(obj)
	} else {
		c.ensureDiff(obj).addOp(&NodeDeleteOperation{Id: obj.id})
	}
	return nil
}

// checkDeny 检查 DENY 规则，在修改任何状态之前执行。
func (a *deleteAction) checkDeny(obj *Object) error {
	for _, r := range obj.entity.Relationships {
		if r.DeleteRule != DeleteRuleDeny {
			continue
		}
		related, err := relatedObjects(obj, r)
		if err != nil {
			return err
		}
		count := 0
		for _, target := range related {
			if target.state != StateDeleted {
				count++
			}
		}
		if count > 0 {
			return &DeleteDenyError{Id: obj.id, Relationship: r.Name, Count: count}
		}
	}
	return nil
}

// processRules 按声明顺序处理 NULLIFY、CASCADE 及扁平关系的连接表删除。
func (a *deleteAction) processRules(obj *Object) error {
	for _, r := range obj.entity.Relationships {
		dependent := r.IsFlattened() && !r.IsReadOnly()
		if (r.DeleteRule == DeleteRuleNoAction || r.DeleteRule == DeleteRuleDeny) && !dependent {
			continue
		}
		related, err := relatedObjects(obj, r)
		if err != nil {
			return err
		}
		if len(related) == 0 {
			continue
		}
		switch r.DeleteRule {
		case DeleteRuleNullify:
			if rev := r.ReverseRelationship(); rev != nil && !rev.IsReadOnly() {
				for _, target := range related {
					if err := target.unsetReverse(rev, obj); err != nil {
						return err
					}
				}
			}
		case DeleteRuleCascade:
			for _, target := range related {
				if err := a.performDelete(target); err != nil {
					return err
				}
			}
		}
		if dependent {
			for _, target := range related {
				if err := obj.removeToMany(r, target, true); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

// relatedObjects 返回关系当前目标的副本，避免遍历时集合被修改。
func relatedObjects(obj *Object, rel *ObjRelationship) ([]*Object, error) {
	if rel.IsToMany() {
		list, err := obj.readToMany(rel)
		if err != nil {
			return nil, err
		}
		return append([]*Object(nil), list.objects...), nil
	}
	target, err := obj.readToOne(rel)
	if err != nil || target == nil {
		return nil, err
	}
	return []*Object{target}, nil
}
