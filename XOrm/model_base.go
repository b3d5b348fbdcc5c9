// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"reflect"
	"strings"
	"time"

	"github.com/eframework-org/GO.UTIL/XObject"
)

// DataRow 是数据表的一行，键为列名。
type DataRow map[string]any

// Object 是持久化实体的实例。
// 对象的全部修改都会经由所属上下文记录至 ObjectDiff 中，在提交时转换为数据库语句。
// 对象不是协程安全的，应当在所属上下文的协程中访问。
type Object struct {
	id      *ObjectId
	entity  *ObjEntity
	context *ObjectContext
	state   PersistenceState
	values  map[string]any
	toOne   map[string]*Object
	toMany  map[string]*toManyList
	row     DataRow // 最近一次与数据库一致的主表行
}

// toManyList 是对多关系的目标集合，未加载时为故障状态。
type toManyList struct {
	objects  []*Object
	resolved bool
	index    map[any]*Object
}

func (l *toManyList) indexOf(obj *Object) int {
	for i, o := range l.objects {
		if o == obj {
			return i
		}
	}
	return -1
}

func newObject(entity *ObjEntity, id *ObjectId) *Object {
	return &Object{
		id:     id,
		entity: entity,
		state:  StateTransient,
		values: make(map[string]any, len(entity.Attributes)),
		toOne:  make(map[string]*Object),
		toMany: make(map[string]*toManyList),
	}
}

// Id 返回对象标识。
func (o *Object) Id() *ObjectId { return o.id }

// Entity 返回对象所属实体。
func (o *Object) Entity() *ObjEntity { return o.entity }

// State 返回持久化状态。
func (o *Object) State() PersistenceState { return o.state }

// Context 返回所属上下文，未注册时为 nil。
func (o *Object) Context() *ObjectContext { return o.context }

// Get 读取标量属性，HOLLOW 对象会先从数据库加载。
func (o *Object) Get(name string) (any, error) {
	if o.entity.Attribute(name) == nil {
		return nil, fmt.Errorf("XOrm: attribute '%v.%v' was not found", o.entity.Name, name)
	}
	if err := o.resolveFault(); err != nil {
		return nil, err
	}
	return o.values[name], nil
}

// Set 写入标量属性并记录变更。
func (o *Object) Set(name string, value any) error {
	if o.entity.Attribute(name) == nil {
		return fmt.Errorf("XOrm: attribute '%v.%v' was not found", o.entity.Name, name)
	}
	if err := o.willChange(); err != nil {
		return err
	}
	old := o.values[name]
	o.values[name] = value
	if o.context != nil {
		o.context.recordPropertyChange(o, name, old, value)
	}
	return nil
}

// ToOne 读取对一关系的目标对象。
func (o *Object) ToOne(name string) (*Object, error) {
	rel := o.entity.Relationship(name)
	if rel == nil || rel.IsToMany() {
		return nil, fmt.Errorf("XOrm: to-one relationship '%v.%v' was not found", o.entity.Name, name)
	}
	return o.readToOne(rel)
}

// SetToOne 设置对一关系的目标对象，并维护反向关系。
func (o *Object) SetToOne(name string, target *Object) error {
	rel := o.entity.Relationship(name)
	if rel == nil || rel.IsToMany() {
		return fmt.Errorf("XOrm: to-one relationship '%v.%v' was not found", o.entity.Name, name)
	}
	if rel.IsFlattened() {
		return configError("flattened to-one relationship '%v.%v' is read-only", o.entity.Name, name)
	}
	return o.setToOne(rel, target, true)
}

// ToMany 读取对多关系的目标对象，返回的切片为副本。
func (o *Object) ToMany(name string) ([]*Object, error) {
	rel := o.entity.Relationship(name)
	if rel == nil || !rel.IsToMany() {
		return nil, fmt.Errorf("XOrm: to-many relationship '%v.%v' was not found", o.entity.Name, name)
	}
	list, err := o.readToMany(rel)
	if err != nil {
		return nil, err
	}
	return append([]*Object(nil), list.objects...), nil
}

// ToManyMap 读取映射型对多关系，键为目标对象 MapKey 属性的值。
func (o *Object) ToManyMap(name string) (map[any]*Object, error) {
	rel := o.entity.Relationship(name)
	if rel == nil || !rel.IsMap() {
		return nil, fmt.Errorf("XOrm: map relationship '%v.%v' was not found", o.entity.Name, name)
	}
	list, err := o.readToMany(rel)
	if err != nil {
		return nil, err
	}
	if list.index == nil {
		list.index = buildMapIndex(rel, list.objects)
	}
	ret := make(map[any]*Object, len(list.index))
	for k, v := range list.index {
		ret[k] = v
	}
	return ret, nil
}

// AddToMany 向对多关系添加目标对象，并维护反向关系。
func (o *Object) AddToMany(name string, target *Object) error {
	rel := o.entity.Relationship(name)
	if rel == nil || !rel.IsToMany() {
		return fmt.Errorf("XOrm: to-many relationship '%v.%v' was not found", o.entity.Name, name)
	}
	return o.addToMany(rel, target, true)
}

// RemoveToMany 从对多关系移除目标对象，并维护反向关系。
func (o *Object) RemoveToMany(name string, target *Object) error {
	rel := o.entity.Relationship(name)
	if rel == nil || !rel.IsToMany() {
		return fmt.Errorf("XOrm: to-many relationship '%v.%v' was not found", o.entity.Name, name)
	}
	return o.removeToMany(rel, target, true)
}

// Json 将对象的标量属性转换为 JSON 字符串。
func (o *Object) Json() string {
	result, _ := XObject.ToJson(o.values)
	return result
}

func (o *Object) String() string {
	return fmt.Sprintf("%v[%v]", o.id, o.state)
}

// resolveFault 加载 HOLLOW 对象。
func (o *Object) resolveFault() error {
	if o.state != StateHollow {
		return nil
	}
	if o.context == nil {
		return fmt.Errorf("XOrm: hollow object %v is not registered", o.id)
	}
	return o.context.resolveHollow(o)
}

// willChange 在修改之前调用：加载故障、捕获基线快照并切换至 MODIFIED。
func (o *Object) willChange() error {
	if err := o.resolveFault(); err != nil {
		return err
	}
	if o.state == StateDeleted {
		return fmt.Errorf("XOrm: can't modify deleted object %v", o.id)
	}
	if o.context != nil {
		o.context.prepareChange(o)
	}
	return nil
}

func (o *Object) readToOne(rel *ObjRelationship) (*Object, error) {
	if err := o.resolveFault(); err != nil {
		return nil, err
	}
	if target, ok := o.toOne[rel.Name]; ok {
		return target, nil
	}
	if o.context == nil || o.state == StateNew || o.state == StateTransient {
		return nil, nil
	}
	target, err := o.context.resolveToOne(o, rel)
	if err != nil {
		return nil, err
	}
	o.toOne[rel.Name] = target
	return target, nil
}

func (o *Object) readToMany(rel *ObjRelationship) (*toManyList, error) {
	if err := o.resolveFault(); err != nil {
		return nil, err
	}
	list := o.toMany[rel.Name]
	if list == nil {
		list = &toManyList{resolved: o.context == nil || o.state == StateNew || o.state == StateTransient}
		o.toMany[rel.Name] = list
	}
	if !list.resolved {
		objects, err := o.context.resolveToMany(o, rel)
		if err != nil {
			return nil, err
		}
		list.objects = objects
		list.resolved = true
		list.index = nil
	}
	return list, nil
}

func (o *Object) checkTarget(target *Object) error {
	if target != nil && o.context != nil && target.context != nil && target.context != o.context {
		return fmt.Errorf("XOrm: %v and %v belong to different contexts", o.id, target.id)
	}
	return nil
}

func (o *Object) setToOne(rel *ObjRelationship, target *Object, setReverse bool) error {
	if err := o.checkTarget(target); err != nil {
		return err
	}
	old, err := o.readToOne(rel)
	if err != nil {
		return err
	}
	if old == target {
		return nil
	}
	if err := o.willChange(); err != nil {
		return err
	}
	o.toOne[rel.Name] = target
	if o.context != nil {
		if old != nil {
			if err := o.context.recordArcChange(o, old.id, rel.Name, true); err != nil {
				return err
			}
		}
		if target != nil {
			if err := o.context.recordArcChange(o, target.id, rel.Name, false); err != nil {
				return err
			}
		}
	}
	if rev := rel.ReverseRelationship(); setReverse && rev != nil {
		if old != nil {
			if err := old.unsetReverse(rev, o); err != nil {
				return err
			}
		}
		if target != nil {
			if err := target.setReverse(rev, o); err != nil {
				return err
			}
		}
	}
	return nil
}

func (o *Object) addToMany(rel *ObjRelationship, target *Object, setReverse bool) error {
	if target == nil {
		return fmt.Errorf("XOrm: can't add nil to '%v.%v'", o.entity.Name, rel.Name)
	}
	if rel.IsReadOnly() {
		return configError("flattened relationship '%v.%v' is read-only", o.entity.Name, rel.Name)
	}
	if err := o.checkTarget(target); err != nil {
		return err
	}
	list, err := o.readToMany(rel)
	if err != nil {
		return err
	}
	if list.indexOf(target) >= 0 {
		return nil
	}
	if err := o.willChange(); err != nil {
		return err
	}
	list.objects = append(list.objects, target)
	list.index = nil
	if o.context != nil {
		if err := o.context.recordArcChange(o, target.id, rel.Name, false); err != nil {
			return err
		}
	}
	if rev := rel.ReverseRelationship(); setReverse && rev != nil {
		return target.setReverse(rev, o)
	}
	return nil
}

func (o *Object) removeToMany(rel *ObjRelationship, target *Object, setReverse bool) error {
	if target == nil {
		return nil
	}
	if rel.IsReadOnly() {
		return configError("flattened relationship '%v.%v' is read-only", o.entity.Name, rel.Name)
	}
	list, err := o.readToMany(rel)
	if err != nil {
		return err
	}
	idx := list.indexOf(target)
	if idx < 0 {
		return nil
	}
	if o.state != StateDeleted {
		if err := o.willChange(); err != nil {
			return err
		}
	}
	list.objects = append(list.objects[:idx], list.objects[idx+1:]...)
	list.index = nil
	if o.context != nil {
		if err := o.context.recordArcChange(o, target.id, rel.Name, true); err != nil {
			return err
		}
	}
	if rev := rel.ReverseRelationship(); setReverse && rev != nil {
		return target.unsetReverse(rev, o)
	}
	return nil
}

// setReverse 设置反向关系的一端，不再回写。
func (o *Object) setReverse(rel *ObjRelationship, target *Object) error {
	if rel.IsToMany() {
		return o.addToMany(rel, target, false)
	}
	return o.setToOne(rel, target, false)
}

// unsetReverse 清除反向关系的一端，不再回写。
func (o *Object) unsetReverse(rel *ObjRelationship, target *Object) error {
	if o.state == StateDeleted && !rel.IsFlattened() {
		return nil
	}
	if rel.IsToMany() {
		return o.removeToMany(rel, target, false)
	}
	current, err := o.readToOne(rel)
	if err != nil || current != target {
		return err
	}
	return o.setToOne(rel, nil, false)
}

// currentTargetId 返回对一关系当前目标的标识；未加载时从行快照推导。
func (o *Object) currentTargetId(rel *ObjRelationship) *ObjectId {
	if target, ok := o.toOne[rel.Name]; ok {
		if target == nil {
			return nil
		}
		return target.id
	}
	return targetIdFromRow(rel, o.row)
}

// targetIdFromRow 根据外键列推导对一关系的目标标识。
func targetIdFromRow(rel *ObjRelationship, row DataRow) *ObjectId {
	if row == nil || !rel.HoldsForeignKey() {
		return nil
	}
	values := make(map[string]any, len(rel.dbPath[0].Joins))
	for _, j := range rel.dbPath[0].Joins {
		v := row[j.Source]
		if v == nil {
			return nil
		}
		values[j.Target] = rel.dbPath[0].target.Attribute(j.Target).convert(v)
	}
	return NewObjectId(rel.target.Name, values)
}

// snapshotRow 生成对象当前状态的主表行，用于更新共享缓存。
func (o *Object) snapshotRow(id *ObjectId) DataRow {
	table := o.entity.dbEntity
	row := make(DataRow, len(table.Attributes))
	for _, a := range o.entity.Attributes {
		if !a.IsFlattened() {
			row[a.column.Name] = o.values[a.Name]
		}
	}
	for _, r := range o.entity.Relationships {
		if !r.HoldsForeignKey() {
			continue
		}
		tid := o.currentTargetId(r)
		for _, j := range r.dbPath[0].Joins {
			if tid == nil {
				row[j.Source] = nil
			} else {
				v, _ := tid.Value(j.Target)
				row[j.Source] = v
			}
		}
	}
	for _, pk := range table.PrimaryKeyNames() {
		if v, ok := id.Value(pk); ok {
			row[pk] = v
		}
	}
	return row
}

// buildMapIndex 以 MapKey 属性构建映射型关系的索引。
func buildMapIndex(rel *ObjRelationship, objects []*Object) map[any]*Object {
	index := make(map[any]*Object, len(objects))
	for _, obj := range objects {
		key := normalizeKey(obj.values[rel.MapKey])
		if key == nil {
			continue
		}
		if reflect.TypeOf(key).Comparable() {
			index[key] = obj
		}
	}
	return index
}

// valuesEqual 比较两个属性值，数值按值比较，时间按时刻比较。
func valuesEqual(a, b any) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	if ab, ok := a.([]byte); ok {
		a = string(ab)
	}
	if bb, ok := b.([]byte); ok {
		b = string(bb)
	}
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			return ai == bi
		}
		if bf, ok := toFloat64(b); ok {
			return float64(ai) == bf
		}
		return false
	}
	if af, ok := toFloat64(a); ok {
		if bf, ok := toFloat64(b); ok {
			return af == bf
		}
		if bi, ok := toInt64(b); ok {
			return af == float64(bi)
		}
		return false
	}
	if at, ok := a.(time.Time); ok {
		if bt, ok := b.(time.Time); ok {
			return at.Equal(bt)
		}
		return false
	}
	ta, tb := reflect.TypeOf(a), reflect.TypeOf(b)
	if ta == tb && ta.Comparable() {
		return a == b
	}
	return reflect.DeepEqual(a, b)
}

// compareValues 比较两个值的大小，无法比较时 ok 为 false。
func compareValues(a, b any) (int, bool) {
	if ai, ok := toInt64(a); ok {
		if bi, ok := toInt64(b); ok {
			switch {
			case ai < bi:
				return -1, true
			case ai > bi:
				return 1, true
			}
			return 0, true
		}
	}
	af, ok1 := toFloat64(a)
	if !ok1 {
		if ai, ok := toInt64(a); ok {
			af, ok1 = float64(ai), true
		}
	}
	bf, ok2 := toFloat64(b)
	if !ok2 {
		if bi, ok := toInt64(b); ok {
			bf, ok2 = float64(bi), true
		}
	}
	if ok1 && ok2 {
		switch {
		case af < bf:
			return -1, true
		case af > bf:
			return 1, true
		}
		return 0, true
	}
	as, ok1 := a.(string)
	bs, ok2 := b.(string)
	if ok1 && ok2 {
		return strings.Compare(as, bs), true
	}
	at, ok1 := a.(time.Time)
	bt, ok2 := b.(time.Time)
	if ok1 && ok2 {
		return at.Compare(bt), true
	}
	return 0, false
}

// toInt64 是 Int64 类型转换辅助函数。
func toInt64(v any) (int64, bool) {
	switch val := v.(type) {
	case int:
		return int64(val), true
	case int32:
		return int64(val), true
	case int64:
		return val, true
	case nil:
		return 0, false
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Int, reflect.Int8, reflect.Int16, reflect.Int32, reflect.Int64:
			return rv.Int(), true
		case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
			return int64(rv.Uint()), true
		}
		return 0, false
	}
}

// toFloat64 是 Float64 类型转换辅助函数。
func toFloat64(v any) (float64, bool) {
	switch val := v.(type) {
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case nil:
		return 0, false
	default:
		rv := reflect.ValueOf(v)
		switch rv.Kind() {
		case reflect.Float32, reflect.Float64:
			return rv.Float(), true
		}
		return 0, false
	}
}
