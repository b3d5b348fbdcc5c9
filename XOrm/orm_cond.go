// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"reflect"
	"strconv"
	"strings"
	"sync"
	"unsafe"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XObject"
)

// Condition 表示一个查询条件，包含基础条件和分页信息。
// 条件中的字段名为实体的属性名，查询时转换为列名。
type Condition struct {
	Base   *orm.Condition // 基础条件
	Limit  int            // 分页限制
	Offset int            // 分页偏移
}

// Ctor 初始化条件。
func (c *Condition) Ctor(obj any) {
	c.Base = orm.NewCondition()
}

// Cond 创建新的条件。
//
// 用法:
//  1. Cond() - 创建空条件
//  2. Cond(existingCond *orm.Condition) - 从现有条件创建
//  3. Cond("a > {0} && b == {1}", 1, 2) - 从表达式和参数创建
//
// 表达式支持的操作符：>、>=、<、<=、==、!=、contains、startswith、endswith、isnull、in，
// 逻辑运算符：&&、||、!，分页：limit = {n}、offset = {n}。
func Cond(condOrExprAndArgs ...any) *Condition {
	c := XObject.New[Condition]()
	if len(condOrExprAndArgs) == 0 {
		return c
	}

	if cond, ok := condOrExprAndArgs[0].(*orm.Condition); ok {
		if cond != nil {
			c.Base = cond
		}
		return c
	}

	if expr, ok := condOrExprAndArgs[0].(string); ok {
		if expr == "" {
			return c
		}
		nc := exprCondition(expr, condOrExprAndArgs[1:])
		c.Base, c.Limit, c.Offset = nc.Base, nc.Limit, nc.Offset
		return c
	}

	XLog.Panic("XOrm.Cond: invalid arguments type: %T", condOrExprAndArgs[0])
	return nil
}

var operatorMap = map[string]string{
	">":          "__gt",
	">=":         "__gte",
	"<":          "__lt",
	"<=":         "__lte",
	"==":         "__exact",
	"!=":         "__ne",
	"contains":   "__contains",
	"startswith": "__startswith",
	"endswith":   "__endswith",
	"isnull":     "__isnull",
	"in":         "__in",
}

// exprParserCache 缓存已解析的表达式，键为表达式文本，值为 *exprParser。
var exprParserCache sync.Map

// exprNode 是表达式语法树的节点：比较、分页或括号分组。
type exprNode struct {
	join     string // 与前一节点的连接符："&&" 或 "||"，首个节点为空
	not      bool
	key      string // 比较：字段名及操作符后缀
	param    int    // 比较及分页：参数索引
	paging   string // 分页："limit" 或 "offset"
	children []*exprNode
	group    bool
}

// exprParser 是解析后的表达式，可使用不同的参数重复构建条件。
type exprParser struct {
	root   []*exprNode
	limit  int // limit 参数索引，-1 表示未设置
	offset int // offset 参数索引，-1 表示未设置
}

// exprCondition 解析表达式（命中缓存时跳过）并使用参数构建条件。
func exprCondition(expr string, args []any) *Condition {
	var parser *exprParser
	if tmp, ok := exprParserCache.Load(expr); ok {
		parser = tmp.(*exprParser)
	} else {
		p, err := parseExpr(expr)
		if err != nil {
			XLog.Panic("XOrm.Cond('%v'): %v", expr, err)
			return nil
		}
		tmp, _ := exprParserCache.LoadOrStore(expr, p)
		parser = tmp.(*exprParser)
	}

	c := &Condition{}
	if parser.limit >= 0 {
		c.Limit = pagingArg(expr, "limit", parser.limit, args)
	}
	if parser.offset >= 0 {
		c.Offset = pagingArg(expr, "offset", parser.offset, args)
	}
	c.Base = buildCondition(expr, parser.root, args)
	return c
}

func pagingArg(expr, name string, index int, args []any) int {
	v := exprArg(expr, index, args)
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		i, _ := toInt64(v)
		return int(i)
	}
	XLog.Panic("XOrm.Cond('%v'): %v argument must be an integer, got %T", expr, name, v)
	return 0
}

func exprArg(expr string, index int, args []any) any {
	if index >= len(args) {
		XLog.Panic("XOrm.Cond('%v'): parameter index %v exceeds argument count %v", expr, index, len(args))
		return nil
	}
	return args[index]
}

func buildCondition(expr string, nodes []*exprNode, args []any) *orm.Condition {
	cond := orm.NewCondition()
	for _, n := range nodes {
		if n.paging != "" {
			continue
		}
		isOr := n.join == "||"
		if n.group {
			sub := buildCondition(expr, n.children, args)
			if sub.IsEmpty() {
				continue
			}
			switch {
			case isOr && n.not:
				cond = cond.OrNotCond(sub)
			case isOr:
				cond = cond.OrCond(sub)
			case n.not:
				cond = cond.AndNotCond(sub)
			default:
				cond = cond.AndCond(sub)
			}
			continue
		}
		value := exprArg(expr, n.param, args)
		switch {
		case isOr && n.not:
			cond = cond.OrNot(n.key, value)
		case isOr:
			cond = cond.Or(n.key, value)
		case n.not:
			cond = cond.AndNot(n.key, value)
		default:
			cond = cond.And(n.key, value)
		}
	}
	return cond
}

// exprLexer 将表达式切分为标记。
type exprLexer struct {
	expr   string
	tokens []string
	pos    int
}

func lexExpr(expr string) ([]string, error) {
	var tokens []string
	for i := 0; i < len(expr); {
		ch := expr[i]
		switch {
		case ch == ' ' || ch == '\t' || ch == '\n' || ch == '\r':
			i++
		case ch == '(' || ch == ')':
			tokens = append(tokens, string(ch))
			i++
		case ch == '&' || ch == '|':
			if i+1 >= len(expr) || expr[i+1] != ch {
				return nil, fmt.Errorf("invalid operator at %v", i)
			}
			tokens = append(tokens, expr[i:i+2])
			i += 2
		case ch == '!' || ch == '>' || ch == '<' || ch == '=':
			if i+1 < len(expr) && expr[i+1] == '=' {
				tokens = append(tokens, expr[i:i+2])
				i += 2
			} else {
				tokens = append(tokens, string(ch))
				i++
			}
		case ch == '{':
			end := strings.IndexByte(expr[i:], '}')
			if end < 0 {
				return nil, fmt.Errorf("unclosed parameter at %v", i)
			}
			tokens = append(tokens, expr[i:i+end+1])
			i += end + 1
		case isIdentChar(ch):
			j := i
			for j < len(expr) && isIdentChar(expr[j]) {
				j++
			}
			tokens = append(tokens, expr[i:j])
			i = j
		default:
			return nil, fmt.Errorf("unexpected character '%c' at %v", ch, i)
		}
	}
	return tokens, nil
}

func isIdentChar(ch byte) bool {
	return ch == '_' || ch == '.' || (ch >= 'a' && ch <= 'z') || (ch >= 'A' && ch <= 'Z') || (ch >= '0' && ch <= '9')
}

// parseExpr 以递归下降的方式解析表达式。
func parseExpr(expr string) (*exprParser, error) {
	tokens, err := lexExpr(expr)
	if err != nil {
		return nil, err
	}
	lx := &exprLexer{expr: expr, tokens: tokens}
	p := &exprParser{limit: -1, offset: -1}
	root, err := lx.parseGroup(p, 0)
	if err != nil {
		return nil, err
	}
	if lx.pos < len(lx.tokens) {
		return nil, fmt.Errorf("unexpected token '%v'", lx.tokens[lx.pos])
	}
	p.root = root
	return p, nil
}

func (lx *exprLexer) peek() string {
	if lx.pos < len(lx.tokens) {
		return lx.tokens[lx.pos]
	}
	return ""
}

func (lx *exprLexer) next() string {
	t := lx.peek()
	if t != "" {
		lx.pos++
	}
	return t
}

// parseGroup 解析以逻辑运算符连接的节点序列，depth 大于 0 时以 ")" 结束。
func (lx *exprLexer) parseGroup(p *exprParser, depth int) ([]*exprNode, error) {
	var nodes []*exprNode
	join := ""
	for {
		node, err := lx.parseTerm(p, depth)
		if err != nil {
			return nil, err
		}
		node.join = join
		nodes = append(nodes, node)

		switch t := lx.peek(); t {
		case "&&", "||":
			join = lx.next()
		case ")":
			if depth == 0 {
				return nil, fmt.Errorf("bracket mismatch: unexpected ')'")
			}
			return nodes, nil
		case "":
			if depth > 0 {
				return nil, fmt.Errorf("bracket mismatch: missing ')'")
			}
			return nodes, nil
		default:
			return nil, fmt.Errorf("unexpected token '%v', expecting '&&' or '||'", t)
		}
	}
}

func (lx *exprLexer) parseTerm(p *exprParser, depth int) (*exprNode, error) {
	node := &exprNode{}
	if lx.peek() == "!" {
		lx.next()
		node.not = true
	}
	t := lx.next()
	switch {
	case t == "":
		return nil, fmt.Errorf("unexpected end of expression")
	case t == "(":
		children, err := lx.parseGroup(p, depth+1)
		if err != nil {
			return nil, err
		}
		lx.next() // ")"
		node.group = true
		node.children = children
		return node, nil
	case t == "limit" || t == "offset":
		if node.not {
			return nil, fmt.Errorf("'!' can't be applied to %v", t)
		}
		if op := lx.next(); op != "=" {
			return nil, fmt.Errorf("%v must be assigned with '=', got '%v'", t, op)
		}
		idx, err := parseParamIndex(lx.next())
		if err != nil {
			return nil, err
		}
		node.paging = t
		node.param = idx
		if t == "limit" {
			p.limit = idx
		} else {
			p.offset = idx
		}
		return node, nil
	case isIdentChar(t[0]):
		op := lx.next()
		suffix, ok := operatorMap[op]
		if !ok {
			return nil, fmt.Errorf("unidentified operator '%v' after '%v'", op, t)
		}
		idx, err := parseParamIndex(lx.next())
		if err != nil {
			return nil, err
		}
		node.key = t + suffix
		node.param = idx
		return node, nil
	}
	return nil, fmt.Errorf("unexpected token '%v'", t)
}

func parseParamIndex(token string) (int, error) {
	if len(token) < 2 || token[0] != '{' || token[len(token)-1] != '}' {
		return 0, fmt.Errorf("parameter expected, got '%v'", token)
	}
	idx, err := strconv.Atoi(token[1 : len(token)-1])
	if err != nil {
		return 0, fmt.Errorf("invalid syntax: %v is not a valid parameter index", token)
	}
	if idx < 0 {
		return 0, fmt.Errorf("negative index: parameter index cannot be negative (%d)", idx)
	}
	return idx, nil
}

type beegoCondition struct {
	params []beegoCondValue
}

// beegoCondValue 与 orm.Condition 内部的条件值结构保持一致。
type beegoCondValue struct {
	exprs  []string
	args   []any
	cond   *orm.Condition
	isOr   bool
	isNot  bool
	isCond bool
	isRaw  bool
	sql    string
}

// getCondParams 获取条件参数（内部使用）。
func getCondParams(cond *orm.Condition) []beegoCondValue {
	if cond == nil {
		return nil
	}
	ncond := (*beegoCondition)(unsafe.Pointer(cond))
	return ncond.params
}

// splitCondExpr 拆分字段名及操作符，未指定操作符时为 exact。
func splitCondExpr(exprs []string) (string, string) {
	if len(exprs) == 0 {
		return "", ""
	}
	if len(exprs) == 1 {
		return exprs[0], "exact"
	}
	return strings.Join(exprs[:len(exprs)-1], orm.ExprSep), exprs[len(exprs)-1]
}

// mapCondition 以 mapper 转换条件中的字段名，用于将属性名转换为列名。
func mapCondition(cond *orm.Condition, mapper func(field string) (string, error)) (*orm.Condition, error) {
	ret := orm.NewCondition()
	for _, p := range getCondParams(cond) {
		if p.isRaw {
			return nil, fmt.Errorf("XOrm: raw condition is not supported: %v", p.sql)
		}
		if p.isCond {
			sub, err := mapCondition(p.cond, mapper)
			if err != nil {
				return nil, err
			}
			if sub.IsEmpty() {
				continue
			}
			switch {
			case p.isOr && p.isNot:
				ret = ret.OrNotCond(sub)
			case p.isOr:
				ret = ret.OrCond(sub)
			case p.isNot:
				ret = ret.AndNotCond(sub)
			default:
				ret = ret.AndCond(sub)
			}
			continue
		}
		field, op := splitCondExpr(p.exprs)
		column, err := mapper(field)
		if err != nil {
			return nil, err
		}
		key := column + orm.ExprSep + op
		switch {
		case p.isOr && p.isNot:
			ret = ret.OrNot(key, p.args...)
		case p.isOr:
			ret = ret.Or(key, p.args...)
		case p.isNot:
			ret = ret.AndNot(key, p.args...)
		default:
			ret = ret.And(key, p.args...)
		}
	}
	return ret, nil
}

// Matchs 判断对象的属性是否满足条件，分页信息将被忽略。
func (o *Object) Matchs(cond *Condition) bool {
	if cond == nil || cond.Base == nil {
		return true
	}
	return o.doMatch(cond.Base)
}

func (o *Object) doMatch(cond *orm.Condition) bool {
	params := getCondParams(cond)
	if len(params) == 0 {
		return true
	}
	result := true
	for i, p := range params {
		var matched bool
		if p.isCond {
			matched = o.doMatch(p.cond)
		} else if p.isRaw {
			matched = false
		} else {
			field, op := splitCondExpr(p.exprs)
			matched = doComp(o.values[field], op, p.args)
		}
		if p.isNot {
			matched = !matched
		}
		if i == 0 {
			result = matched
		} else if p.isOr {
			result = result || matched
		} else {
			result = result && matched
		}
	}
	return result
}

func doComp(value any, op string, args []any) bool {
	var arg any
	if len(args) > 0 {
		arg = args[0]
	}
	switch op {
	case "exact":
		return valuesEqual(value, arg)
	case "ne":
		return !valuesEqual(value, arg)
	case "gt", "gte", "lt", "lte":
		c, ok := compareValues(value, arg)
		if !ok {
			return false
		}
		switch op {
		case "gt":
			return c > 0
		case "gte":
			return c >= 0
		case "lt":
			return c < 0
		}
		return c <= 0
	case "contains", "startswith", "endswith":
		s, ok1 := value.(string)
		sub, ok2 := arg.(string)
		if !ok1 || !ok2 {
			return false
		}
		switch op {
		case "contains":
			return strings.Contains(s, sub)
		case "startswith":
			return strings.HasPrefix(s, sub)
		}
		return strings.HasSuffix(s, sub)
	case "isnull":
		want, _ := arg.(bool)
		return (value == nil) == want
	case "in":
		for _, a := range flattenArgs(args) {
			if valuesEqual(value, a) {
				return true
			}
		}
		return false
	}
	return false
}

// flattenArgs 展开切片参数。
func flattenArgs(args []any) []any {
	var ret []any
	for _, a := range args {
		rv := reflect.ValueOf(a)
		if a != nil && (rv.Kind() == reflect.Slice || rv.Kind() == reflect.Array) && rv.Type().Elem().Kind() != reflect.Uint8 {
			for i := 0; i < rv.Len(); i++ {
				ret = append(ret, rv.Index(i).Interface())
			}
			continue
		}
		ret = append(ret, a)
	}
	return ret
}

// Filter 返回满足条件的对象，并应用条件中的分页信息。
func Filter(objects []*Object, cond *Condition) []*Object {
	var ret []*Object
	for _, obj := range objects {
		if obj.Matchs(cond) {
			ret = append(ret, obj)
		}
	}
	if cond != nil {
		if cond.Offset > 0 {
			if cond.Offset >= len(ret) {
				return nil
			}
			ret = ret[cond.Offset:]
		}
		if cond.Limit > 0 && cond.Limit < len(ret) {
			ret = ret[:cond.Limit]
		}
	}
	return ret
}
