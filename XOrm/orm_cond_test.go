// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"errors"
	"fmt"
	"sync"
	"testing"

	"github.com/beego/beego/v2/client/orm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestOrmCond(t *testing.T) {
	t.Run("New", func(t *testing.T) {
		defer exprParserCache.Clear()
		exprParserCache.Clear()

		tests := []struct {
			name string
			args []any
		}{
			{
				name: "Empty",
				args: []any{},
			},
			{
				name: "Existing",
				args: []any{orm.NewCondition()},
			},
			{
				name: "Expression",
				args: []any{"name == {0}", "test"},
			},
		}

		for _, test := range tests {
			t.Run(test.name, func(t *testing.T) {
				wg := sync.WaitGroup{}
				for range 100 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						cond := Cond(test.args...)
						assert.NotNil(t, cond, "创建的表达式实例应当不为空。")
						assert.NotNil(t, cond.Base, "创建的表达式实例 Base 应当不为空。")
					}()
				}
				wg.Wait()
			})
		}
	})

	t.Run("Parse", func(t *testing.T) {
		defer exprParserCache.Clear()
		exprParserCache.Clear()

		tests := []struct {
			expr  string
			args  []any
			panic bool
		}{
			// 基本操作符测试 - 正常情况
			{"age > {0}", []any{18}, false},
			{"age>{0}", []any{18}, false},
			{"age >= {0}", []any{18}, false},
			{"age>={0}", []any{18}, false},
			{"age < {0}", []any{30}, false},
			{"age<{0}", []any{30}, false},
			{"age <= {0}", []any{30}, false},
			{"age<={0}", []any{30}, false},
			{"name == {0}", []any{"test"}, false},
			{"name=={0}", []any{"test"}, false},
			{"name != {0}", []any{"test"}, false},
			{"name!={0}", []any{"test"}, false},
			{"name contains {0}", []any{"test"}, false},
			{"name startswith {0}", []any{"test"}, false},
			{"name endswith {0}", []any{"test"}, false},
			{"active isnull {0}", []any{true}, false},

			// 复合条件测试 - 正常情况
			{"(age > {0} && name contains {1}) || (status == {2})", []any{18, "test", "active"}, false},
			{"!(age < {0}) && !(name == {1})", []any{20, "test"}, false},
			{"((age >= {0} && age <= {1}) || (score > {2})) && active == {3}", []any{18, 30, 90, true}, false},

			// 分页参数测试 - 正常情况
			{"limit = {0}", []any{1}, false},
			{"limit={0}", []any{1}, false},
			{"offset = {0}", []any{1}, false},
			{"offset={0}", []any{1}, false},
			{"name == {0} && age > {1} && limit = {2} && offset = {3}", []any{"test", 10, 20, 30}, false},
			{"age > {0} && limit = {1}", []any{18, 10}, false},
			{"age > {0} && offset = {1}", []any{18, 5}, false},
			{"age > {0} && limit = {1} && offset = {2}", []any{18, 10, 5}, false},

			// 语法错误测试
			{"((a > {0})", []any{1}, true},                                  // 括号不匹配
			{"a > {abc}", []any{1}, true},                                   // 参数索引格式错误
			{"a  b", []any{}, true},                                         // 无效的表达式
			{"a > {0} limit {1}", []any{1, 1}, true},                        // limit 没有使用赋值符号和逻辑连接符
			{"a > {0} offset {1}", []any{1, 1}, true},                       // offset 没有使用赋值符号和逻辑连接符
			{"a > {0} && limit {1}", []any{1, 1}, true},                     // limit 没有使用赋值符号
			{expr: "a > {0} && offset {1}", args: []any{1, 1}, panic: true}, // offset 没有使用赋值符号

			// 参数错误测试
			{"a > {0} && b > {2}", []any{1}, true},                 // 参数索引超出范围
			{"a > {-1}", []any{1}, true},                           // 负数参数索引
			{"a > {0} && limit = {1}", []any{1, "invalid"}, true},  // limit 参数类型错误
			{"a > {0} && offset = {1}", []any{1, "invalid"}, true}, // offset 参数类型错误
			{"a > {0} && limit == {1}", []any{1, 2}, true},         // limit 参数赋值错误
			{"a > {0} && offset == {1}", []any{1, 2}, true},        // offset 参数赋值错误

			// 复杂组合测试
			{"(a > {0} || b < {1}) && (c == {2} || d != {3}) && limit = {4} && offset = {5}", []any{1, 2, "test", "sample", 10, 20}, false},
			{"!(a > {0}) && b contains {1} && limit = {2}", []any{10, "test", 5}, false},
		}

		for _, test := range tests {
			t.Run(fmt.Sprintf("%+v", test), func(t *testing.T) {
				wg := sync.WaitGroup{}
				for range 100 {
					wg.Add(1)
					go func() {
						defer wg.Done()
						defer func() {
							r := recover()
							if test.panic {
								assert.Equal(t, r != nil, true, "错误的表达式应当 panic。")
							} else {
								assert.Equal(t, r == nil, true, "正常的表达式不应当 panic。")
							}
						}()

						cond := Cond(append([]any{test.expr}, test.args...)...)

						var parser *exprParser
						if tmp, _ := exprParserCache.Load(test.expr); tmp != nil {
							parser = tmp.(*exprParser)
						}
						assert.NotNil(t, parser, "解析后的表达式应该被缓存。")

						var tcount int
						var visit func(cond *orm.Condition)
						visit = func(cond *orm.Condition) {
							if cond == nil {
								return
							}
							params := getCondParams(cond)
							for _, param := range params {
								if param.args != nil {
									assert.Equal(t, test.args[tcount], param.args[0], "解析后的参数应当和输入的相等。")
									tcount++ // 参数是按顺序设置的，且为单表达式
								}
								if param.isCond && param.cond != nil {
									visit(param.cond)
								}
							}
						}
						visit(cond.Base)

						if parser.limit != -1 {
							assert.Equal(t, test.args[parser.limit], cond.Limit, "解析后的分页限定参数应当和输入的相等。")
						}

						if parser.offset != -1 {
							assert.Equal(t, test.args[parser.offset], cond.Offset, "解析后的分页偏移参数应当和输入的相等。")
						}
					}()
				}
				wg.Wait()
			})
		}
	})

	t.Run("Cache", func(t *testing.T) {
		defer exprParserCache.Clear()
		exprParserCache.Clear()

		expr := "name == {0} && age > {1}"
		exprCondition(expr, []any{"test", 18})
		var parser *exprParser
		if tmp, _ := exprParserCache.Load(expr); tmp != nil {
			parser = tmp.(*exprParser)
		}
		assert.NotNil(t, parser, "解析后的表达式应该被缓存。")

		var wg sync.WaitGroup
		for range 100 {
			wg.Add(1)
			go func() {
				defer wg.Done()

				exprCondition(expr, []any{"test", 18})
				var nparser *exprParser
				if tmp, _ := exprParserCache.Load(expr); tmp != nil {
					nparser = tmp.(*exprParser)
				}
				assert.Equal(t, parser, nparser, "解析同一个表达式时应当返回相同的实例。")
			}()
		}
		wg.Wait()
	})
}

func TestOrmMatch(t *testing.T) {
	resolver, err := LoadMap(testGalleryMap)
	require.NoError(t, err)
	var artists []*Object
	for i, name := range []string{"Monet", "Renoir", "Degas", "Manet", "Morisot"} {
		artist := NewTransientObject(resolver.Entity("Artist"))
		require.NoError(t, artist.Set("name", name))
		require.NoError(t, artist.Set("version", i+1))
		artists = append(artists, artist)
	}
	painting := NewTransientObject(resolver.Entity("Painting"))
	require.NoError(t, painting.Set("title", "Water Lilies"))

	t.Run("Matchs", func(t *testing.T) {
		assert.True(t, painting.Matchs(nil), "空条件应当匹配全部对象。")
		assert.True(t, painting.Matchs(Cond("title contains {0}", "Lil")))
		assert.True(t, painting.Matchs(Cond("title startswith {0}", "Water")))
		assert.False(t, painting.Matchs(Cond("title endswith {0}", "Water")))
		assert.True(t, painting.Matchs(Cond(orm.NewCondition().And("artist__isnull", true))), "未设置的属性应当视为空值。")

		monet := artists[0]
		assert.True(t, monet.Matchs(Cond("version >= {0} && version < {1}", 1, 2)))
		assert.True(t, monet.Matchs(Cond("(name == {0} || name == {1}) && version != {2}", "Degas", "Monet", 3)))
		assert.False(t, monet.Matchs(Cond("name == {0} || version > {1}", "Degas", 1)))
		assert.True(t, monet.Matchs(Cond(orm.NewCondition().And("name__in", []string{"Monet", "Manet"}))), "in 应当展开切片参数。")
		assert.True(t, monet.Matchs(Cond(orm.NewCondition().AndNot("name__exact", "Manet"))))
		assert.False(t, monet.Matchs(Cond(orm.NewCondition().Raw("name", "name = 'Monet'"))), "原生条件不应当在内存中匹配。")
	})

	t.Run("Filter", func(t *testing.T) {
		ret := Filter(artists, Cond("name startswith {0}", "M"))
		assert.Len(t, ret, 3)

		ret = Filter(artists, Cond("version > {0} && limit = {1} && offset = {2}", 0, 2, 1))
		require.Len(t, ret, 2, "应当应用条件中的分页信息。")
		assert.Same(t, artists[1], ret[0])
		assert.Same(t, artists[2], ret[1])

		assert.Empty(t, Filter(artists, Cond("version > {0} && offset = {1}", 0, 5)), "偏移量超过结果数量时应当返回空。")
		assert.Len(t, Filter(artists, nil), 5)
	})

	t.Run("Map", func(t *testing.T) {
		mapper := func(field string) (string, error) {
			if field == "bad" {
				return "", errors.New("unknown field")
			}
			return "a_" + field, nil
		}
		cond := orm.NewCondition().And("name", "x").OrNotCond(orm.NewCondition().And("version__gt", 1))
		mapped, err := mapCondition(cond, mapper)
		require.NoError(t, err)
		sql, args := renderCondition(NewAdapter(orm.DRSqlite), mapped)
		assert.Equal(t, `"a_name" = ? OR NOT ("a_version" > ?)`, sql, "字段名应当被转换，逻辑结构保持不变。")
		assert.Equal(t, []any{"x", 1}, args)

		_, err = mapCondition(orm.NewCondition().And("bad__gt", 1), mapper)
		assert.Error(t, err, "无法转换的字段应当返回错误。")
		_, err = mapCondition(orm.NewCondition().Raw("name", "1 = 1"), mapper)
		assert.Error(t, err, "原生条件应当返回错误。")
	})
}

// TestOrmParse 测试表达式解析器的语法树及错误。
func TestOrmParse(t *testing.T) {
	t.Run("Tree", func(t *testing.T) {
		p, err := parseExpr("!(a > {0} || b.c <= {1}) && d isnull {2} && limit = {3}")
		require.NoError(t, err)
		require.Len(t, p.root, 3)

		group := p.root[0]
		assert.True(t, group.group, "括号应当解析为分组节点。")
		assert.True(t, group.not, "分组前的 ! 应当作用于整个分组。")
		require.Len(t, group.children, 2)
		assert.Equal(t, "a__gt", group.children[0].key)
		assert.Equal(t, "", group.children[0].join, "分组内的首个节点不应当有连接符。")
		assert.Equal(t, "b.c__lte", group.children[1].key)
		assert.Equal(t, "||", group.children[1].join)
		assert.Equal(t, 1, group.children[1].param)

		assert.Equal(t, "&&", p.root[1].join)
		assert.Equal(t, "d__isnull", p.root[1].key)
		assert.Equal(t, "limit", p.root[2].paging)
		assert.Equal(t, 3, p.limit, "limit 应当记录参数索引。")
		assert.Equal(t, -1, p.offset, "未设置的 offset 应当为 -1。")
	})

	t.Run("Error", func(t *testing.T) {
		cases := []struct {
			expr    string
			message string
		}{
			{"(a == {0}", "missing ')'"},
			{"a == {0})", "unexpected ')'"},
			{"((a == {0})", "missing ')'"},
			{"a == {x}", "not a valid parameter index"},
			{"a == {-1}", "negative index"},
			{"a == {0", "unclosed parameter"},
			{"a == 1", "parameter expected"},
			{"a == {0} & b == {1}", "invalid operator"},
			{"a == {0} b == {1}", "expecting '&&' or '||'"},
			{"a ~ {0}", "unexpected character '~'"},
			{"a like {0}", "unidentified operator 'like'"},
			{"a == {0} &&", "unexpected end of expression"},
			{"!limit = {0}", "'!' can't be applied to limit"},
			{"offset == {0}", "must be assigned with '='"},
			{"== {0}", "unexpected token '=='"},
		}
		for _, c := range cases {
			_, err := parseExpr(c.expr)
			if assert.Error(t, err, "'%v' 应当解析失败。", c.expr) {
				assert.Contains(t, err.Error(), c.message, "'%v' 的错误信息不符合预期。", c.expr)
			}
		}
	})

	t.Run("Arguments", func(t *testing.T) {
		defer exprParserCache.Clear()
		c := Cond("(a == {1} || b == {1}) && limit = {0} && offset = {2}", 10, "x", int8(5))
		assert.Equal(t, 10, c.Limit)
		assert.Equal(t, 5, c.Offset, "分页参数应当接受任意整数类型。")
		params := getCondParams(c.Base)
		require.Len(t, params, 1, "分组应当生成一个嵌套条件。")
		assert.True(t, params[0].isCond)
		nested := getCondParams(params[0].cond)
		require.Len(t, nested, 2)
		assert.Equal(t, []any{"x"}, nested[0].args, "重复使用的参数索引应当取相同的值。")
		assert.Equal(t, []any{"x"}, nested[1].args)
		assert.True(t, nested[1].isOr)
	})
}
