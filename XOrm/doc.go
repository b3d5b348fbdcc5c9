// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

/*
XOrm 在 Beego ORM 之上实现了对象图的变更追踪与提交管线，支持多表映射、主键回填、乐观锁及级联删除。

功能特性

  - 多源配置：通过解析首选项中的配置自动注册数据源及数据域
  - 数据映射：以 YAML 描述数据表与实体，支持扁平属性及多对多关系
  - 变更追踪：对象上下文记录属性及关系的变更，按依赖顺序批量提交
  - 删除规则：支持 NO_ACTION、NULLIFY、CASCADE、DENY 四种规则
  - 分页加载：大结果集仅查询主键，访问时按页加载对象
  - 提交日志：提交成功后异步推送 msgpack 格式的变更日志

使用手册

1. 多源配置

配置说明：
  - 数据源键名：Orm/Source/<数据库类型>/<数据库别名>
  - 支持 MySQL、PostgreSQL、SQLite
  - 数据源参数：
  - Addr：数据源地址
  - Pool：连接池大小
  - Conn：最大连接数
  - 数据域键名：Orm/Domain/<数据域名称>
  - 数据域参数：
  - Map：映射文件路径
  - Node：默认数据源别名

配置示例：

	{
	    "Orm/Source/MySQL/Main": {
	        "Addr": "root:123456@tcp(127.0.0.1:3306)/dbname?charset=utf8mb4&loc=Local",
	        "Pool": 1,
	        "Conn": 1
	    },
	    "Orm/Source/SQLite/Local": {
	        "Addr": "file:data.db?cache=shared&mode=rwc",
	        "Pool": 1,
	        "Conn": 1
	    },
	    "Orm/Domain/Gallery": {
	        "Map": "gallery.yaml",
	        "Node": "Main"
	    },
	    "Orm/Cache/Size": 10000,
	    "Orm/Fault/MaxFetch": 10000,
	    "Orm/Commit/Queue": 8,
	    "Orm/Commit/Batch": 100000
	}

2. 数据映射

映射文件由数据表（tables）及实体（entities）组成，实体的属性及关系通过路径映射到数据表：

	name: gallery
	node: Main
	tables:
	  - name: artist
	    attributes:
	      - {name: id, type: int, pk: true, generated: true}
	      - {name: name, type: string, mandatory: true, length: 64}
	    relationships:
	      - {name: paintings, target: painting, toMany: true, joins: [{source: id, target: artist_id}]}
	  - name: painting
	    attributes:
	      - {name: id, type: int, pk: true}
	      - {name: title, type: string}
	      - {name: artist_id, type: int}
	    relationships:
	      - {name: artist, target: artist, joins: [{source: artist_id, target: id}]}
	entities:
	  - name: Artist
	    attributes:
	      - {name: name}
	    relationships:
	      - {name: paintings, target: Painting, deleteRule: cascade}
	  - name: Painting
	    attributes:
	      - {name: title}
	    relationships:
	      - {name: artist, target: Artist, deleteRule: nullify}

映射说明：
  - 实体未指定 table 时以名称的下划线形式作为表名，属性未指定 path 时同理
  - 属性路径可经过一个 toDependentPK 关系映射到附属表，即扁平属性
  - 关系路径经过连接表时为扁平关系，仅两段路径的多对多关系可修改
  - mapKey 指定以目标属性为键的映射型关系，通过 ToManyMap 访问
  - 实体的 lock 为 optimistic 时，标记了 lock 的属性及关系参与乐观锁校验

3. 对象上下文

对象上下文追踪对象的状态：TRANSIENT、NEW、COMMITTED、MODIFIED、HOLLOW、DELETED。

	domain := XOrm.Domain("Gallery")
	oc := XOrm.Watch(domain) // 开始会话
	defer XOrm.Defer()       // 结束会话

	// 创建对象
	artist, _ := oc.NewObject("Artist")
	artist.Set("name", "Monet")
	painting, _ := oc.NewObject("Painting")
	painting.Set("title", "Water Lilies")
	painting.SetToOne("artist", artist)

	// 提交：按依赖顺序插入，生成的主键回填至外键
	if err := oc.CommitChanges(ctx); err != nil {
	    var lockErr *XOrm.OptimisticLockError
	    if errors.As(err, &lockErr) {
	        // 数据已被其他会话修改
	    }
	}

	// 查询
	objs, _ := oc.Select(ctx, &XOrm.SelectQuery{
	    Entity:    "Painting",
	    Cond:      XOrm.Cond("title startswith {0}", "Water"),
	    Orderings: []string{"-title"},
	})

	// 删除：按关系的删除规则处理关联对象
	if err := oc.DeleteObject(artist); err != nil {
	    var denyErr *XOrm.DeleteDenyError
	    errors.As(err, &denyErr)
	}
	oc.CommitChanges(ctx)

注意：
1. 对象上下文不可在多个协程间共享，数据域及其行缓存可以共享
2. 提交失败时对象保持原有的状态及变更，可修正后重试或调用 RollbackChanges
3. 当前协程绑定了事务（BindTransaction）时提交使用该事务，失败后事务被标记为仅回滚
4. 其他上下文的提交在本上下文下一次操作时合并

4. 条件查询

条件表达式中的字段为实体的属性名：

	// 比较运算
	cond := XOrm.Cond("age > {0} && name == {1}", 18, "test")

	// 字符串匹配
	cond := XOrm.Cond("name contains {0}", "test")

	// 逻辑组合
	cond := XOrm.Cond("(age >= {0} && age <= {1}) || name == {2}", 18, 30, "test")

	// 分页限定
	cond := XOrm.Cond("age > {0} && limit = {1} && offset = {2}", 18, 10, 20)

	// 本地过滤：不访问数据库
	objs := oc.LocalObjects("Painting", XOrm.Cond("title contains {0}", "Lilies"))

5. 分页加载

	list, _ := oc.SelectPage(ctx, &XOrm.SelectQuery{Entity: "Painting", PageSize: 50})
	list.Size()             // 全部元素数量
	list.Get(120)           // 加载第 3 页并返回元素
	list.UnfetchedObjects() // 尚未加载的元素数量

6. 提交日志

	var buf bytes.Buffer
	domain.AddCommitListener(XOrm.NewMsgpackCommitListener(&buf))
	...
	XOrm.Drain(-1) // 等待全部队列推送完成
	changes, _ := XOrm.ReadChangeMaps(&buf)

更多信息请参考模块文档。
*/
package XOrm
