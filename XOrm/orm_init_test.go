// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XPrefs"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testGalleryMap = "testdata/gallery.yaml"

// testGalleryDDL 为测试映射对应的 SQLite 表结构。
var testGalleryDDL = []string{
	`CREATE TABLE "artist" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "name" TEXT NOT NULL, "version" INTEGER)`,
	`CREATE TABLE "artist_detail" ("artist_id" INTEGER PRIMARY KEY, "biography" TEXT)`,
	`CREATE TABLE "gallery" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "name" TEXT UNIQUE)`,
	`CREATE TABLE "painting" ("id" INTEGER PRIMARY KEY, "title" TEXT, "artist_id" INTEGER, "gallery_id" INTEGER)`,
	`CREATE TABLE "exhibit" ("id" INTEGER PRIMARY KEY AUTOINCREMENT, "title" TEXT)`,
	`CREATE TABLE "artist_exhibit" ("artist_id" INTEGER NOT NULL, "exhibit_id" INTEGER NOT NULL, PRIMARY KEY ("artist_id", "exhibit_id"))`,
}

var (
	testAliasID     int64
	testDefaultOnce sync.Once
)

// registerTestSource 在临时目录中创建 SQLite 数据库并注册为新的数据源别名。
// 单连接保证同一数据库的读写串行执行。
func registerTestSource(t testing.TB) string {
	t.Helper()
	testDefaultOnce.Do(func() {
		dsn := filepath.Join(os.TempDir(), fmt.Sprintf("xorm_default_%d.db", os.Getpid()))
		if err := orm.RegisterDataBase("default", "sqlite", dsn, orm.MaxIdleConnections(1), orm.MaxOpenConnections(1)); err != nil {
			t.Logf("register default database failed: %v", err)
		}
	})
	alias := fmt.Sprintf("test_%d", atomic.AddInt64(&testAliasID, 1))
	dsn := filepath.Join(t.TempDir(), alias+".db")
	require.NoError(t, orm.RegisterDataBase(alias, "sqlite", dsn, orm.MaxIdleConnections(1), orm.MaxOpenConnections(1)), "注册 SQLite 数据源应当成功。")
	return alias
}

// newTestDomain 创建使用测试映射及独立 SQLite 数据库的数据域。
func newTestDomain(t testing.TB) *DataDomain {
	t.Helper()
	resolver, err := LoadMap(testGalleryMap)
	require.NoError(t, err, "加载测试映射应当成功。")
	return newTestDomainWith(t, resolver)
}

// newTestGalleryMap 读取测试映射并按 replacements 成对替换文本，用于派生映射。
func newTestGalleryMap(t testing.TB, replacements ...string) *EntityResolver {
	t.Helper()
	data, err := os.ReadFile(testGalleryMap)
	require.NoError(t, err)
	text := string(data)
	for i := 0; i+1 < len(replacements); i += 2 {
		require.Contains(t, text, replacements[i], "映射中应当包含待替换的文本。")
		text = strings.Replace(text, replacements[i], replacements[i+1], 1)
	}
	resolver, err := ParseMap([]byte(text))
	require.NoError(t, err, "解析派生映射应当成功。")
	return resolver
}

// newTestDomainWith 使用指定映射创建数据域，extraDDL 为测试表结构之外的额外数据表。
func newTestDomainWith(t testing.TB, resolver *EntityResolver, extraDDL ...string) *DataDomain {
	t.Helper()
	alias := registerTestSource(t)
	db, err := orm.GetDB(alias)
	require.NoError(t, err, "获取数据库连接应当成功。")
	for _, ddl := range append(append([]string{}, testGalleryDDL...), extraDDL...) {
		_, err := db.Exec(ddl)
		require.NoError(t, err, "创建数据表应当成功。")
	}

	node, err := NewNode(alias)
	require.NoError(t, err, "创建数据节点应当成功。")
	domain, err := NewDomain(alias, resolver, node)
	require.NoError(t, err, "创建数据域应当成功。")
	return domain
}

// testExec 直接执行 SQL，用于准备或校验数据。
func testExec(t testing.TB, domain *DataDomain, query string, args ...any) {
	t.Helper()
	db, err := orm.GetDB(domain.Name())
	require.NoError(t, err)
	_, err = db.Exec(query, args...)
	require.NoError(t, err, "执行 %v 应当成功。", query)
}

// testCount 直接统计数据表的行数。
func testCount(t testing.TB, domain *DataDomain, table string, where string, args ...any) int {
	t.Helper()
	db, err := orm.GetDB(domain.Name())
	require.NoError(t, err)
	query := fmt.Sprintf(`SELECT COUNT(*) FROM "%v"`, table)
	if where != "" {
		query += " WHERE " + where
	}
	var count int
	require.NoError(t, db.QueryRow(query, args...).Scan(&count))
	return count
}

func TestOrmInit(t *testing.T) {
	t.Run("Nil", func(t *testing.T) {
		assert.Panics(t, func() { initOrm(nil) }, "配置为空时应当 panic。")
	})

	t.Run("InvalidKey", func(t *testing.T) {
		prefs := XPrefs.New().Set("Orm/Source/SQLite", XPrefs.New().Set(prefsOrmAddr, ":memory:"))
		assert.Panics(t, func() { initOrm(prefs) }, "缺少别名的数据源键应当 panic。")
	})

	t.Run("UnsupportedType", func(t *testing.T) {
		prefs := XPrefs.New().Set("Orm/Source/Oracle/ora", XPrefs.New().Set(prefsOrmAddr, "ora"))
		assert.Panics(t, func() { initOrm(prefs) }, "不支持的数据源类型应当 panic。")
	})

	t.Run("Source", func(t *testing.T) {
		defer initOrm(XPrefs.New())

		alias := fmt.Sprintf("init_%d", atomic.AddInt64(&testAliasID, 1))
		prefs := XPrefs.New().
			Set("Orm/Source/SQLite/"+alias, XPrefs.New().
				Set(prefsOrmAddr, filepath.Join(t.TempDir(), "init.db")).
				Set(prefsOrmPool, 1).
				Set(prefsOrmConn, 1)).
			Set(prefsCacheSize, 128).
			Set(prefsFaultMaxFetch, 64)
		initOrm(prefs)

		assert.Equal(t, 128, cacheSize, "行缓存容量应当为配置的值。")
		assert.Equal(t, 64, faultMaxFetch, "单次查询的最大标识数量应当为配置的值。")

		db, err := orm.GetDB(alias)
		assert.NoError(t, err, "数据源应当已被注册。")
		assert.NoError(t, db.Ping(), "数据源应当可以连接。")
	})

	t.Run("Domain", func(t *testing.T) {
		alias := fmt.Sprintf("init_%d", atomic.AddInt64(&testAliasID, 1))
		name := "Gallery_" + alias
		prefs := XPrefs.New().
			Set("Orm/Source/SQLite/"+alias, XPrefs.New().
				Set(prefsOrmAddr, filepath.Join(t.TempDir(), "domain.db")).
				Set(prefsOrmPool, 1).
				Set(prefsOrmConn, 1)).
			Set("Orm/Domain/"+name, XPrefs.New().
				Set(prefsOrmMap, testGalleryMap).
				Set(prefsOrmNode, alias))
		initOrm(prefs)

		domain := Domain(name)
		if assert.NotNil(t, domain, "数据域应当已被注册。") {
			assert.Equal(t, name, domain.Name(), "数据域名称应当与配置的一致。")
			assert.NotNil(t, domain.Node(alias), "数据域应当包含配置的数据节点。")
			assert.NotNil(t, domain.Resolver().Entity("Artist"), "数据域应当包含映射中的实体。")
		}
	})

	t.Run("MissingMap", func(t *testing.T) {
		name := fmt.Sprintf("Missing_%d", atomic.AddInt64(&testAliasID, 1))
		initOrm(XPrefs.New().Set("Orm/Domain/"+name, XPrefs.New().Set(prefsOrmMap, "testdata/missing.yaml")))
		assert.Nil(t, Domain(name), "映射文件不存在时数据域不应当被注册。")
	})
}
