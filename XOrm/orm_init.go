// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"strings"

	"github.com/beego/beego/v2/client/orm"
	"github.com/eframework-org/GO.UTIL/XLog"
	"github.com/eframework-org/GO.UTIL/XPrefs"

	_ "github.com/go-sql-driver/mysql"
	_ "github.com/lib/pq"
	_ "modernc.org/sqlite"
)

const (
	prefsOrmAddr = "Addr"
	prefsOrmPool = "Pool"
	prefsOrmConn = "Conn"
	prefsOrmMap  = "Map"
	prefsOrmNode = "Node"

	// prefsSourcePrefix 为数据源配置的前缀，完整的键为 Orm/Source/<Type>/<Alias>。
	prefsSourcePrefix = "Orm/Source/"

	// prefsDomainPrefix 为数据域配置的前缀，完整的键为 Orm/Domain/<Name>。
	prefsDomainPrefix = "Orm/Domain/"

	prefsCacheSize     = "Orm/Cache/Size"
	prefsFaultMaxFetch = "Orm/Fault/MaxFetch"

	defaultCacheSize     = 10000
	defaultFaultMaxFetch = 10000
)

var (
	// cacheSize 为新建数据域的行缓存容量。
	cacheSize = defaultCacheSize

	// faultMaxFetch 为分页列表单次查询的最大标识数量。
	faultMaxFetch = defaultFaultMaxFetch

	// driverNames 为数据源类型对应的驱动名称。
	driverNames = map[string]string{
		"mysql":      "mysql",
		"postgresql": "postgres",
		"postgres":   "postgres",
		"sqlite":     "sqlite",
		"sqlite3":    "sqlite",
	}
)

func init() {
	// modernc.org/sqlite 以 sqlite 为驱动名注册，beego 默认只识别 sqlite3。
	if err := orm.RegisterDriver("sqlite", orm.DRSqlite); err != nil {
		XLog.Error("XOrm.Init: register driver of sqlite failed: %v", err)
	}
	initOrm(XPrefs.Asset())
}

func initOrm(prefs XPrefs.IBase) {
	if prefs == nil {
		XLog.Panic("XOrm.Init: prefs is nil.")
		return
	}

	cacheSize = prefs.GetInt(prefsCacheSize, defaultCacheSize)
	if cacheSize <= 0 {
		cacheSize = defaultCacheSize
	}
	faultMaxFetch = prefs.GetInt(prefsFaultMaxFetch, defaultFaultMaxFetch)
	if faultMaxFetch <= 0 {
		faultMaxFetch = defaultFaultMaxFetch
	}

	var domains []string
	for _, key := range prefs.Keys() {
		if strings.HasPrefix(key, prefsDomainPrefix) {
			domains = append(domains, key)
			continue
		}
		if !strings.HasPrefix(key, prefsSourcePrefix) {
			continue
		}
		parts := strings.Split(key, "/")
		if len(parts) != 4 || parts[3] == "" {
			XLog.Panic("XOrm.Init: invalid prefs key %v.", key)
			return
		}

		ormType := strings.ToLower(parts[2])
		ormAlias := parts[3]
		driver, ok := driverNames[ormType]
		if !ok {
			XLog.Panic("XOrm.Init: unsupported source type %v of %v.", parts[2], key)
			return
		}

		if base, _ := prefs.Get(key).(XPrefs.IBase); base != nil {
			ormAddr := base.GetString(prefsOrmAddr)
			ormPool := base.GetInt(prefsOrmPool)
			ormConn := base.GetInt(prefsOrmConn)
			if err := orm.RegisterDataBase(ormAlias, driver, ormAddr,
				orm.MaxIdleConnections(ormPool),
				orm.MaxOpenConnections(ormConn)); err != nil {
				XLog.Panic("XOrm.Init: register database %v failed, err: %v", ormAlias, err)
				return
			}
			XLog.Info("XOrm.Init: source of %v(%v) has been registered.", ormAlias, driver)
		} else {
			XLog.Error("XOrm.Init: invalid config for %v", key)
			continue
		}
	}

	// 数据域依赖数据源，故在全部数据源注册后创建。
	for _, key := range domains {
		name := strings.TrimPrefix(key, prefsDomainPrefix)
		base, _ := prefs.Get(key).(XPrefs.IBase)
		if name == "" || base == nil {
			XLog.Error("XOrm.Init: invalid config for %v", key)
			continue
		}
		if _, err := initDomain(name, base); err != nil {
			XLog.Error("XOrm.Init: create domain %v failed: %v", name, err)
		}
	}
}

// initDomain 从配置创建并注册数据域：Map 为映射文件路径，Node 为默认数据源别名。
func initDomain(name string, prefs XPrefs.IBase) (*DataDomain, error) {
	resolver, err := LoadMap(prefs.GetString(prefsOrmMap))
	if err != nil {
		return nil, err
	}
	if def := prefs.GetString(prefsOrmNode); def != "" && resolver.Node == "" {
		resolver.Node = def
		for _, t := range resolver.Tables {
			if t.Node == "" {
				t.Node = def
			}
		}
	}

	aliases := make(map[string]struct{})
	for _, t := range resolver.Tables {
		if t.Node != "" {
			aliases[t.Node] = struct{}{}
		}
	}
	nodes := make([]DataNode, 0, len(aliases))
	for alias := range aliases {
		node, err := NewNode(alias)
		if err != nil {
			return nil, err
		}
		nodes = append(nodes, node)
	}
	domain, err := NewDomain(name, resolver, nodes...)
	if err != nil {
		return nil, err
	}
	RegisterDomain(domain)
	XLog.Info("XOrm.Init: domain of %v has been created with %v node(s).", name, len(nodes))
	return domain, nil
}
