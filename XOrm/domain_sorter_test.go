// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testEmployeeMap = `
tables:
  - name: employee
    attributes:
      - {name: id, type: int, pk: true}
      - {name: manager_id, type: int}
    relationships:
      - {name: manager, target: employee, joins: [{source: manager_id, target: id}]}
      - {name: reports, target: employee, toMany: true, joins: [{source: id, target: manager_id}]}
entities:
  - name: Employee
    relationships:
      - {name: manager, target: Employee}
      - {name: reports, target: Employee}
`

const testCycleMap = `
tables:
  - name: a
    attributes:
      - {name: id, type: int, pk: true}
      - {name: b_id, type: int}
    relationships:
      - {name: b, target: b, joins: [{source: b_id, target: id}]}
  - name: b
    attributes:
      - {name: id, type: int, pk: true}
      - {name: a_id, type: int}
    relationships:
      - {name: a, target: a, joins: [{source: a_id, target: id}]}
`

func tableNames(tables []*DbEntity) []string {
	names := make([]string, 0, len(tables))
	for _, t := range tables {
		names = append(names, t.Name)
	}
	return names
}

func TestEntitySorter(t *testing.T) {
	t.Run("Tables", func(t *testing.T) {
		resolver, err := LoadMap(testGalleryMap)
		require.NoError(t, err)
		sorter := NewEntitySorter(resolver)

		assert.True(t, sorter.DependsOn("painting", "artist"), "持有外键的表应当依赖被引用的表。")
		assert.True(t, sorter.DependsOn("artist_detail", "artist"), "附属表应当依赖主表。")
		assert.False(t, sorter.DependsOn("artist", "painting"))

		insert := sorter.SortTables(resolver.Tables, false)
		assert.Equal(t, []string{"artist", "artist_detail", "gallery", "painting", "exhibit", "artist_exhibit"}, tableNames(insert))
		remove := sorter.SortTables(resolver.Tables, true)
		assert.Equal(t, []string{"artist_exhibit", "exhibit", "painting", "gallery", "artist_detail", "artist"}, tableNames(remove), "删除顺序应当为插入顺序的逆序。")

		reversed := []*DbEntity{resolver.DbEntity("artist_exhibit"), resolver.DbEntity("painting"), resolver.DbEntity("artist")}
		assert.Equal(t, []string{"artist", "artist_exhibit", "painting"}, tableNames(sorter.SortTables(reversed, false)), "被引用的表应当排在前面。")
		assert.False(t, sorter.IsReflexive(resolver.DbEntity("painting")))
	})

	t.Run("Cycle", func(t *testing.T) {
		resolver, err := ParseMap([]byte(testCycleMap))
		require.NoError(t, err)
		sorted := NewEntitySorter(resolver).SortTables(resolver.Tables, false)
		assert.Equal(t, []string{"a", "b"}, tableNames(sorted), "存在环时应当按原有顺序打破。")
	})

	t.Run("Objects", func(t *testing.T) {
		resolver, err := ParseMap([]byte(testEmployeeMap))
		require.NoError(t, err)
		sorter := NewEntitySorter(resolver)
		table := resolver.DbEntity("employee")
		assert.True(t, sorter.IsReflexive(table), "引用自身的外键应当被识别。")

		entity := resolver.Entity("Employee")
		boss := NewTransientObject(entity)
		mid := NewTransientObject(entity)
		staff := NewTransientObject(entity)
		managers := map[*Object]*Object{staff: mid, mid: boss}
		targetOf := func(obj *Object, rel *ObjRelationship) *ObjectId {
			if m := managers[obj]; m != nil {
				return m.Id()
			}
			return nil
		}

		sorted, err := sorter.SortObjects(table, []*Object{staff, mid, boss}, false, targetOf)
		require.NoError(t, err)
		assert.Equal(t, []*Object{boss, mid, staff}, sorted, "被引用的对象应当先插入。")
		sorted, err = sorter.SortObjects(table, []*Object{boss, staff, mid}, true, targetOf)
		require.NoError(t, err)
		assert.Equal(t, []*Object{staff, mid, boss}, sorted, "引用其他对象的对象应当先删除。")

		managers[boss] = staff
		_, err = sorter.SortObjects(table, []*Object{staff, mid, boss}, false, targetOf)
		assert.Error(t, err, "对象之间存在环时应当返回错误。")

		single := []*Object{boss}
		sorted, err = sorter.SortObjects(table, single, false, targetOf)
		require.NoError(t, err)
		assert.Equal(t, single, sorted)
	})
}
