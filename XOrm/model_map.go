// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"bytes"
	"fmt"
	"os"

	"github.com/eframework-org/GO.UTIL/XLog"
	"gopkg.in/yaml.v3"
)

// ParseMap 解析 YAML 格式的数据映射并编译。
//
// 映射示例：
//
//	name: gallery
//	node: main
//	tables:
//	  - name: artist
//	    attributes:
//	      - {name: id, type: int, pk: true, generated: true}
//	      - {name: name, type: string, mandatory: true, length: 64}
//	    relationships:
//	      - {name: paintings, target: painting, toMany: true, joins: [{source: id, target: artist_id}]}
//	entities:
//	  - name: Artist
//	    attributes:
//	      - {name: name}
//	    relationships:
//	      - {name: paintings, target: Painting, deleteRule: cascade}
func ParseMap(data []byte) (*EntityResolver, error) {
	resolver := &EntityResolver{}
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(resolver); err != nil {
		return nil, fmt.Errorf("XOrm: parse map failed: %w", err)
	}
	if err := resolver.Compile(); err != nil {
		return nil, err
	}
	return resolver, nil
}

// LoadMap 从文件加载数据映射。
func LoadMap(path string) (*EntityResolver, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("XOrm: read map failed: %w", err)
	}
	resolver, err := ParseMap(data)
	if err != nil {
		return nil, err
	}
	XLog.Info("XOrm.LoadMap: map of %v has been loaded with %v entities and %v tables.", path, len(resolver.Entities), len(resolver.Tables))
	return resolver, nil
}
