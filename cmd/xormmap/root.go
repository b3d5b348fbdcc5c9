// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package main

import (
	"fmt"
	"io"
	"strings"

	"github.com/eframework-org/GO.ORM/XOrm"
	"github.com/spf13/cobra"
)

func newRootCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "xormmap",
		Short: "Inspect XOrm data maps",
	}
	cmd.AddCommand(newValidateCommand())
	cmd.AddCommand(newOrderCommand())
	cmd.AddCommand(newEntitiesCommand())
	return cmd
}

func newValidateCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "validate <map.yaml>",
		Short:        "Compile a data map and report errors",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := XOrm.LoadMap(args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "map %v is valid: %d entities, %d tables\n",
				resolver.Name, len(resolver.Entities), len(resolver.Tables))
			return nil
		},
	}
}

func newOrderCommand() *cobra.Command {
	var deleteOrder bool
	cmd := &cobra.Command{
		Use:          "order <map.yaml>",
		Short:        "Print tables in commit order",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := XOrm.LoadMap(args[0])
			if err != nil {
				return err
			}
			sorter := XOrm.NewEntitySorter(resolver)
			for _, t := range sorter.SortTables(resolver.Tables, deleteOrder) {
				fmt.Fprintln(cmd.OutOrStdout(), t.Name)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&deleteOrder, "delete", false, "print delete order instead of insert order")
	return cmd
}

func newEntitiesCommand() *cobra.Command {
	return &cobra.Command{
		Use:          "entities <map.yaml>",
		Short:        "Print entities with their tables and properties",
		Args:         cobra.ExactArgs(1),
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			resolver, err := XOrm.LoadMap(args[0])
			if err != nil {
				return err
			}
			for _, e := range resolver.ObjEntities() {
				printEntity(cmd.OutOrStdout(), e)
			}
			return nil
		},
	}
}

func printEntity(w io.Writer, e *XOrm.ObjEntity) {
	header := fmt.Sprintf("%v -> %v", e.Name, e.DbEntity().Name)
	if e.IsOptimisticLocking() {
		header += " (lock: optimistic)"
	}
	fmt.Fprintln(w, header)

	tables := make([]string, 0, len(e.Tables()))
	for _, t := range e.Tables() {
		tables = append(tables, t.Name)
	}
	fmt.Fprintf(w, "  tables: %v\n", strings.Join(tables, ", "))

	e.VisitProperties(func(a *XOrm.ObjAttribute) bool {
		var flags []string
		if a.UsedForLocking {
			flags = append(flags, "lock")
		}
		if a.IsFlattened() {
			flags = append(flags, "flattened")
		}
		fmt.Fprintf(w, "  attribute %v: %v.%v%v\n", a.Name, a.Table().Name, a.Column().Name, formatFlags(flags))
		return true
	}, func(r *XOrm.ObjRelationship) bool {
		flags := []string{"to-one"}
		if r.IsToMany() {
			flags[0] = "to-many"
		}
		if r.IsFlattened() {
			flags = append(flags, "flattened")
		}
		if r.IsReadOnly() {
			flags = append(flags, "read-only")
		}
		flags = append(flags, r.DeleteRule.String())
		if r.IsMap() {
			flags = append(flags, "map: "+r.MapKey)
		}
		if rev := r.ReverseRelationship(); rev != nil {
			flags = append(flags, "reverse: "+rev.Name)
		}
		fmt.Fprintf(w, "  relationship %v: %v%v\n", r.Name, r.TargetEntity().Name, formatFlags(flags))
		return true
	})
}

func formatFlags(flags []string) string {
	if len(flags) == 0 {
		return ""
	}
	return " [" + strings.Join(flags, ", ") + "]"
}
