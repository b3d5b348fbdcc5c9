// Copyright (c) 2025 EFramework Organization. All rights reserved.
// Use of this source code is governed by a MIT-style
// license that can be found in the LICENSE file.

package XOrm

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-sql-driver/mysql"
	"github.com/lib/pq"
)

// ErrRollbackOnly 表示事务已被标记为仅回滚，任何提交尝试都会失败。
var ErrRollbackOnly = errors.New("XOrm: transaction is marked rollback-only")

// ValidationFailure 描述了单个对象的单项校验失败。
type ValidationFailure struct {
	Id       *ObjectId // 对象标识
	Property string    // 属性名称，实体级校验时为空
	Message  string    // 失败原因
}

func (vf ValidationFailure) String() string {
	if vf.Property == "" {
		return fmt.Sprintf("%v: %v", vf.Id, vf.Message)
	}
	return fmt.Sprintf("%v.%v: %v", vf.Id, vf.Property, vf.Message)
}

// ValidationError 在提交前的校验阶段返回，此时尚未执行任何语句。
type ValidationError struct {
	Failures []ValidationFailure
}

func (ve *ValidationError) Error() string {
	msgs := make([]string, 0, len(ve.Failures))
	for _, f := range ve.Failures {
		msgs = append(msgs, f.String())
	}
	return fmt.Sprintf("XOrm: validation failed: %v", strings.Join(msgs, "; "))
}

// DeleteDenyError 在 DENY 删除规则遇到关联对象时返回。
type DeleteDenyError struct {
	Id           *ObjectId
	Relationship string
	Count        int
}

func (de *DeleteDenyError) Error() string {
	related := "1 related object"
	if de.Count != 1 {
		related = fmt.Sprintf("%d related objects", de.Count)
	}
	return fmt.Sprintf("XOrm: can't delete %v, relationship '%v' has %v", de.Id, de.Relationship, related)
}

// ConfigurationError 表示映射配置不支持当前操作，在构建任何语句之前返回。
type ConfigurationError struct {
	Message string
}

func (ce *ConfigurationError) Error() string { return "XOrm: " + ce.Message }

func configError(format string, args ...any) error {
	return &ConfigurationError{Message: fmt.Sprintf(format, args...)}
}

// OptimisticLockError 表示带乐观锁条件的语句命中的行数少于预期。
type OptimisticLockError struct {
	Table     string
	Id        *ObjectId
	Qualifier map[string]any
}

func (oe *OptimisticLockError) Error() string {
	return fmt.Sprintf("XOrm: optimistic lock failure on %v for %v, qualifier %v", oe.Table, oe.Id, oe.Qualifier)
}

// FlushError 包装了执行阶段的失败，此时事务已被标记为仅回滚。
type FlushError struct {
	Cause error
}

func (fe *FlushError) Error() string { return "XOrm: flush failed: " + fe.Cause.Error() }

func (fe *FlushError) Unwrap() error { return fe.Cause }

// PostgreSQL SQLSTATE 约束错误码。
const (
	pgUniqueViolation     = "23505"
	pgForeignKeyViolation = "23503"
	pgCheckViolation      = "23514"
)

// MySQL 约束错误码。
const (
	mysqlDuplicateEntry   = 1062
	mysqlForeignKeyParent = 1451
	mysqlForeignKeyChild  = 1452
	mysqlCheckViolation   = 3819
)

// IsConstraintError 判断错误是否由数据库约束引起。
func IsConstraintError(err error) bool {
	return IsUniqueConstraintError(err) || IsForeignKeyConstraintError(err) || IsCheckConstraintError(err)
}

// IsUniqueConstraintError 判断错误是否由唯一约束引起。
func IsUniqueConstraintError(err error) bool {
	return matchConstraint(err, []string{pgUniqueViolation}, []uint16{mysqlDuplicateEntry},
		"UNIQUE constraint failed", "violates unique constraint")
}

// IsForeignKeyConstraintError 判断错误是否由外键约束引起。
func IsForeignKeyConstraintError(err error) bool {
	return matchConstraint(err, []string{pgForeignKeyViolation}, []uint16{mysqlForeignKeyParent, mysqlForeignKeyChild},
		"FOREIGN KEY constraint failed", "violates foreign key constraint")
}

// IsCheckConstraintError 判断错误是否由检查约束引起。
func IsCheckConstraintError(err error) bool {
	return matchConstraint(err, []string{pgCheckViolation}, []uint16{mysqlCheckViolation},
		"CHECK constraint failed", "violates check constraint")
}

func matchConstraint(err error, pgCodes []string, mysqlNumbers []uint16, messages ...string) bool {
	if err == nil {
		return false
	}
	var pe *pq.Error
	if errors.As(err, &pe) {
		for _, code := range pgCodes {
			if string(pe.Code) == code {
				return true
			}
		}
		return false
	}
	var me *mysql.MySQLError
	if errors.As(err, &me) {
		for _, num := range mysqlNumbers {
			if me.Number == num {
				return true
			}
		}
		return false
	}
	// SQLite 驱动仅提供错误文本
	msg := err.Error()
	for _, m := range messages {
		if strings.Contains(msg, m) {
			return true
		}
	}
	return false
}
