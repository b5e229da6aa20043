// Package migrations 内嵌数据库迁移文件
package migrations

import "embed"

//go:embed *.sql
var FS embed.FS
