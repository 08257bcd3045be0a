package migrations

import (
	"embed"
	"fmt"
	"io/fs"
)

// Files 暴露所有 SQL 迁移文件，按驱动分目录存放。
//
//go:embed mysql/*.sql sqlite/*.sql
var Files embed.FS

// For 返回指定驱动的迁移目录。
func For(driver string) (fs.FS, error) {
	switch driver {
	case "mysql", "sqlite":
		return fs.Sub(Files, driver)
	default:
		return nil, fmt.Errorf("没有 %s 驱动的迁移文件", driver)
	}
}
