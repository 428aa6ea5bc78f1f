// Package mysql 提供基于 MySQL 的模式历史仓库，包含连接池配置与内嵌迁移脚本的执行。
package mysql
