// Package mysql 提供基于 MySQL 的知识库检索与对话归档。
//
// 表结构由 deploy/migrations 中嵌入的 SQL 文件维护，启动时按版本号增量执行。
package mysql
