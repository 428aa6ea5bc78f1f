// Package redis 提供基于 Redis 哈希表的模式历史存储。
package redis
