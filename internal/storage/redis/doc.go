// Package redis 基于 Redis 提供会话持久化与跨进程的会话锁。
//
// SessionStore 以 JSON 形式保存整个会话并在每次保存时刷新过期时间；
// Locker 使用 SET NX PX 获取锁，并通过 Lua 脚本校验令牌后释放，
// 避免误删其他实例持有的锁。
package redis
