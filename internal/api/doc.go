// Package api 通过 HTTP 暴露对话接口：发起对话、查询与结束会话、健康检查与 Prometheus 指标。
package api
