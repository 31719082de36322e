// Package agent 实现对话回合的协调器：在会话锁内加载会话，依次完成意图识别、
// 指代消解、证据收集、提示词组装与回答生成，最后保存会话并发布事件、归档、
// 记录指标与告警。
package agent
