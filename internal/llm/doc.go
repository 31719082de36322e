// Package llm 抽象回答生成所用的大模型后端。
//
// 协调器只依赖 Client 接口；openai、ollama 与 pythonbridge 子包分别适配
// OpenAI 兼容接口（含通义千问兼容模式）、本地 Ollama 服务以及外部 Python 脚本。
package llm
