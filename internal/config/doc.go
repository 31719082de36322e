// Package config 加载 FinAssist 的 YAML 配置，并依次应用 .env、FINASSIST_* 环境变量与默认值。
package config
