// Package config 负责加载服务配置：YAML 或 JSON 文件、.env 与环境变量覆盖。
package config
