// Package llm 定义步骤生成所需的大模型能力接口与共享的提示词构造逻辑，
// 具体的服务商适配位于子包中。
package llm
