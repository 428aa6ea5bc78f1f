// Package api 通过 REST 接口暴露任务提交、任务查询、代理状态与指标。
package api
