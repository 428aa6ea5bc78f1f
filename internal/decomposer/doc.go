// Package decomposer 负责调用大模型把自然语言任务拆分为可执行步骤。
//
// 所有远程调用共享一个加权信号量作为准入闸门，仅对瞬时错误做指数退避重试，
// 返回的步骤在交给执行管线之前会按平台、设备与登录顺序逐条校验。
package decomposer
