// Package supervisor 提供默认的步骤校验实现。
package supervisor

import (
	"context"
	"fmt"

	"SleepyTesting/internal/step"
)

// Supervisor 是默认的步骤校验者，只确认步骤已执行并引用执行后的证据。
type Supervisor struct{}

// New 创建默认校验者。
func New() *Supervisor {
	return &Supervisor{}
}

// VerifyStep 总是判定通过。
func (s *Supervisor) VerifyStep(ctx context.Context, st step.UIStep, before, after string) (step.Verdict, error) {
	if err := ctx.Err(); err != nil {
		return step.Verdict{}, err
	}
	label := st.Description
	if label == "" {
		label = st.String()
	}
	return step.Verdict{
		Passed:      true,
		Message:     fmt.Sprintf("步骤校验: %s", label),
		EvidenceRef: after,
	}, nil
}

// Ping 用于健康探测，校验者无外部依赖，只检查 ctx。
func (s *Supervisor) Ping(ctx context.Context) error {
	return ctx.Err()
}
