package main

import (
	"context"
	"io"

	"github.com/BaSui01/flowrun/workflow"
	"github.com/BaSui01/flowrun/workflow/parallel"
)

// runWorker 处理一次隔离的步骤调用：从 stdin 读请求，向 stdout 写响应。
// 日志不得写入 stdout。
func runWorker(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	reg := builtinRegistry()
	return parallel.ServeWorker(ctx, stdin, stdout, workflow.IsolatedStepWorker(reg))
}
