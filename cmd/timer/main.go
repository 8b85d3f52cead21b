package main

// ============================================================================
// 職責說明：
// 1. CLI 應用程式入口點
// 2. 收到 SIGINT / SIGTERM 時取消根 context，讓各命令優雅關閉
// 3. 處理頂層錯誤與 panic recovery
// ============================================================================

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/ChuLiYu/beaver-timer/internal/cli"
)

// 由 CI 以 -ldflags "-X main.version=..." 注入
var version = ""

func main() {
	os.Exit(run())
}

func run() (code int) {
	defer func() {
		if r := recover(); r != nil {
			fmt.Fprintf(os.Stderr, "fatal: %v\n", r)
			code = 2
		}
	}()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if version != "" {
		cli.Version = version
	}
	if err := cli.BuildCLI().ExecuteContext(ctx); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		return 1
	}
	return 0
}
