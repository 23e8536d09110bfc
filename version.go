package main

import (
	"fmt"
	"runtime"

	"github.com/nxstore/storefront/internal/version"
)

// printVersion 输出版本、提交与构建所用的 Go 版本及平台。
func printVersion() {
	fmt.Fprintf(stdOut, "%s %s %s/%s\n", version.Full(), runtime.Version(), runtime.GOOS, runtime.GOARCH)
}
