package main

import (
	"os"

	"go.uber.org/zap"

	"github.com/pmkol/https-dns/coremain"
	"github.com/pmkol/https-dns/mlog"
)

func main() {
	if err := coremain.Run(); err != nil {
		mlog.L().Error("fatal", zap.Error(err))
		os.Exit(1)
	}
}
