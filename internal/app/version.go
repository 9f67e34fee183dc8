package app

// 以下变量在构建时通过 -ldflags 注入。
var (
	Version   = "dev"
	Commit    = ""
	BuildTime = ""
)
