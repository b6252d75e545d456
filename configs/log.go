package configs

import "go.uber.org/zap"

// Logger is the process-wide logger. It stays a nop until InitLogger runs so
// library users keep full control of output.
var Logger = zap.NewNop()

func InitLogger(debug bool) {
	var (
		l   *zap.Logger
		err error
	)
	if debug {
		l, err = zap.NewDevelopment()
	} else {
		l, err = zap.NewProduction()
	}
	CheckError(err)
	Logger = l
}
