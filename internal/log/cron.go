package log

import "github.com/robfig/cron/v3"

// cronLogger satisfies cron.Logger so scheduler chatter lands in the same
// sink as everything else.
type cronLogger struct{}

// CronLogger returns a cron.Logger backed by this package.
func CronLogger() cron.Logger {
	return cronLogger{}
}

func (cronLogger) Info(msg string, keysAndValues ...interface{}) {
	Debug("cron: "+msg, keysAndValues...)
}

func (cronLogger) Error(err error, msg string, keysAndValues ...interface{}) {
	Error("cron: "+msg, err, keysAndValues...)
}
