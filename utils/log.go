// Package utils provides utilities that are used in all sub-packages in xr-proxy
package utils

import (
	"os"

	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
	"gopkg.in/natefinch/lumberjack.v2"
)

const (
	Log_debug = iota
	Log_info
	Log_warning
	Log_error //error一般用于输出一些 连接错误或者协议错误之类的, 但不致命
	Log_fatal

	DefaultLL = Log_info
)

// LogLevel 值越小越唠叨, 废话越多，值越大打印的越少，见log_开头的常量;
// 默认是 info级别.
var (
	LogLevel  int = DefaultLL
	ZapLogger *zap.Logger

	//若非空, 则日志会同时写到该文件中, 使用 lumberjack 自动轮转
	LogOutFileName string
)

// ParseLogLevelStr 解析 trace|debug|info|warn|error 字符串; trace我们没有, 等同于debug.
// 未知的字符串返回 DefaultLL.
func ParseLogLevelStr(s string) int {
	switch s {
	case "trace", "debug":
		return Log_debug
	case "info":
		return Log_info
	case "warn", "warning":
		return Log_warning
	case "error":
		return Log_error
	case "fatal":
		return Log_fatal
	}
	return DefaultLL
}

func InitLog() {
	atomicLevel := zap.NewAtomicLevel()
	atomicLevel.SetLevel(zapcore.Level(LogLevel - 1))

	var writes = []zapcore.WriteSyncer{zapcore.AddSync(os.Stdout)}

	if LogOutFileName != "" {
		lj := &lumberjack.Logger{
			Filename:   LogOutFileName,
			MaxSize:    10, //MB
			MaxBackups: 3,
			MaxAge:     28, //days
		}
		writes = append(writes, zapcore.AddSync(lj))
	}

	core := zapcore.NewCore(zapcore.NewConsoleEncoder(zapcore.EncoderConfig{
		MessageKey:  "msg",
		LevelKey:    "level",
		TimeKey:     "time",
		FunctionKey: "func",
		EncodeLevel: zapcore.CapitalColorLevelEncoder,
		EncodeTime:  zapcore.TimeEncoderOfLayout("2006-01-02 15:04:05.000"),
		EncodeName:  zapcore.FullNameEncoder,
		LineEnding:  zapcore.DefaultLineEnding,
	}), zapcore.NewMultiWriteSyncer(writes...), atomicLevel)

	ZapLogger = zap.New(core)
}

func CanLogLevel(l int, msg string) *zapcore.CheckedEntry {
	return ZapLogger.Check(zapcore.Level(l-1), msg)

}

func canLogLevel(l zapcore.Level, msg string) *zapcore.CheckedEntry {
	if ZapLogger == nil {
		return nil
	}
	return ZapLogger.Check(l, msg)

}

func CanLogErr(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.ErrorLevel, msg)

}

func CanLogInfo(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.InfoLevel, msg)

}
func CanLogWarn(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.WarnLevel, msg)

}
func CanLogDebug(msg string) *zapcore.CheckedEntry {
	return canLogLevel(zap.DebugLevel, msg)

}
