package logging

import (
	"io"

	"github.com/sirupsen/logrus"
)

// BaseFields 构建 action + 配置路径等基础字段，便于不同入口复用。
func BaseFields(action, configPath string) logrus.Fields {
	return logrus.Fields{
		"action":     action,
		"configPath": configPath,
	}
}

// DownloadFields 提供 uri/输出路径/命中状态字段，供下载日志复用。
func DownloadFields(runID, uri, output string, cacheHit bool) logrus.Fields {
	return logrus.Fields{
		"run_id":    runID,
		"uri":       uri,
		"output":    output,
		"cache_hit": cacheHit,
	}
}

// Discard 返回丢弃所有输出的 logger，测试与库调用方未注入 logger 时使用。
func Discard() *logrus.Logger {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logger
}
