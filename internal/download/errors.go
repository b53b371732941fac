package download

import "fmt"

// ConfigurationError 表示任务参数本身不可执行（地址非法、缓存路径不是目录等），
// 在发起任何网络请求之前返回。
type ConfigurationError struct {
	Field string
	Err   error
}

func (e *ConfigurationError) Error() string {
	return fmt.Sprintf("invalid %s: %v", e.Field, e.Err)
}

func (e *ConfigurationError) Unwrap() error {
	return e.Err
}
