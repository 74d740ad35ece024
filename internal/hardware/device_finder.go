package hardware

import (
	"fmt"
	"os"
	"strings"

	"github.com/wfunc/koinet/internal/errors"
)

// AutoPort 表示自动探测串口
const AutoPort = "auto"

// SerialPortExists 检查串口设备是否存在
func SerialPortExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

// FindDevice 按模式顺序查找 /dev/<pattern>0..9 中第一个存在的设备
func FindDevice(patterns []string, exists func(string) bool) (string, error) {
	if exists == nil {
		exists = SerialPortExists
	}

	for _, pattern := range patterns {
		for i := 0; i < 10; i++ {
			device := fmt.Sprintf("/dev/%s%d", pattern, i)
			if exists(device) {
				return device, nil
			}
		}
	}

	return "", errors.Newf(errors.ErrDeviceNotFound, "模式: %s", strings.Join(patterns, ","))
}

// isDisconnectError 判断是否为设备断开类错误
func isDisconnectError(err error) bool {
	if err == nil {
		return false
	}
	errStr := strings.ToLower(err.Error())
	return strings.Contains(errStr, "input/output error") ||
		strings.Contains(errStr, "device not configured") ||
		strings.Contains(errStr, "broken pipe") ||
		strings.Contains(errStr, "no such file") ||
		strings.Contains(errStr, "bad file descriptor")
}
