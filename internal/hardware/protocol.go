package hardware

import (
	"math"
	"strconv"
	"strings"

	"github.com/wfunc/koinet/internal/errors"
)

// 投币器行协议：
//
//	上行: "<voltage>,<current>,<coinCount>\n"
//	下行: "reset\n"
const (
	LineDelimiter = '\n'
	ResetCommand  = "reset\n"

	// 单行最大长度，超过视为噪声丢弃
	maxLineLength = 256
)

// ParseLine 解析一行设备数据，字段不足或数值非法时返回 ErrMalformedLine
func ParseLine(line string) (CoinReading, error) {
	line = strings.TrimSpace(line)
	fields := strings.Split(line, ",")
	if len(fields) < 3 {
		return CoinReading{}, errors.Newf(errors.ErrMalformedLine, "字段数不足: %q", line)
	}

	voltage, err := strconv.ParseFloat(strings.TrimSpace(fields[0]), 64)
	if err != nil {
		return CoinReading{}, errors.Wrapf(err, errors.ErrMalformedLine, "电压字段: %q", line)
	}
	current, err := strconv.ParseFloat(strings.TrimSpace(fields[1]), 64)
	if err != nil {
		return CoinReading{}, errors.Wrapf(err, errors.ErrMalformedLine, "电流字段: %q", line)
	}
	count, err := strconv.ParseUint(strings.TrimSpace(fields[2]), 10, 32)
	if err != nil {
		return CoinReading{}, errors.Wrapf(err, errors.ErrMalformedLine, "计数字段: %q", line)
	}

	if !isFinite(voltage) || !isFinite(current) {
		return CoinReading{}, errors.Newf(errors.ErrMalformedLine, "非有限数值: %q", line)
	}

	// 传感器噪声可能给出负值
	if voltage < 0 {
		voltage = 0
	}
	if current < 0 {
		current = 0
	}

	return CoinReading{
		Voltage:   voltage,
		Current:   current,
		CoinCount: int64(count),
	}, nil
}

func isFinite(v float64) bool {
	return !math.IsNaN(v) && !math.IsInf(v, 0)
}

// lineSplitter 把串口字节流切分为完整的行
type lineSplitter struct {
	buf []byte
}

// Feed 追加数据并返回已完整的行，剩余半行保留到下次
func (l *lineSplitter) Feed(data []byte) (lines []string, overflow bool) {
	l.buf = append(l.buf, data...)
	for {
		idx := -1
		for i, b := range l.buf {
			if b == LineDelimiter {
				idx = i
				break
			}
		}
		if idx < 0 {
			break
		}
		line := strings.TrimRight(string(l.buf[:idx]), "\r")
		l.buf = l.buf[idx+1:]
		if strings.TrimSpace(line) != "" {
			lines = append(lines, line)
		}
	}

	if len(l.buf) > maxLineLength {
		l.buf = l.buf[:0]
		overflow = true
	}
	return lines, overflow
}
