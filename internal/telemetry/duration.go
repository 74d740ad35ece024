package telemetry

import (
	"regexp"
	"strconv"
)

var durationPattern = regexp.MustCompile(`(\d+)([wdhms])`)

var durationUnits = map[string]int64{
	"w": 7 * 24 * 3600,
	"d": 24 * 3600,
	"h": 3600,
	"m": 60,
	"s": 1,
}

// ParseRouterOSDuration 解析 RouterOS 时长（如 "1w2d3h4m5s"）为秒数，
// 空串与 "never" 返回 0
func ParseRouterOSDuration(s string) int64 {
	if s == "" || s == "never" {
		return 0
	}

	var total int64
	for _, m := range durationPattern.FindAllStringSubmatch(s, -1) {
		v, err := strconv.ParseInt(m[1], 10, 64)
		if err != nil {
			continue
		}
		total += v * durationUnits[m[2]]
	}
	return total
}
