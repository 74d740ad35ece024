package hardware

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/koinet/internal/errors"
)

func TestParseLine(t *testing.T) {
	testCases := []struct {
		name    string
		line    string
		want    CoinReading
		wantErr bool
	}{
		{"正常数据", "12.5,0.8,3", CoinReading{12.5, 0.8, 3}, false},
		{"带空白", " 12.5 , 0.8 , 3 \r", CoinReading{12.5, 0.8, 3}, false},
		{"多余字段忽略", "1,2,3,4", CoinReading{1, 2, 3}, false},
		{"负值截断为0", "-0.1,-2,0", CoinReading{0, 0, 0}, false},
		{"字段不足", "3.3,abc", CoinReading{}, true},
		{"计数非数字", "3.3,1.0,x", CoinReading{}, true},
		{"计数为负", "3.3,1.0,-1", CoinReading{}, true},
		{"电压非数字", "v,1.0,1", CoinReading{}, true},
		{"空行", "", CoinReading{}, true},
		{"电压为NaN", "NaN,1,3", CoinReading{}, true},
		{"电流为正无穷", "3.3,+Inf,3", CoinReading{}, true},
		{"电压为负无穷", "-Inf,1,3", CoinReading{}, true},
	}

	for _, tc := range testCases {
		t.Run(tc.name, func(t *testing.T) {
			got, err := ParseLine(tc.line)
			if tc.wantErr {
				require.Error(t, err)
				assert.True(t, errors.Is(err, errors.ErrMalformedLine))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tc.want, got)
		})
	}
}

func TestLineSplitter(t *testing.T) {
	var s lineSplitter

	lines, overflow := s.Feed([]byte("1,2,3\n4,5"))
	assert.False(t, overflow)
	assert.Equal(t, []string{"1,2,3"}, lines)

	lines, _ = s.Feed([]byte(",6\r\n\n7,8,9\n"))
	assert.Equal(t, []string{"4,5,6", "7,8,9"}, lines)

	// 无换行的超长噪声被丢弃
	noise := make([]byte, maxLineLength+1)
	for i := range noise {
		noise[i] = 'x'
	}
	lines, overflow = s.Feed(noise)
	assert.Empty(t, lines)
	assert.True(t, overflow)

	lines, _ = s.Feed([]byte("1,1,1\n"))
	assert.Equal(t, []string{"1,1,1"}, lines)
}

func TestFindDevice(t *testing.T) {
	present := map[string]bool{"/dev/ttyACM3": true, "/dev/ttyUSB0": true}
	exists := func(p string) bool { return present[p] }

	dev, err := FindDevice([]string{"ttyACM", "ttyUSB"}, exists)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyACM3", dev)

	dev, err = FindDevice([]string{"ttyUSB", "ttyACM"}, exists)
	require.NoError(t, err)
	assert.Equal(t, "/dev/ttyUSB0", dev)

	_, err = FindDevice([]string{"ttyS"}, exists)
	assert.True(t, errors.Is(err, errors.ErrDeviceNotFound))
}

func TestIngestionStateString(t *testing.T) {
	assert.Equal(t, "running", StateRunning.String())
	assert.Equal(t, "failed", StateFailed.String())
	assert.Equal(t, "unknown", IngestionState(42).String())
}
