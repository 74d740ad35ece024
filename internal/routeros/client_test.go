package routeros

import (
	"context"
	stderrors "errors"
	"strings"
	"sync"
	"testing"
	"time"

	ros "github.com/go-routeros/routeros/v3"
	"github.com/go-routeros/routeros/v3/proto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/wfunc/koinet/internal/config"
	"github.com/wfunc/koinet/internal/errors"
)

// fakeRouter 按命令返回预置数据并记录调用
type fakeRouter struct {
	mu      sync.Mutex
	tables  map[string][]map[string]string
	calls   [][]string
	dials   int
	dialErr error
	failCmd string
	closed  int
}

func newFakeRouter() *fakeRouter {
	return &fakeRouter{tables: map[string][]map[string]string{}}
}

func (f *fakeRouter) dial(ctx context.Context, cfg *config.RouterConfig) (Runner, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.dials++
	if f.dialErr != nil {
		return nil, f.dialErr
	}
	return f, nil
}

func (f *fakeRouter) RunArgs(sentence []string) (*ros.Reply, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, sentence)

	cmd := sentence[0]
	if cmd == f.failCmd {
		return nil, stderrors.New("from RouterOS device: failure")
	}

	reply := &ros.Reply{}
	if strings.HasSuffix(cmd, "/print") {
		table := strings.TrimSuffix(cmd, "/print")
		for _, row := range f.tables[table] {
			if !matchQuery(row, sentence[1:]) {
				continue
			}
			reply.Re = append(reply.Re, &proto.Sentence{Word: "!re", Map: row})
		}
	}
	return reply, nil
}

func matchQuery(row map[string]string, args []string) bool {
	for _, a := range args {
		if !strings.HasPrefix(a, "?") {
			continue
		}
		kv := strings.SplitN(a[1:], "=", 2)
		if len(kv) == 2 && row[kv[0]] != kv[1] {
			return false
		}
	}
	return true
}

func (f *fakeRouter) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeRouter) Calls() [][]string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([][]string(nil), f.calls...)
}

func testRouterConfig() *config.RouterConfig {
	return &config.RouterConfig{
		Enabled:      true,
		Host:         "192.168.88.1",
		Port:         8728,
		Username:     "pyapi",
		Profile:      "default",
		Timeout:      time.Second,
		HostCacheTTL: time.Minute,
	}
}

func TestClient_IsHostConnected(t *testing.T) {
	router := newFakeRouter()
	router.tables["/ip/hotspot/host"] = []map[string]string{
		{".id": "*1", "mac-address": "AA:BB:CC:DD:EE:FF", "address": "10.5.50.2", "authorized": "false"},
	}
	client := NewClient(testRouterConfig(), router.dial)
	ctx := context.Background()

	ok, err := client.IsHostConnected(ctx, "aa:bb:cc:dd:ee:ff", "10.5.50.2")
	require.NoError(t, err)
	assert.True(t, ok)

	// IP不一致视为伪造
	ok, err = client.IsHostConnected(ctx, "AA:BB:CC:DD:EE:FF", "10.5.50.9")
	require.NoError(t, err)
	assert.False(t, ok)

	// 第二次查询命中缓存
	assert.Equal(t, 1, router.dials)
}

func TestClient_HasActiveGrant(t *testing.T) {
	router := newFakeRouter()
	router.tables["/ip/hotspot/active"] = []map[string]string{
		{".id": "*A", "user": "AA:BB:CC:DD:EE:FF", "mac-address": "AA:BB:CC:DD:EE:FF", "address": "10.5.50.2", "session-time-left": "25m"},
	}
	client := NewClient(testRouterConfig(), router.dial)

	ok, err := client.HasActiveGrant(context.Background(), "AA:BB:CC:DD:EE:FF", "10.5.50.2")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = client.HasActiveGrant(context.Background(), "11:22:33:44:55:66", "10.5.50.3")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestClient_AddHotspotUserReplacesOld(t *testing.T) {
	router := newFakeRouter()
	router.tables["/ip/hotspot/user"] = []map[string]string{
		{".id": "*7", "name": "AA:BB:CC:DD:EE:FF"},
		{".id": "*8", "name": "11:22:33:44:55:66"},
	}
	client := NewClient(testRouterConfig(), router.dial)

	require.NoError(t, client.Grant(context.Background(), "AA:BB:CC:DD:EE:FF", "10.5.50.2", 60))

	calls := router.Calls()
	require.Len(t, calls, 3)
	assert.Equal(t, []string{"/ip/hotspot/user/print", "?name=AA:BB:CC:DD:EE:FF"}, calls[0])
	assert.Equal(t, []string{"/ip/hotspot/user/remove", "=.id=*7"}, calls[1])
	assert.Equal(t, []string{
		"/ip/hotspot/user/add",
		"=name=AA:BB:CC:DD:EE:FF",
		"=password=AA:BB:CC:DD:EE:FF",
		"=mac-address=AA:BB:CC:DD:EE:FF",
		"=address=10.5.50.2",
		"=limit-uptime=60m",
		"=profile=default",
	}, calls[2])
	assert.Equal(t, 1, router.closed)
}

func TestClient_GrantInvalidatesCache(t *testing.T) {
	router := newFakeRouter()
	client := NewClient(testRouterConfig(), router.dial)
	ctx := context.Background()

	ok, err := client.HasActiveGrant(ctx, "AA:BB:CC:DD:EE:FF", "10.5.50.2")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, client.Grant(ctx, "AA:BB:CC:DD:EE:FF", "10.5.50.2", 30))

	router.mu.Lock()
	router.tables["/ip/hotspot/active"] = []map[string]string{
		{"mac-address": "AA:BB:CC:DD:EE:FF", "address": "10.5.50.2"},
	}
	router.mu.Unlock()

	ok, err = client.HasActiveGrant(ctx, "AA:BB:CC:DD:EE:FF", "10.5.50.2")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestClient_Errors(t *testing.T) {
	router := newFakeRouter()
	router.dialErr = stderrors.New("dial tcp 192.168.88.1:8728: connect: connection refused")
	client := NewClient(testRouterConfig(), router.dial)

	_, err := client.IsHostConnected(context.Background(), "AA:BB:CC:DD:EE:FF", "10.5.50.2")
	assert.True(t, errors.Is(err, errors.ErrRouterConnect))

	router.dialErr = nil
	router.failCmd = "/ip/hotspot/user/add"
	err = client.Grant(context.Background(), "AA:BB:CC:DD:EE:FF", "10.5.50.2", 30)
	assert.True(t, errors.Is(err, errors.ErrRouterCommand))
}

func TestDialError_Classification(t *testing.T) {
	cfg := testRouterConfig()

	refused := stderrors.New("dial tcp 192.168.88.1:8728: connect: connection refused")
	assert.Equal(t, errors.ErrRouterConnect, errors.GetCode(dialError(refused, cfg)))

	trap := &ros.DeviceError{Sentence: &proto.Sentence{
		Word: "!trap",
		Map:  map[string]string{"message": "invalid user name or password (6)"},
	}}
	err := dialError(trap, cfg)
	assert.Equal(t, errors.ErrRouterLogin, errors.GetCode(err))
	assert.True(t, errors.IsRetryable(dialError(refused, cfg)))
	assert.False(t, errors.IsRetryable(err))

	// 登录失败经 Client 透传时保留错误码
	router := newFakeRouter()
	router.dialErr = err
	client := NewClient(cfg, router.dial)
	_, err = client.HotspotUsers(context.Background())
	assert.True(t, errors.Is(err, errors.ErrRouterLogin))
}

func TestClient_Listings(t *testing.T) {
	router := newFakeRouter()
	router.tables["/ip/hotspot/user"] = []map[string]string{
		{".id": "*1", "name": "AA:BB:CC:DD:EE:FF", "limit-uptime": "1h", "uptime": "10m", "profile": "default", "disabled": "false"},
	}
	router.tables["/system/resource"] = []map[string]string{
		{"board-name": "hAP ac2", "version": "7.14.3 (stable)", "uptime": "3d4h"},
	}
	client := NewClient(testRouterConfig(), router.dial)

	users, err := client.HotspotUsers(context.Background())
	require.NoError(t, err)
	require.Len(t, users, 1)
	assert.Equal(t, "1h", users[0].LimitUptime)
	assert.False(t, users[0].Disabled)

	info, err := client.RouterInfo(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hAP ac2", info.BoardName)
	assert.Equal(t, "7.14.3 (stable)", info.Version)

	router.tables["/system/resource"] = nil
	_, err = client.RouterInfo(context.Background())
	assert.True(t, errors.Is(err, errors.ErrRouterReply))
}

func TestHostCache_NoTTL(t *testing.T) {
	c := NewHostCache(0)
	loads := 0
	load := func(context.Context) ([]HotspotHost, error) {
		loads++
		return []HotspotHost{{MACAddress: "AA"}}, nil
	}
	_, _ = c.Hosts(context.Background(), load)
	_, _ = c.Hosts(context.Background(), load)
	assert.Equal(t, 2, loads)
}
