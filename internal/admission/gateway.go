package admission

import (
	"context"
	"net"
	"strings"

	"github.com/wfunc/koinet/internal/errors"
	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// 关闭原因
const (
	CloseReasonInvalidHandshake = "invalid handshake"
	CloseReasonSpoofing         = "MAC or IP not found; possible spoofing"
	CloseReasonBypass           = "bypass"
	CloseReasonDone             = "done"
)

// Gateway 处理客户端接入：主机校验、已授权放行、入队并等待结果
type Gateway struct {
	queue       *Queue
	broadcaster *Broadcaster
	hosts       HostConnectivityChecker
	grants      ExistingGrantChecker
	recorder    OutcomeRecorder
	bypassCheck bool
	logger      *zap.Logger
}

// NewGateway 创建接入网关，grants 为 nil 时不做已授权检查
func NewGateway(queue *Queue, broadcaster *Broadcaster, hosts HostConnectivityChecker,
	grants ExistingGrantChecker, recorder OutcomeRecorder) *Gateway {
	return &Gateway{
		queue:       queue,
		broadcaster: broadcaster,
		hosts:       hosts,
		grants:      grants,
		recorder:    recorder,
		bypassCheck: grants != nil,
		logger:      logger.GetModuleLogger("admission"),
	}
}

// ParseHandshake 解析首帧 "<mac>,<ip>"
func ParseHandshake(frame string) (mac, ip string, err error) {
	parts := strings.Split(strings.TrimSpace(frame), ",")
	if len(parts) != 2 {
		return "", "", errors.Newf(errors.ErrInvalidHandshake, "%q", frame)
	}

	mac = strings.ToUpper(strings.TrimSpace(parts[0]))
	ip = strings.TrimSpace(parts[1])
	if _, perr := net.ParseMAC(mac); perr != nil {
		return "", "", errors.Wrapf(perr, errors.ErrInvalidHandshake, "MAC: %q", parts[0])
	}
	if net.ParseIP(ip) == nil {
		return "", "", errors.Newf(errors.ErrInvalidHandshake, "IP: %q", parts[1])
	}
	return mac, ip, nil
}

// Serve 处理一个已建立的客户端连接，返回时连接已关闭
func (g *Gateway) Serve(ctx context.Context, handshake string, ch ClientChannel) Outcome {
	mac, ip, err := ParseHandshake(handshake)
	if err != nil {
		g.logger.Warn("握手消息无效", zap.String("frame", handshake), zap.Error(err))
		g.close(ch, CloseUnsupported, CloseReasonInvalidHandshake)
		return Outcome{Decision: DecisionDenied, Reason: CloseReasonInvalidHandshake}
	}

	if err := g.checkHost(ctx, mac, ip); err != nil {
		if errors.Is(err, errors.ErrHostNotConnected) {
			g.logger.Error("主机校验失败", zap.Error(err))
		} else {
			g.logger.Warn("主机未连接热点，拒绝接入", zap.Error(err))
		}
		g.close(ch, CloseUnsupported, CloseReasonSpoofing)
		return Outcome{Decision: DecisionDenied, Reason: CloseReasonSpoofing}
	}

	req := NewAdmissionRequest(mac, ip, ch)

	if g.bypassCheck {
		active, err := g.grants.HasActiveGrant(ctx, mac, ip)
		if err != nil {
			g.logger.Warn("查询已有授权失败，按新请求处理", zap.String("mac", mac), zap.Error(err))
		}
		if active {
			o := Outcome{Decision: DecisionBypass}
			if err := ch.Send(BypassMessage()); err != nil {
				g.logger.Debug("发送bypass失败", zap.String("mac", mac), zap.Error(err))
			}
			req.resolve(o)
			g.record(req, o)
			g.close(ch, CloseNormal, CloseReasonBypass)
			return o
		}
	}

	if err := g.queue.Enqueue(req); err != nil {
		reason := ReasonQueueFull
		if errors.Is(err, errors.ErrQueueClosed) {
			reason = ReasonShuttingDown
		}
		o := Outcome{Decision: DecisionDenied, Reason: reason}
		_ = ch.Send(DeniedMessage(reason))
		req.resolve(o)
		g.record(req, o)
		g.close(ch, CloseNormal, reason)
		return o
	}

	logger.LogAdmissionEvent("enqueued", req.ID,
		zap.String("mac", mac),
		zap.String("ip", ip))
	g.broadcaster.Broadcast()

	select {
	case <-req.Done():
	case <-ch.Done():
		// 排队中断开：立即移出；已激活的由计时器发送失败处理
		if g.queue.Remove(req.ID) {
			o := Outcome{Decision: DecisionDisconnected}
			if req.resolve(o) {
				logger.LogAdmissionEvent("disconnected", req.ID, zap.String("mac", mac))
				g.record(req, o)
			}
			g.broadcaster.Broadcast()
		}
		<-req.Done()
	}

	g.close(ch, CloseNormal, CloseReasonDone)
	return req.Outcome()
}

// checkHost 设备须出现在热点主机列表中；查询失败同样拒绝
func (g *Gateway) checkHost(ctx context.Context, mac, ip string) error {
	connected, err := g.hosts.IsHostConnected(ctx, mac, ip)
	if err != nil {
		return errors.Wrapf(err, errors.ErrHostNotConnected, "%s/%s", mac, ip)
	}
	if !connected {
		return errors.Newf(errors.ErrSpoofedHost, "%s/%s", mac, ip)
	}
	return nil
}

// Queue 返回等待队列
func (g *Gateway) Queue() *Queue {
	return g.queue
}

func (g *Gateway) record(req *AdmissionRequest, o Outcome) {
	if g.recorder != nil {
		g.recorder.RecordOutcome(newOutcomeEvent(req, o))
	}
}

func (g *Gateway) close(ch ClientChannel, code int, reason string) {
	if err := ch.Close(code, reason); err != nil {
		g.logger.Debug("关闭客户端连接失败", zap.Int("code", code), zap.Error(err))
	}
}
