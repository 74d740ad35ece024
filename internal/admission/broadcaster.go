package admission

import (
	"sync"

	"github.com/wfunc/koinet/internal/logger"
	"go.uber.org/zap"
)

// Broadcaster 向所有等待中的请求推送排队位置
type Broadcaster struct {
	queue    *Queue
	recorder OutcomeRecorder
	logger   *zap.Logger
	mu       sync.Mutex
}

// NewBroadcaster 创建位置广播器
func NewBroadcaster(queue *Queue, recorder OutcomeRecorder) *Broadcaster {
	return &Broadcaster{
		queue:    queue,
		recorder: recorder,
		logger:   logger.GetModuleLogger("admission"),
	}
}

// Broadcast 按队列顺序发送1起始的位置；发送失败的请求被移出队列，
// 其后的请求位置随之前移
func (b *Broadcaster) Broadcast() {
	b.mu.Lock()
	defer b.mu.Unlock()

	position := 0
	for _, r := range b.queue.SnapshotWaiting() {
		if err := r.Channel.Send(WaitingMessage(position + 1)); err != nil {
			b.logger.Warn("推送排队位置失败，移出队列",
				zap.String("request_id", r.ID),
				zap.String("mac", r.MACAddress),
				zap.Error(err))
			b.drop(r)
			continue
		}
		position++
	}
}

func (b *Broadcaster) drop(r *AdmissionRequest) {
	if !b.queue.Remove(r.ID) {
		// 已被控制器取走，由计时器处理断开
		return
	}
	o := Outcome{Decision: DecisionDisconnected}
	if r.resolve(o) {
		logger.LogAdmissionEvent("removed", r.ID, zap.String("mac", r.MACAddress))
		if b.recorder != nil {
			b.recorder.RecordOutcome(newOutcomeEvent(r, o))
		}
	}
}
