package admission

import (
	"sync"

	"github.com/wfunc/koinet/internal/errors"
)

// Queue 先进先出的准入等待队列
type Queue struct {
	mu      sync.Mutex
	items   []*AdmissionRequest
	maxSize int
	closed  bool
}

// NewQueue 创建队列，maxSize<=0 表示不限长度
func NewQueue(maxSize int) *Queue {
	return &Queue{maxSize: maxSize}
}

// Enqueue 追加到队尾
func (q *Queue) Enqueue(r *AdmissionRequest) error {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return errors.New(errors.ErrQueueClosed)
	}
	if q.maxSize > 0 && len(q.items) >= q.maxSize {
		return errors.Newf(errors.ErrQueueFull, "上限: %d", q.maxSize)
	}
	q.items = append(q.items, r)
	return nil
}

// DequeueNext 取出队首并标记为 ACTIVE，队列为空时立即返回 false
func (q *Queue) DequeueNext() (*AdmissionRequest, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for len(q.items) > 0 {
		r := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		// 已结束的请求（例如刚断开）直接跳过
		if r.activate() {
			return r, true
		}
	}
	return nil, false
}

// Remove 按ID移除等待中的请求，不存在时无操作
func (q *Queue) Remove(id string) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	for i, r := range q.items {
		if r.ID == id {
			copy(q.items[i:], q.items[i+1:])
			q.items[len(q.items)-1] = nil
			q.items = q.items[:len(q.items)-1]
			return true
		}
	}
	return false
}

// SnapshotWaiting 按顺序返回当前等待中的请求
func (q *Queue) SnapshotWaiting() []*AdmissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make([]*AdmissionRequest, 0, len(q.items))
	for _, r := range q.items {
		if r.State() == StateQueued {
			out = append(out, r)
		}
	}
	return out
}

// Len 等待中的请求数
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

// Close 关闭队列并返回剩余请求，之后的入队都会失败
func (q *Queue) Close() []*AdmissionRequest {
	q.mu.Lock()
	defer q.mu.Unlock()

	q.closed = true
	rest := q.items
	q.items = nil
	return rest
}
