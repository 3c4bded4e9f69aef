// Package broadcast 有界扇出广播
//
// 每个订阅者一个有界缓冲，满了丢弃最旧的一条，Publish 永不阻塞。
// 这是有意的有损行为：慢消费者不能拖住网络读循环。
package broadcast

import "sync"

const DefaultCapacity = 64

// Subscription 一个订阅者
type Subscription[T any] struct {
	C <-chan T

	ch     chan T
	owner  *Broadcaster[T]
	once   sync.Once
	sendMu sync.Mutex
}

// Cancel 取消订阅并关闭 C，可重复调用
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		s.owner.remove(s)
		s.sendMu.Lock()
		close(s.ch)
		s.sendMu.Unlock()
	})
}

// offer 非阻塞写入，满时丢弃最旧，返回是否发生丢弃
func (s *Subscription[T]) offer(v T) (dropped bool) {
	s.sendMu.Lock()
	defer s.sendMu.Unlock()
	for {
		select {
		case s.ch <- v:
			return dropped
		default:
		}
		select {
		case <-s.ch:
			dropped = true
		default:
		}
	}
}

// Broadcaster 多订阅者广播
type Broadcaster[T any] struct {
	mu   sync.RWMutex
	subs map[*Subscription[T]]struct{}

	// OnDrop 发生丢弃时回调，用于指标
	OnDrop func()
}

func New[T any]() *Broadcaster[T] {
	return &Broadcaster[T]{subs: make(map[*Subscription[T]]struct{})}
}

// Subscribe 新建订阅，capacity<=0 时使用 DefaultCapacity
func (b *Broadcaster[T]) Subscribe(capacity int) *Subscription[T] {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	ch := make(chan T, capacity)
	sub := &Subscription[T]{C: ch, ch: ch, owner: b}

	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[sub] = struct{}{}
	return sub
}

// Publish 投递给所有订阅者
func (b *Broadcaster[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for sub := range b.subs {
		if sub.offer(v) && b.OnDrop != nil {
			b.OnDrop()
		}
	}
}

// Len 当前订阅者数量
func (b *Broadcaster[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *Broadcaster[T]) remove(s *Subscription[T]) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}
