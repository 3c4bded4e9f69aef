package transport

import "github.com/gaoyadianta/run-tracker-sub000/pkg/broadcast"

// Pump 把订阅到的消息逐条交给 handle，直到订阅被取消或连接断开
//
// 连接断开时先处理完已缓冲的消息，再调用 onLost（可以为 nil）。
// handle 内部出错只影响当前这一条消息。
func Pump(s *Session, sub *broadcast.Subscription[[]byte], handle func([]byte), onLost func()) {
	done := s.Done()
	for {
		select {
		case data, ok := <-sub.C:
			if !ok {
				return
			}
			handle(data)
		case <-done:
			for {
				select {
				case data, ok := <-sub.C:
					if !ok {
						return
					}
					handle(data)
				default:
					if onLost != nil {
						onLost()
					}
					return
				}
			}
		}
	}
}
