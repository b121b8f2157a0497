package changefeed

import (
	"iter"
	"sync"
	"time"
)

// chanSubscription はチャネルで受け取ったイベントを iter.Seq として公開する。
type chanSubscription struct {
	events  chan Event
	lagged  chan struct{}
	done    chan struct{}
	once    sync.Once
	onClose func() error
	err     error
}

func newChanSubscription(buffer int, onClose func() error) *chanSubscription {
	return &chanSubscription{
		events:  make(chan Event, buffer),
		lagged:  make(chan struct{}, 1),
		done:    make(chan struct{}),
		onClose: onClose,
	}
}

// Events はCloseされるか送信側がチャネルを閉じるまでイベントを返す。
// 取りこぼしが起きた購読には、バッファに残ったイベントの後で KindResync を1回返す。
func (s *chanSubscription) Events() iter.Seq[Event] {
	return func(yield func(Event) bool) {
		for {
			select {
			case <-s.done:
				return
			case e, ok := <-s.events:
				if !ok || !yield(e) {
					return
				}
				continue
			default:
			}

			select {
			case <-s.done:
				return
			case e, ok := <-s.events:
				if !ok || !yield(e) {
					return
				}
			case <-s.lagged:
				if !yield(Event{Kind: KindResync, At: time.Now()}) {
					return
				}
			}
		}
	}
}

// Close は購読を終了する。複数回呼んでも安全。
func (s *chanSubscription) Close() error {
	s.once.Do(func() {
		close(s.done)
		if s.onClose != nil {
			s.err = s.onClose()
		}
	})
	return s.err
}

// send はイベントを渡す。購読が閉じていればfalseを返す。
func (s *chanSubscription) send(e Event) bool {
	select {
	case <-s.done:
		return false
	case s.events <- e:
		return true
	}
}

// trySend はバッファに空きがある場合だけイベントを渡す。
// 空きがなければイベントを捨てて購読を遅延状態にし、読み手に KindResync を届ける。
// 遅延状態に入った最初の取りこぼしでだけtrueを返す。
func (s *chanSubscription) trySend(e Event) (lagStarted bool) {
	select {
	case <-s.done:
		return false
	case s.events <- e:
		return false
	default:
	}
	select {
	case s.lagged <- struct{}{}:
		return true
	default:
		return false
	}
}
