package handler

import (
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"
)

// sseHeartbeatInterval はプロキシに接続を切られないためのコメント送信間隔。
const sseHeartbeatInterval = 25 * time.Second

// sseWriter はServer-Sent Eventsを書き込む。
// ヘッダーは最初の送信時に書き込むため、それまではエラーレスポンスに切り替えられる。
type sseWriter struct {
	w  http.ResponseWriter
	rc *http.ResponseController

	mu      sync.Mutex
	started bool
}

func newSSEWriter(w http.ResponseWriter) *sseWriter {
	return &sseWriter{w: w, rc: http.NewResponseController(w)}
}

// Started はレスポンスヘッダーを書き込み済みかを返す。
func (s *sseWriter) Started() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.started
}

// Send はeventとJSONのデータを1件送信する。
func (s *sseWriter) Send(event string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("failed to encode event: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.start()
	if _, err := fmt.Fprintf(s.w, "event: %s\ndata: %s\n\n", event, data); err != nil {
		return err
	}
	return s.rc.Flush()
}

// startHeartbeat は送信開始後に一定間隔でコメント行を送るゴルーチンを起動する。
// 返された関数はゴルーチンの終了を待つため、ハンドラーから戻る前に呼ぶこと。
func (s *sseWriter) startHeartbeat(interval time.Duration) (stop func()) {
	done := make(chan struct{})
	var wg sync.WaitGroup
	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				s.mu.Lock()
				if s.started {
					fmt.Fprint(s.w, ": ping\n\n")
					_ = s.rc.Flush()
				}
				s.mu.Unlock()
			}
		}
	}()
	return func() {
		close(done)
		wg.Wait()
	}
}

// start はSSEのヘッダーを書き込む。呼び出し側でロックを保持すること。
func (s *sseWriter) start() {
	if s.started {
		return
	}
	s.started = true
	// ストリームはサーバーの書き込みタイムアウトの対象外にする
	_ = s.rc.SetWriteDeadline(time.Time{})

	h := s.w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
	s.w.WriteHeader(http.StatusOK)
}
