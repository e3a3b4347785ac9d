// ============================================================================
// Faucet Miner - 隔離的挖掘執行單元
// ============================================================================
//
// Package: internal/miner
// 文件: miner.go
// 功能: 管理挖掘 goroutine 的生命週期，並以訊息與呼叫端溝通
//
// 設計模式:
//   呼叫端與挖掘單元之間只透過 channel 傳遞訊息，不共享任何狀態：
//   1. Run()/Cancel() 將請求送入 inbox
//   2. dispatch goroutine 依序處理請求，啟動或取消搜尋
//   3. 搜尋 goroutine 結束後把終結訊息交回 dispatch，由 dispatch 送入 outbox（Messages()）
//
// 架構組件:
//   ┌─────────────┐
//   │ Coordinator │ --Run()/Cancel()--> inbox
//   └─────────────┘
//         ↑
//    Messages()
//         ↑
//   ┌──────────────────────────┐
//   │  Miner                   │
//   │  ┌──────────┐            │
//   │  │ dispatch │←── inbox   │
//   │  └────┬─────┘            │
//   │  │          │──→ outbox  │
//   │  └──┬────↑───┘            │
//   │     ↓    │ done           │
//   │  ┌──────────┐            │
//   │  │  search  │            │
//   │  └──────────┘            │
//   └──────────────────────────┘
//
// 生命週期:
//   1. New() - 建立 Miner，初始化 channels
//   2. Start() - 啟動 dispatch goroutine
//   3. Run(salt, difficulty) - 開始一次搜尋，回傳 run ID
//   4. Cancel() - 請求取消目前的搜尋
//   5. Close() - 取消搜尋並等待所有 goroutine 結束，關閉 outbox
//
// 並發約束:
//   - 同一時間只有一個 run；run 進行中收到新的 start 請求會被丟棄並記錄
//     （仲裁由呼叫端負責，見 claim.Coordinator）
//   - 每個 run 最多送出一則終結訊息：Hash、Stopped 或 Finish
//   - 同一 Miner 的訊息依產生順序送達
//
// ============================================================================

package miner

import (
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/ChuLiYu/faucet-claim/internal/pow"
)

var log = slog.Default()

// Miner 本地的挖掘執行單元
type Miner struct {
	inbox   chan request   // 請求通道（Run / Cancel）
	outbox  chan Message   // 訊息通道，由 Messages() 對外暴露
	stopCh  chan struct{}  // 關閉訊號
	wg      sync.WaitGroup // 等待 dispatch 與 search goroutine 結束
	nextRun atomic.Uint64  // run 序號
	started bool
	stopped bool
	mu      sync.Mutex // 保護 started / stopped
}

// run 一次搜尋的執行狀態，只在 Miner 內部的 goroutine 之間共享
type run struct {
	id         uint64
	salt       string
	difficulty uint16
	cancelled  atomic.Bool
}

// New 建立新的 Miner
// 參數：
//   - bufferSize: inbox / outbox 的緩衝大小
func New(bufferSize int) *Miner {
	if bufferSize < 1 {
		bufferSize = 1
	}
	return &Miner{
		inbox:  make(chan request, bufferSize),
		outbox: make(chan Message, bufferSize),
		stopCh: make(chan struct{}),
	}
}

// Start 啟動 dispatch goroutine
func (m *Miner) Start() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.started {
		return fmt.Errorf("miner already started")
	}

	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		m.dispatch()
	}()

	m.started = true
	return nil
}

// Run 請求開始一次搜尋
//
// 返回值：
//   - uint64: 此 run 的 ID，之後的訊息會帶著同一個 ID
//   - error: Miner 未啟動、已關閉、salt 為空或 difficulty 超出範圍
func (m *Miner) Run(salt string, difficulty uint16) (uint64, error) {
	if err := checkRun(salt, difficulty); err != nil {
		return 0, err
	}
	id := m.nextRun.Add(1)
	if err := m.send(request{salt: salt, difficulty: difficulty}, id); err != nil {
		return 0, err
	}
	return id, nil
}

// runAs 以呼叫端指定的 ID 開始一次搜尋，供 gRPC Server 回傳遠端的 run ID
func (m *Miner) runAs(id uint64, salt string, difficulty uint16) error {
	if err := checkRun(salt, difficulty); err != nil {
		return err
	}
	return m.send(request{salt: salt, difficulty: difficulty}, id)
}

func checkRun(salt string, difficulty uint16) error {
	if salt == "" {
		return ErrEmptySalt
	}
	if difficulty > pow.MaxDifficulty {
		return fmt.Errorf("%w: %d", pow.ErrDifficultyRange, difficulty)
	}
	return nil
}

// Cancel 請求取消目前的 run；沒有 run 時不做任何事
func (m *Miner) Cancel() error {
	return m.send(request{cancel: true}, 0)
}

// Messages 回傳訊息通道；Close() 後會被關閉
func (m *Miner) Messages() <-chan Message {
	return m.outbox
}

func (m *Miner) send(req request, id uint64) error {
	m.mu.Lock()
	if !m.started {
		m.mu.Unlock()
		return ErrMinerNotStarted
	}
	if m.stopped {
		m.mu.Unlock()
		return ErrMinerClosed
	}
	m.mu.Unlock()

	req.id = id
	select {
	case m.inbox <- req:
		return nil
	case <-m.stopCh:
		return ErrMinerClosed
	}
}

// dispatch 依序處理 inbox 中的請求，並負責送出每個 run 的終結訊息
//
// 終結訊息由 dispatch 而非 search goroutine 送出：
//   - 先清除 current 再送出訊息，呼叫端收到訊息後立即提交的新 run 不會被誤判為重複
//   - 在 dispatch 已讀到的取消請求之後才完成的 Hash 會被改寫為 Stopped
func (m *Miner) dispatch() {
	var current *run
	done := make(chan Message)

	for {
		select {
		case req := <-m.inbox:
			if req.cancel {
				if current != nil {
					current.cancelled.Store(true)
				}
				continue
			}
			if current != nil {
				log.Warn("Run already active, start request dropped",
					"active", current.id, "dropped", req.id)
				continue
			}

			current = &run{id: req.id, salt: req.salt, difficulty: req.difficulty}
			m.wg.Add(1)
			go func(r *run) {
				defer m.wg.Done()
				msg := m.search(r)
				select {
				case done <- msg:
				case <-m.stopCh:
				}
			}(current)

		case msg := <-done:
			if _, ok := msg.(Hash); ok && current != nil && current.cancelled.Load() {
				msg = Stopped{Run: current.id}
			}
			current = nil
			m.emit(msg)

		case <-m.stopCh:
			if current != nil {
				current.cancelled.Store(true)
			}
			return
		}
	}
}

// emit 將訊息送出；Miner 關閉時放棄
func (m *Miner) emit(msg Message) {
	select {
	case m.outbox <- msg:
	case <-m.stopCh:
	}
}

// Close 關閉 Miner
// 關閉流程：
//  1. 設定 stopped 標誌
//  2. 關閉 stopCh，dispatch 取消目前的 run 並退出
//  3. 等待所有 goroutine 完成
//  4. 關閉 outbox
func (m *Miner) Close() {
	m.mu.Lock()
	if !m.started || m.stopped {
		m.mu.Unlock()
		return
	}
	m.stopped = true
	m.mu.Unlock()

	close(m.stopCh)
	m.wg.Wait()
	close(m.outbox)
}

// IsStarted 檢查 Miner 是否已啟動
func (m *Miner) IsStarted() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.started
}
