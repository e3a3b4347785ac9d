// ============================================================================
// Faucet Claim Coordinator - 領取流程狀態機
// ============================================================================
//
// Package: internal/claim
// 文件: coordinator.go
// 功能: 協商 → 挖掘 → 提交 → 結算，對外提供 Start / Stop 並透過 EventBus 發出事件
//
// 架構設計:
//   Coordinator 串起以下組件：
//   - Negotiator: 向 faucet 服務取得挑戰（salt + difficulty）
//   - MiningUnit: 隔離的挖掘單元（本地 goroutine 或遠端 gRPC stream）
//   - Submitter: 提交 nonce 並取得發放結果
//   - Registry: 每個地址最多一個有效 Session
//   - Bus: start / stop / error / done 事件
//
// 狀態轉移:
//   Idle        --Start-->          Negotiating
//   Negotiating --協商成功-->        Mining       （MiningUnit.Run）
//   Negotiating --協商失敗-->        Error
//   Mining      --Hash-->           Submitting   （Submitter）
//   Mining      --Stop / Stopped--> Stopped
//   Negotiating --Abandon-->        協商完成後 Mining → Stopped
//   Submitting  --發放成功-->        Done
//   Submitting  --發放失敗-->        Error
//   Stopped / Error / Done --Start--> Negotiating
//
// 並發模型 (2 個 Goroutine + 每次網路請求 1 個):
//   1. 呼叫端 - Start() / Stop() 只改狀態並發起非同步工作，不等待網路
//   2. Message Loop - 依序處理 MiningUnit 的訊息（Visitor）
//   3. negotiate / submit - 網路請求完成後回到狀態機
//
// 取消語意（stop wins）:
//   - Stop() 立即進入 Stopped、發出一次 stop、作廢 Session 並要求 MiningUnit 取消
//   - 被取消的 run 之後回報的 Hash 一律丟棄
//   - 在收到該 run 的終結訊息（確認）之前，新的 run 會被暫存，
//     MiningUnit 不會同時被兩個 run 使用
//
// 並發安全:
//   - sync.Mutex 保護所有狀態
//   - 事件在釋放鎖之後才發出，訂閱者可以在 handler 中呼叫 Start / Stop
//   - MiningUnit.Run / Cancel 在持有鎖時呼叫，run ID 與狀態一起記錄
//
// ============================================================================

package claim

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/eventbus"
	"github.com/ChuLiYu/faucet-claim/internal/metrics"
	"github.com/ChuLiYu/faucet-claim/internal/miner"
	"github.com/ChuLiYu/faucet-claim/internal/pow"
	"github.com/ChuLiYu/faucet-claim/internal/session"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

var log = slog.Default()

const (
	msgUnitDisconnected = "mining unit disconnected"
	msgUnknownMessage   = "mining unit sent an unrecognized message"
)

// ============================================================================
// 依賴介面
// ============================================================================

// Negotiator 取得挖掘挑戰
type Negotiator interface {
	CreateSession(ctx context.Context, address string) (types.Session, error)
}

// Submitter 提交挖掘結果
type Submitter interface {
	DispensePoW(ctx context.Context, address string, result types.WorkResult) (types.ClaimOutcome, error)
}

// MiningUnit 隔離的挖掘單元，miner.Miner 與 miner.RemoteMiner 皆實作此介面
type MiningUnit interface {
	Run(salt string, difficulty uint16) (uint64, error)
	Cancel() error
	Messages() <-chan miner.Message
}

// Deps Coordinator 的依賴
type Deps struct {
	Negotiator     Negotiator
	Submitter      Submitter
	Miner          MiningUnit
	Bus            *eventbus.Bus
	Sessions       *session.Registry  // nil 時自動建立
	Metrics        *metrics.Collector // 可為 nil
	RequestTimeout time.Duration      // 單次網路請求超時，0 表示不限
}

// Status Coordinator 狀態快照
type Status struct {
	State       types.ClaimState
	Address     string
	Run         uint64 // 目前的 run ID，0 表示沒有
	AwaitingAck bool   // 是否仍在等待被取消 run 的確認
	RunQueued   bool   // 是否有 run 在等待確認後才開始
}

// ============================================================================
// Coordinator
// ============================================================================

// Coordinator 單一領取流程的狀態機；同一時間只有一個領取在進行
type Coordinator struct {
	deps Deps

	mu        sync.Mutex
	state     types.ClaimState
	claim     uint64         // 領取世代，每次 Start 遞增
	address   string         // 目前領取的地址
	run       uint64         // 目前的 run ID
	runAt     time.Time      // run 開始時間
	queued    *types.Session // 等待確認後才開始的 run
	ackRun    uint64         // 已取消、等待終結訊息的 run，0 表示沒有
	abandoned uint64         // 協商完成後立即停止的領取世代，見 Abandon
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}
	wg     sync.WaitGroup
}

// NewCoordinator 建立 Coordinator 並啟動 message loop
func NewCoordinator(deps Deps) *Coordinator {
	if deps.Sessions == nil {
		deps.Sessions = session.NewRegistry()
	}
	ctx, cancel := context.WithCancel(context.Background())

	c := &Coordinator{
		deps:   deps,
		state:  types.StateIdle,
		ctx:    ctx,
		cancel: cancel,
		done:   make(chan struct{}),
	}
	deps.Metrics.SetState(types.StateIdle)

	c.wg.Add(1)
	go func() {
		defer c.wg.Done()
		c.messageLoop()
	}()
	return c
}

// State 回傳目前狀態
func (c *Coordinator) State() types.ClaimState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Status 回傳狀態快照
func (c *Coordinator) Status() Status {
	c.mu.Lock()
	defer c.mu.Unlock()
	return Status{
		State:       c.state,
		Address:     c.address,
		Run:         c.run,
		AwaitingAck: c.ackRun != 0,
		RunQueued:   c.queued != nil,
	}
}

// Start 開始一個新的領取
//
// 返回值：
//   - *ValidationError: 地址格式錯誤（狀態不變；沒有進行中的領取時同時發出 error 事件）
//   - ErrClaimInFlight: 已有領取進行中，沒有任何效果
//   - ErrClosed: Coordinator 已關閉
func (c *Coordinator) Start(address string) error {
	if err := ValidateAddress(address); err != nil {
		// 進行中的領取或已關閉時不發出 error，訂閱者不會誤以為目前的領取失敗
		c.mu.Lock()
		quiet := c.closed || c.state.InFlight()
		c.mu.Unlock()
		if !quiet {
			c.deps.Metrics.RecordFailed(metrics.StageValidate)
			c.publish(eventbus.Event{Topic: eventbus.TopicError, Message: err.Error()})
		}
		return err
	}

	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return ErrClosed
	}
	if c.state.InFlight() {
		c.mu.Unlock()
		return ErrClaimInFlight
	}
	c.claim++
	gen := c.claim
	c.address = address
	c.setState(types.StateNegotiating)
	c.deps.Metrics.RecordStarted()

	c.wg.Add(1)
	c.mu.Unlock()

	log.Info("Claim started", "address", address, "claim", gen)
	c.publish(eventbus.Event{Topic: eventbus.TopicStart})

	go func() {
		defer c.wg.Done()
		c.negotiate(gen, address)
	}()
	return nil
}

// Stop 停止挖掘中的領取；不在 Mining 時沒有任何效果
func (c *Coordinator) Stop() {
	c.mu.Lock()
	if c.state != types.StateMining {
		c.mu.Unlock()
		return
	}
	events := c.stopLocked()
	address := c.address
	c.mu.Unlock()

	log.Info("Claim stopped", "address", address)
	c.publish(events...)
}

// Abandon 呼叫端不再等待目前的領取
//
// Mining 時等同 Stop；Negotiating 時協商完成進入 Mining 後立即停止，
// 不讓沒有人等待的 run 繼續佔用 MiningUnit。Submitting 時讓提交自然完成。
func (c *Coordinator) Abandon() {
	c.mu.Lock()
	switch c.state {
	case types.StateMining:
		c.mu.Unlock()
		c.Stop()
		return
	case types.StateNegotiating:
		c.abandoned = c.claim
		log.Debug("Claim will stop once negotiated", "address", c.address, "claim", c.claim)
	}
	c.mu.Unlock()
}

// stopLocked 在持有鎖時由 Mining 進入 Stopped
func (c *Coordinator) stopLocked() []eventbus.Event {
	c.setState(types.StateStopped)
	c.deps.Metrics.RecordStopped()
	c.dropSession()
	c.queued = nil

	if c.run != 0 {
		if err := c.deps.Miner.Cancel(); err != nil {
			log.Warn("Failed to cancel mining run", "run", c.run, "error", err)
		} else {
			c.ackRun = c.run
		}
		c.run = 0
	}
	return []eventbus.Event{{Topic: eventbus.TopicStop}}
}

// Close 停止 message loop 並等待所有進行中的請求結束
func (c *Coordinator) Close() {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return
	}
	c.closed = true
	c.mu.Unlock()

	c.cancel()
	close(c.done)
	c.wg.Wait()
}

// ============================================================================
// 網路階段
// ============================================================================

func (c *Coordinator) requestContext() (context.Context, context.CancelFunc) {
	if c.deps.RequestTimeout > 0 {
		return context.WithTimeout(c.ctx, c.deps.RequestTimeout)
	}
	return context.WithCancel(c.ctx)
}

// negotiate 協商挑戰並啟動挖掘
func (c *Coordinator) negotiate(gen uint64, address string) {
	ctx, cancel := c.requestContext()
	start := time.Now()
	sess, err := c.deps.Negotiator.CreateSession(ctx, address)
	cancel()
	c.deps.Metrics.ObserveRequest(metrics.OpSession, time.Since(start))

	var events []eventbus.Event

	c.mu.Lock()
	if c.closed || gen != c.claim || c.state != types.StateNegotiating {
		c.mu.Unlock()
		return
	}

	if err != nil {
		log.Warn("Negotiation failed", "address", address, "error", err)
		events = c.fail(metrics.StageNegotiate, err.Error())
		c.mu.Unlock()
		c.publish(events...)
		return
	}

	if replaced := c.deps.Sessions.Put(sess); replaced != nil {
		log.Debug("Session replaced", "address", address, "old_salt", replaced.Salt)
	}
	c.setState(types.StateMining)
	log.Info("Session negotiated", "address", address, "difficulty", sess.Difficulty)

	if c.ackRun != 0 {
		// MiningUnit 仍在處理被取消的 run
		c.queued = &sess
		log.Debug("Run queued until cancellation is acknowledged", "pending", c.ackRun)
	} else {
		events = c.startRun(sess)
	}
	if c.abandoned == gen && c.state == types.StateMining {
		log.Info("Claim stopped after negotiation", "address", address)
		events = append(events, c.stopLocked()...)
	}
	c.mu.Unlock()
	c.publish(events...)
}

// startRun 在持有鎖時啟動挖掘
func (c *Coordinator) startRun(sess types.Session) []eventbus.Event {
	id, err := c.deps.Miner.Run(sess.Salt, sess.Difficulty)
	if err != nil {
		log.Error("Failed to start mining run", "error", err)
		return c.fail(metrics.StageMine, err.Error())
	}
	c.run = id
	c.runAt = time.Now()
	log.Debug("Mining run started", "run", id, "salt", sess.Salt)
	return nil
}

// submit 提交挖掘結果
func (c *Coordinator) submit(gen uint64, address string, result types.WorkResult) {
	ctx, cancel := c.requestContext()
	start := time.Now()
	outcome, err := c.deps.Submitter.DispensePoW(ctx, address, result)
	cancel()
	c.deps.Metrics.ObserveRequest(metrics.OpDispense, time.Since(start))

	var events []eventbus.Event

	c.mu.Lock()
	if c.closed || gen != c.claim || c.state != types.StateSubmitting {
		c.mu.Unlock()
		return
	}

	if err != nil {
		log.Warn("Dispense failed", "address", address, "error", err)
		events = c.fail(metrics.StageDispense, err.Error())
	} else {
		c.dropSession()
		c.setState(types.StateDone)
		c.deps.Metrics.RecordDone()
		log.Info("Claim done", "address", address, "status", outcome.Status, "tokens", outcome.Tokens)
		events = []eventbus.Event{{Topic: eventbus.TopicDone, Outcome: &outcome}}
	}
	c.mu.Unlock()
	c.publish(events...)
}

// ============================================================================
// Mining Unit 訊息處理
// ============================================================================

func (c *Coordinator) messageLoop() {
	msgs := c.deps.Miner.Messages()
	for {
		select {
		case msg, ok := <-msgs:
			if !ok {
				c.unitGone()
				return
			}
			msg.Accept(c)
		case <-c.done:
			return
		}
	}
}

// VisitHash 處理挖掘結果
func (c *Coordinator) VisitHash(m miner.Hash) {
	var events []eventbus.Event

	c.mu.Lock()
	if c.ackRun != 0 && m.Run == c.ackRun {
		log.Debug("Discarding result of cancelled run", "run", m.Run, "nonce", m.Result.Nonce)
		events = c.acknowledged()
		c.mu.Unlock()
		c.publish(events...)
		return
	}
	if c.state != types.StateMining || m.Run != c.run {
		log.Debug("Discarding stale result", "run", m.Run, "current", c.run, "state", c.state)
		c.mu.Unlock()
		return
	}

	c.run = 0
	sess, err := c.deps.Sessions.Get(c.address)
	if err == nil {
		err = verify(m.Result, sess)
	}
	if err != nil {
		log.Error("Mining unit returned an invalid result", "run", m.Run, "error", err)
		events = c.fail(metrics.StageMine, fmt.Sprintf("invalid proof of work: %v", err))
		c.mu.Unlock()
		c.publish(events...)
		return
	}

	c.deps.Metrics.RecordMined(m.Result.Nonce+1, time.Since(c.runAt))
	c.setState(types.StateSubmitting)
	gen, address := c.claim, c.address
	c.wg.Add(1)
	c.mu.Unlock()

	log.Info("Nonce found", "address", address, "nonce", m.Result.Nonce)
	go func() {
		defer c.wg.Done()
		c.submit(gen, address, m.Result)
	}()
}

// VisitStopped 處理取消確認或 MiningUnit 自行停止
func (c *Coordinator) VisitStopped(m miner.Stopped) {
	c.runEnded(m.Run, "stopped")
}

// VisitFinish 處理搜尋空間耗盡
func (c *Coordinator) VisitFinish(m miner.Finish) {
	c.runEnded(m.Run, "finish")
}

// VisitUnknown 記錄協定錯誤，狀態不變
func (c *Coordinator) VisitUnknown(m miner.Unknown) {
	perr := &miner.ProtocolError{Frame: m.Raw}
	log.Warn("Protocol error from mining unit", "run", m.Run, "error", perr)
	c.deps.Metrics.RecordFailed(metrics.StageProtocol)
	c.publish(eventbus.Event{Topic: eventbus.TopicError, Message: msgUnknownMessage})
}

func (c *Coordinator) runEnded(run uint64, kind string) {
	var events []eventbus.Event

	c.mu.Lock()
	switch {
	case c.ackRun != 0 && run == c.ackRun:
		log.Debug("Cancellation acknowledged", "run", run, "kind", kind)
		events = c.acknowledged()
	case c.state == types.StateMining && run == c.run:
		log.Info("Mining unit ended run", "run", run, "kind", kind)
		c.run = 0
		c.setState(types.StateStopped)
		c.deps.Metrics.RecordStopped()
		c.dropSession()
		events = []eventbus.Event{{Topic: eventbus.TopicStop}}
	default:
		log.Debug("Discarding stale message", "run", run, "kind", kind)
	}
	c.mu.Unlock()
	c.publish(events...)
}

// acknowledged 在持有鎖時處理取消確認，並啟動暫存的 run
func (c *Coordinator) acknowledged() []eventbus.Event {
	c.ackRun = 0
	if c.queued == nil {
		return nil
	}
	sess := *c.queued
	c.queued = nil
	if c.state != types.StateMining {
		return nil
	}
	return c.startRun(sess)
}

// unitGone MiningUnit 的訊息通道已關閉
func (c *Coordinator) unitGone() {
	var events []eventbus.Event

	c.mu.Lock()
	c.ackRun = 0
	if c.state == types.StateMining && !c.closed {
		c.run = 0
		c.queued = nil
		events = c.fail(metrics.StageMine, msgUnitDisconnected)
	}
	c.mu.Unlock()

	log.Warn("Mining unit message channel closed")
	c.publish(events...)
}

// ============================================================================
// 輔助函數
// ============================================================================

// fail 在持有鎖時進入 Error
func (c *Coordinator) fail(stage, message string) []eventbus.Event {
	c.setState(types.StateError)
	c.deps.Metrics.RecordFailed(stage)
	return []eventbus.Event{{Topic: eventbus.TopicError, Message: message}}
}

func (c *Coordinator) setState(s types.ClaimState) {
	c.state = s
	c.deps.Metrics.SetState(s)
}

func (c *Coordinator) dropSession() {
	if c.deps.Sessions.Invalidate(c.address) {
		log.Debug("Session invalidated", "address", c.address, "live", c.deps.Sessions.Len())
	}
}

func (c *Coordinator) publish(events ...eventbus.Event) {
	for _, ev := range events {
		c.deps.Bus.Publish(ev.Topic, ev)
	}
}

func verify(result types.WorkResult, sess types.Session) error {
	if result.Salt != sess.Salt {
		return errors.New("salt does not match session")
	}
	return pow.Verify(result, sess.Difficulty)
}
