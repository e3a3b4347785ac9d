package claim

import (
	"context"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/eventbus"
	"github.com/ChuLiYu/faucet-claim/internal/faucet"
	"github.com/ChuLiYu/faucet-claim/internal/metrics"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

// AuthSubmitter 以外部身分驗證領取
type AuthSubmitter interface {
	Dispense(ctx context.Context, method types.DispenseMethod, in faucet.DispenseInput) (types.ClaimOutcome, error)
}

// AuthClaimer 不經挖掘、直接以已建立的身分驗證領取
//
// 身分驗證由外部協作者完成（ValidateSession 設定的 cookie），這裡只送出
// method=auth 的發放請求，結果透過同一個 Bus 發出 start / done / error。
type AuthClaimer struct {
	submitter AuthSubmitter
	bus       *eventbus.Bus
	metrics   *metrics.Collector
}

// NewAuthClaimer 建立 AuthClaimer；m 可為 nil
func NewAuthClaimer(submitter AuthSubmitter, bus *eventbus.Bus, m *metrics.Collector) *AuthClaimer {
	return &AuthClaimer{submitter: submitter, bus: bus, metrics: m}
}

// Claim 以 auth 方式領取，阻塞直到發放完成
func (a *AuthClaimer) Claim(ctx context.Context, address string) (types.ClaimOutcome, error) {
	if err := ValidateAddress(address); err != nil {
		a.metrics.RecordFailed(metrics.StageValidate)
		a.bus.Publish(eventbus.TopicError, eventbus.Event{Topic: eventbus.TopicError, Message: err.Error()})
		return types.ClaimOutcome{}, err
	}

	a.metrics.RecordStarted()
	a.bus.Publish(eventbus.TopicStart, eventbus.Event{Topic: eventbus.TopicStart})

	start := time.Now()
	outcome, err := a.submitter.Dispense(ctx, types.MethodAuth, faucet.DispenseInput{Address: address})
	a.metrics.ObserveRequest(metrics.OpDispense, time.Since(start))
	if err != nil {
		log.Warn("Auth dispense failed", "address", address, "error", err)
		a.metrics.RecordFailed(metrics.StageDispense)
		a.bus.Publish(eventbus.TopicError, eventbus.Event{Topic: eventbus.TopicError, Message: err.Error()})
		return types.ClaimOutcome{}, err
	}

	log.Info("Auth claim done", "address", address, "tokens", outcome.Tokens)
	a.metrics.RecordDone()
	a.bus.Publish(eventbus.TopicDone, eventbus.Event{Topic: eventbus.TopicDone, Outcome: &outcome})
	return outcome, nil
}
