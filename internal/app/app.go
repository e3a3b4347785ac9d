// ============================================================================
// Faucet Claim App - 應用程式上下文
// ============================================================================
//
// Package: internal/app
// 文件: app.go
// 功能: 每個應用程式 session 建立一次，擁有唯一的挖掘單元與事件匯流排
//
// 組成:
//   Bus          - 唯一的事件匯流排
//   Faucet       - HTTP client（Negotiator / Submitter / 驗證端點）
//   unit         - 唯一的挖掘單元（本地 Miner 或 RemoteMiner）
//   Metrics      - Prometheus 指標（可選）
//   Coordinator  - PoW 領取狀態機
//   Auth         - auth 領取
//   Feed         - WebSocket 事件串流
//
// 所有組件透過 App 取得依賴，不使用任何 package 層級的單例。
// Close() 依相反順序釋放：Coordinator → 挖掘單元 → gRPC 連線
//
// ============================================================================

package app

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/ChuLiYu/faucet-claim/internal/claim"
	"github.com/ChuLiYu/faucet-claim/internal/eventbus"
	"github.com/ChuLiYu/faucet-claim/internal/faucet"
	"github.com/ChuLiYu/faucet-claim/internal/feed"
	"github.com/ChuLiYu/faucet-claim/internal/metrics"
	"github.com/ChuLiYu/faucet-claim/internal/miner"
	"github.com/ChuLiYu/faucet-claim/internal/session"
	"github.com/ChuLiYu/faucet-claim/pkg/types"
	"github.com/prometheus/client_golang/prometheus"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
)

var log = slog.Default()

// 挖掘單元模式
const (
	MinerLocal  = "local"
	MinerRemote = "remote"
)

// ErrStopped 領取在挖掘中被停止
var ErrStopped = errors.New("claim stopped")

// Options App 配置
type Options struct {
	FaucetURL      string        // faucet 服務根網址
	RequestTimeout time.Duration // 單次請求超時
	MinerMode      string        // local | remote
	MinerAddress   string        // remote 模式的 MinerService 位址
	MinerConn      grpc.ClientConnInterface
	BufferSize     int                  // 挖掘單元與事件串流的緩衝大小
	Registry       *prometheus.Registry // nil 時不收集指標
}

// closer 可關閉的挖掘單元
type closer interface {
	claim.MiningUnit
	Close()
}

// App 應用程式上下文
type App struct {
	Bus         *eventbus.Bus
	Faucet      *faucet.Client
	Sessions    *session.Registry
	Metrics     *metrics.Collector
	Registry    *prometheus.Registry
	Coordinator *claim.Coordinator
	Auth        *claim.AuthClaimer
	Feed        *feed.Server

	unit closer
	conn *grpc.ClientConn // New 建立的連線，MinerConn 由呼叫端管理
}

// New 建立 App 與所有組件
func New(ctx context.Context, opts Options) (*App, error) {
	if opts.FaucetURL == "" {
		return nil, fmt.Errorf("faucet url is required")
	}
	if opts.BufferSize < 1 {
		opts.BufferSize = 16
	}

	a := &App{
		Bus:      eventbus.New(),
		Faucet:   faucet.NewClient(opts.FaucetURL, opts.RequestTimeout),
		Sessions: session.NewRegistry(),
		Registry: opts.Registry,
	}
	if opts.Registry != nil {
		a.Metrics = metrics.NewCollector(opts.Registry)
	}

	unit, err := a.openUnit(ctx, opts)
	if err != nil {
		return nil, err
	}
	a.unit = unit

	a.Coordinator = claim.NewCoordinator(claim.Deps{
		Negotiator:     a.Faucet,
		Submitter:      a.Faucet,
		Miner:          unit,
		Bus:            a.Bus,
		Sessions:       a.Sessions,
		Metrics:        a.Metrics,
		RequestTimeout: opts.RequestTimeout,
	})
	a.Auth = claim.NewAuthClaimer(a.Faucet, a.Bus, a.Metrics)
	a.Feed = feed.NewServer(a.Bus, opts.BufferSize)
	if opts.Registry != nil {
		topics := make([]string, 0, len(eventbus.Topics))
		for _, t := range eventbus.Topics {
			topics = append(topics, string(t))
		}
		metrics.RegisterFeedGauges(opts.Registry, a.Feed.Clients, topics, func(topic string) int {
			return a.Bus.Count(eventbus.Topic(topic))
		})
	}

	log.Info("App initialized", "faucet", a.Faucet.BaseURL(), "miner", opts.MinerMode)
	return a, nil
}

func (a *App) openUnit(ctx context.Context, opts Options) (closer, error) {
	switch opts.MinerMode {
	case "", MinerLocal:
		m := miner.New(opts.BufferSize)
		if err := m.Start(); err != nil {
			return nil, fmt.Errorf("failed to start miner: %w", err)
		}
		return m, nil

	case MinerRemote:
		conn := opts.MinerConn
		if conn == nil {
			if opts.MinerAddress == "" {
				return nil, fmt.Errorf("miner address is required in remote mode")
			}
			cc, err := grpc.NewClient(opts.MinerAddress, grpc.WithTransportCredentials(insecure.NewCredentials()))
			if err != nil {
				return nil, fmt.Errorf("failed to connect to miner: %w", err)
			}
			a.conn = cc
			conn = cc
		}
		rm, err := miner.NewRemoteMiner(ctx, conn)
		if err != nil {
			if a.conn != nil {
				a.conn.Close()
			}
			return nil, err
		}
		return rm, nil

	default:
		return nil, fmt.Errorf("unknown miner mode %q", opts.MinerMode)
	}
}

// ClaimPoW 以挖掘方式領取，阻塞直到 done / error / stop
//
// ctx 取消時回傳 ctx.Err() 並停止挖掘；仍在協商時，協商完成後立即停止，提交中的請求則繼續完成。
// 挖掘單元的協定錯誤不會結束領取（Coordinator 狀態不變），這裡只記錄。
func (a *App) ClaimPoW(ctx context.Context, address string) (types.ClaimOutcome, error) {
	terminal := make(chan eventbus.Event, 4)
	forward := func(ev eventbus.Event) {
		select {
		case terminal <- ev:
		default:
		}
	}
	for _, topic := range []eventbus.Topic{eventbus.TopicDone, eventbus.TopicError, eventbus.TopicStop} {
		unsubscribe := a.Bus.Subscribe(topic, forward)
		defer unsubscribe()
	}

	if err := a.Coordinator.Start(address); err != nil {
		return types.ClaimOutcome{}, err
	}

	for {
		select {
		case ev := <-terminal:
			switch ev.Topic {
			case eventbus.TopicDone:
				return *ev.Outcome, nil
			case eventbus.TopicStop:
				return types.ClaimOutcome{}, ErrStopped
			case eventbus.TopicError:
				if a.Coordinator.State().InFlight() {
					log.Warn("Claim continues after error", "message", ev.Message)
					continue
				}
				return types.ClaimOutcome{}, errors.New(ev.Message)
			}
		case <-ctx.Done():
			a.Coordinator.Abandon()
			return types.ClaimOutcome{}, ctx.Err()
		}
	}
}

// Close 釋放所有資源
func (a *App) Close() {
	a.Coordinator.Close()
	a.unit.Close()
	if a.conn != nil {
		a.conn.Close()
	}
}
