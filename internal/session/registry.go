// ============================================================================
// Faucet Session Registry - 挖掘挑戰的生命週期管理
// ============================================================================
//
// Package: internal/session
// 文件: registry.go
// 功能: 追蹤每個地址目前有效的挖掘挑戰（Session）
//
// 生命週期:
//   Put()        - 協商成功後登記；同一地址的舊 Session 立即失效
//   Invalidate() - 提交成功或使用者停止時移除
//
// 不變量:
//   - 每個地址同時最多一個有效 Session
//   - Session 本身不可變，只能被替換或移除
//
// 並發安全:
//   - 使用 sync.RWMutex 保護 map
//   - 讀操作使用 RLock，寫操作使用 Lock
//
// ============================================================================

package session

import (
	"errors"
	"sync"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

var (
	// Session 不存在
	ErrSessionNotFound = errors.New("session not found")
)

// Registry 以地址為鍵的有效 Session 表
type Registry struct {
	mu       sync.RWMutex
	sessions map[string]types.Session
}

// NewRegistry 建立空的 Registry
func NewRegistry() *Registry {
	return &Registry{
		sessions: make(map[string]types.Session),
	}
}

// Put 登記新的 Session，回傳被取代的舊 Session（如果有）
func (r *Registry) Put(s types.Session) (replaced *types.Session) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if old, ok := r.sessions[s.Address]; ok {
		replaced = &old
	}
	r.sessions[s.Address] = s
	return replaced
}

// Get 取得地址目前有效的 Session
func (r *Registry) Get(address string) (types.Session, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	s, ok := r.sessions[address]
	if !ok {
		return types.Session{}, ErrSessionNotFound
	}
	return s, nil
}

// Invalidate 移除地址的 Session；不存在時為 no-op
func (r *Registry) Invalidate(address string) bool {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.sessions[address]; !ok {
		return false
	}
	delete(r.sessions, address)
	return true
}

// Len 回傳有效 Session 數量
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.sessions)
}
