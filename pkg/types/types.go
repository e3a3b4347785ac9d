// Package types 定義了 faucet-claim 系統中使用的核心領域模型
package types

// ClaimState 領取流程狀態
type ClaimState string

// 定義領取狀態常數
const (
	StateIdle        ClaimState = "idle"        // 初始狀態：尚未開始任何領取
	StateNegotiating ClaimState = "negotiating" // 協商中：正在向伺服器請求挑戰（salt + difficulty）
	StateMining      ClaimState = "mining"      // 挖掘中：Miner 正在搜尋 nonce
	StateSubmitting  ClaimState = "submitting"  // 提交中：正在將 nonce 或驗證資訊送出
	StateDone        ClaimState = "done"        // 完成：代幣已發放
	StateStopped     ClaimState = "stopped"     // 已停止：使用者取消或 Miner 回報停止
	StateError       ClaimState = "error"       // 錯誤：協商或提交失敗
)

// InFlight 回報此狀態是否代表有一個領取正在進行
func (s ClaimState) InFlight() bool {
	return s == StateNegotiating || s == StateMining || s == StateSubmitting
}

// DispenseMethod 發放方式
type DispenseMethod string

const (
	MethodPoW  DispenseMethod = "pow"  // 以工作量證明領取
	MethodAuth DispenseMethod = "auth" // 以外部身分驗證領取
)

// Session 伺服器核發的挖掘挑戰，建立後不可變
type Session struct {
	Address    string `json:"address"`    // 領取地址
	Salt       string `json:"salt"`       // 伺服器產生的隨機挑戰（hex）
	Difficulty uint16 `json:"difficulty"` // 難度等級，0..256
}

// WorkResult 一次成功挖掘的結果，每個 run 最多一個
type WorkResult struct {
	Salt  string `json:"salt"`  // 挑戰 salt
	Nonce uint64 `json:"nonce"` // 符合目標的計數器值
	Hash  string `json:"hash"`  // SHA-256(salt || nonce) 的 hex 表示
}

// ClaimOutcome 發放結果，為領取生命週期的終點
type ClaimOutcome struct {
	Status       string `json:"status"`
	Tokens       uint64 `json:"tokens"`
	ExplorerLink string `json:"explorerLink,omitempty"`
}
