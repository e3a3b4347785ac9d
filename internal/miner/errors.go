package miner

import (
	"errors"
	"fmt"
)

var (
	// ErrMinerClosed 表示 Miner 已關閉，無法再提交 run
	ErrMinerClosed = errors.New("miner is closed")
	// ErrMinerNotStarted 表示 Miner 尚未啟動
	ErrMinerNotStarted = errors.New("miner not started")
	// ErrEmptySalt 表示 start 請求沒有 salt
	ErrEmptySalt = errors.New("miner: empty salt")
)

// ProtocolError is a frame crossing the mining-unit boundary that matches
// no known message.
type ProtocolError struct {
	Frame  map[string]any
	Reason string
}

func (e *ProtocolError) Error() string {
	if e.Reason == "" {
		return fmt.Sprintf("miner: unrecognized message %v", e.Frame)
	}
	return fmt.Sprintf("miner: %s: %v", e.Reason, e.Frame)
}
