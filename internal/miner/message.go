package miner

// ============================================================================
// Mining Unit Message Protocol
// ============================================================================
//
// To the mining unit:
//   {salt, difficultyLevel, run}   start a run; run is optional
//   {} (empty)                     cancel the active run
//
// From the mining unit:
//   {type: "hash", value: {salt, nonce, hash}}   nonce found
//   {type: "stopped"}                            cancellation acknowledged
//   {type: "finish"}                             search space exhausted
//
// Every outbound frame also carries "run", the per-unit run sequence, so a
// consumer can drop messages of a run it no longer cares about. A start
// frame that names its run gets that ID echoed back; without one the unit
// numbers runs itself.
//
// Nonces travel as decimal strings: frame numbers are float64 and cannot
// hold every uint64.
// ============================================================================

import (
	"fmt"
	"strconv"

	"github.com/ChuLiYu/faucet-claim/pkg/types"
)

// Kind tags a Message variant.
type Kind int

const (
	KindHash Kind = iota
	KindStopped
	KindFinish
	KindUnknown
)

func (k Kind) String() string {
	switch k {
	case KindHash:
		return "hash"
	case KindStopped:
		return "stopped"
	case KindFinish:
		return "finish"
	default:
		return "unknown"
	}
}

// Visitor handles every Message variant. Implementing it is how a consumer
// proves it covers all cases.
type Visitor interface {
	VisitHash(Hash)
	VisitStopped(Stopped)
	VisitFinish(Finish)
	VisitUnknown(Unknown)
}

// Message is a frame emitted by the mining unit. The variant set is closed.
type Message interface {
	RunID() uint64
	Kind() Kind
	Accept(Visitor)
	sealed()
}

// Hash reports an accepted nonce.
type Hash struct {
	Run    uint64
	Result types.WorkResult
}

// Stopped acknowledges cancellation of a run.
type Stopped struct {
	Run uint64
}

// Finish reports a run that ended without a result or a cancellation.
type Finish struct {
	Run uint64
}

// Unknown wraps a frame that matched no known type.
type Unknown struct {
	Run uint64
	Raw map[string]any
}

func (m Hash) RunID() uint64    { return m.Run }
func (m Stopped) RunID() uint64 { return m.Run }
func (m Finish) RunID() uint64  { return m.Run }
func (m Unknown) RunID() uint64 { return m.Run }

func (Hash) Kind() Kind    { return KindHash }
func (Stopped) Kind() Kind { return KindStopped }
func (Finish) Kind() Kind  { return KindFinish }
func (Unknown) Kind() Kind { return KindUnknown }

func (m Hash) Accept(v Visitor)    { v.VisitHash(m) }
func (m Stopped) Accept(v Visitor) { v.VisitStopped(m) }
func (m Finish) Accept(v Visitor)  { v.VisitFinish(m) }
func (m Unknown) Accept(v Visitor) { v.VisitUnknown(m) }

func (Hash) sealed()    {}
func (Stopped) sealed() {}
func (Finish) sealed()  {}
func (Unknown) sealed() {}

// Encode turns a Message into its wire frame.
func Encode(m Message) map[string]any {
	frame := map[string]any{"run": float64(m.RunID())}
	switch msg := m.(type) {
	case Hash:
		frame["type"] = "hash"
		frame["value"] = map[string]any{
			"salt":  msg.Result.Salt,
			"nonce": strconv.FormatUint(msg.Result.Nonce, 10),
			"hash":  msg.Result.Hash,
		}
	case Stopped:
		frame["type"] = "stopped"
	case Finish:
		frame["type"] = "finish"
	case Unknown:
		for k, v := range msg.Raw {
			if k != "run" {
				frame[k] = v
			}
		}
	}
	return frame
}

// Decode parses a wire frame. Frames that are not a well-formed hash,
// stopped or finish message decode to Unknown.
func Decode(frame map[string]any) Message {
	var run uint64
	if f, ok := frame["run"].(float64); ok && f >= 0 {
		run = uint64(f)
	}

	kind, _ := frame["type"].(string)
	switch kind {
	case "hash":
		value, ok := frame["value"].(map[string]any)
		if !ok {
			break
		}
		result, err := decodeResult(value)
		if err != nil {
			break
		}
		return Hash{Run: run, Result: result}
	case "stopped":
		return Stopped{Run: run}
	case "finish":
		return Finish{Run: run}
	}
	return Unknown{Run: run, Raw: frame}
}

func decodeResult(value map[string]any) (types.WorkResult, error) {
	salt, _ := value["salt"].(string)
	hash, _ := value["hash"].(string)
	if salt == "" || hash == "" {
		return types.WorkResult{}, fmt.Errorf("hash value missing salt or hash")
	}

	var nonce uint64
	switch n := value["nonce"].(type) {
	case string:
		v, err := strconv.ParseUint(n, 10, 64)
		if err != nil {
			return types.WorkResult{}, fmt.Errorf("bad nonce %q: %w", n, err)
		}
		nonce = v
	case float64:
		if n < 0 {
			return types.WorkResult{}, fmt.Errorf("negative nonce %v", n)
		}
		nonce = uint64(n)
	default:
		return types.WorkResult{}, fmt.Errorf("nonce has type %T", n)
	}

	return types.WorkResult{Salt: salt, Nonce: nonce, Hash: hash}, nil
}

// request is an inbound frame to the mining unit.
type request struct {
	id         uint64 // run ID chosen by the sender, 0 lets the unit assign one
	cancel     bool
	salt       string
	difficulty uint16
}

func encodeRequest(r request) map[string]any {
	if r.cancel {
		return map[string]any{}
	}
	frame := map[string]any{
		"salt":            r.salt,
		"difficultyLevel": float64(r.difficulty),
	}
	if r.id != 0 {
		frame["run"] = float64(r.id)
	}
	return frame
}

func decodeRequest(frame map[string]any) (request, error) {
	if len(frame) == 0 {
		return request{cancel: true}, nil
	}

	salt, ok := frame["salt"].(string)
	if !ok || salt == "" {
		return request{}, &ProtocolError{Frame: frame, Reason: "start frame without salt"}
	}
	d, ok := frame["difficultyLevel"].(float64)
	if !ok || d < 0 || d > 256 || d != float64(uint16(d)) {
		return request{}, &ProtocolError{Frame: frame, Reason: "start frame with invalid difficultyLevel"}
	}
	req := request{salt: salt, difficulty: uint16(d)}
	if v, present := frame["run"]; present {
		f, ok := v.(float64)
		if !ok || f < 1 || f != float64(uint64(f)) {
			return request{}, &ProtocolError{Frame: frame, Reason: "start frame with invalid run"}
		}
		req.id = uint64(f)
	}
	return req, nil
}
