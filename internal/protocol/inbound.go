package protocol

import "fmt"

// Inbound is a decoded message pushed by the coordinator. The set of
// implementations is closed; anything else decodes to UnrecognizedInbound.
type Inbound interface {
	Envelope() Message
	inbound()
}

type envelope struct {
	Msg Message
}

func (e envelope) Envelope() Message { return e.Msg }
func (envelope) inbound() {}

type PingInbound struct {
	envelope
	Params PingParams
}

type PongInbound struct {
	envelope
	Params PingParams
}

type ConfigInbound struct {
	envelope
	Params ConfigParams
}

type StateUpdateInbound struct {
	envelope
	Params StateUpdateParams
}

type SettlementInbound struct {
	envelope
	Params SettlementParams
}

type ChallengeInbound struct {
	envelope
	Params ChallengeParams
}

type ErrorInbound struct {
	envelope
	Params ErrorParams
}

// UnrecognizedInbound carries messages with an unknown method or params that
// failed to decode.
type UnrecognizedInbound struct {
	envelope
	Reason string
}

// Decode maps an envelope onto its inbound variant.
func Decode(msg Message) Inbound {
	env := envelope{Msg: msg}
	switch msg.Method {
	case MethodPing:
		p, _ := DecodeParams[PingParams](msg.Params)
		return PingInbound{envelope: env, Params: p}
	case MethodPong:
		p, _ := DecodeParams[PingParams](msg.Params)
		return PongInbound{envelope: env, Params: p}
	case MethodGetConfig:
		p, err := DecodeParams[ConfigParams](msg.Params)
		if err != nil {
			return unrecognized(env, err)
		}
		p.Raw = append([]byte(nil), msg.Params...)
		return ConfigInbound{envelope: env, Params: p}
	case MethodAppStateUpdate:
		p, err := DecodeParams[StateUpdateParams](msg.Params)
		if err != nil {
			return unrecognized(env, err)
		}
		return StateUpdateInbound{envelope: env, Params: p}
	case MethodAppSessionSettle, MethodAppSessionClose:
		p, err := DecodeParams[SettlementParams](msg.Params)
		if err != nil {
			return unrecognized(env, err)
		}
		return SettlementInbound{envelope: env, Params: p}
	case MethodChallenge:
		p, err := DecodeParams[ChallengeParams](msg.Params)
		if err != nil {
			return unrecognized(env, err)
		}
		return ChallengeInbound{envelope: env, Params: p}
	case MethodError:
		p, err := DecodeParams[ErrorParams](msg.Params)
		if err != nil {
			return unrecognized(env, err)
		}
		return ErrorInbound{envelope: env, Params: p}
	}
	if msg.Method.Known() {
		return UnrecognizedInbound{envelope: env, Reason: fmt.Sprintf("unsolicited %s", msg.Method)}
	}
	return UnrecognizedInbound{envelope: env, Reason: fmt.Sprintf("unknown method %q", msg.Method)}
}

func unrecognized(env envelope, err error) UnrecognizedInbound {
	return UnrecognizedInbound{envelope: env, Reason: fmt.Sprintf("decode %s params: %v", env.Msg.Method, err)}
}
