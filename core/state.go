package engine

import "fmt"

// SessionState is the position of the current turn in the session
// lifecycle. Exactly one value is active; only the dispatcher changes it.
type SessionState int

const (
	StateLinkConnected SessionState = iota
	StateLinkDisconnected
	StateWakeupTrigger
	StateStarted
	StateGotAsrBegin
	StateGotAsrResult
	StateGotExternData
	StateGotTtsData
	StateGotAsrError
	StateGotAsrEnd
	StateWantRestartAsr
)

func (s SessionState) String() string {
	switch s {
	case StateLinkConnected:
		return "link_connected"
	case StateLinkDisconnected:
		return "link_disconnected"
	case StateWakeupTrigger:
		return "wakeup_trigger"
	case StateStarted:
		return "started"
	case StateGotAsrBegin:
		return "got_asr_begin"
	case StateGotAsrResult:
		return "got_asr_result"
	case StateGotExternData:
		return "got_extern_data"
	case StateGotTtsData:
		return "got_tts_data"
	case StateGotAsrError:
		return "got_asr_error"
	case StateGotAsrEnd:
		return "got_asr_end"
	case StateWantRestartAsr:
		return "want_restart_asr"
	}
	return fmt.Sprintf("state(%d)", int(s))
}

type sessionInput int

const (
	inputLinkConnected sessionInput = iota + 1
	inputLinkLost
	inputWakeup
	inputOpened
	inputAsrBegin
	inputAsrResult
	inputExternData
	inputTtsData
	inputFailure
	inputRestart
	inputAsrEnd
)

func (in sessionInput) String() string {
	switch in {
	case inputLinkConnected:
		return "link_connected"
	case inputLinkLost:
		return "link_lost"
	case inputWakeup:
		return "wakeup"
	case inputOpened:
		return "opened"
	case inputAsrBegin:
		return "asr_begin"
	case inputAsrResult:
		return "asr_result"
	case inputExternData:
		return "extern_data"
	case inputTtsData:
		return "tts_data"
	case inputFailure:
		return "failure"
	case inputRestart:
		return "restart"
	case inputAsrEnd:
		return "asr_end"
	}
	return fmt.Sprintf("input(%d)", int(in))
}

// transition returns the state that follows state on input. ok is false for
// inputs that are not legal in state; the state is then left unchanged.
func transition(state SessionState, in sessionInput) (next SessionState, ok bool) {
	switch in {
	case inputLinkConnected:
		return StateLinkConnected, true
	case inputLinkLost:
		return StateLinkDisconnected, true
	case inputWakeup:
		return StateWakeupTrigger, true
	case inputOpened:
		if state == StateWakeupTrigger || state == StateWantRestartAsr {
			return StateStarted, true
		}
		return state, false
	case inputAsrBegin:
		return StateGotAsrBegin, true
	case inputAsrResult:
		return StateGotAsrResult, true
	case inputExternData:
		return StateGotExternData, true
	case inputTtsData:
		return StateGotTtsData, true
	case inputFailure:
		return StateGotAsrError, true
	case inputRestart:
		if state == StateGotAsrError {
			return StateWantRestartAsr, true
		}
		return state, false
	case inputAsrEnd:
		return StateGotAsrEnd, true
	}
	return state, false
}
