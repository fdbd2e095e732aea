package httpx

// State is the protocol state of a connection.
type State int

const (
	Idle State = iota
	ReadingHeaders
	ReadingBody
	AwaitingContinueDecision
	WritingHeaders
	WritingBody
	Flushing
	Closing
	Closed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "IDLE"
	case ReadingHeaders:
		return "READING_HEADERS"
	case ReadingBody:
		return "READING_BODY"
	case AwaitingContinueDecision:
		return "AWAITING_CONTINUE"
	case WritingHeaders:
		return "WRITING_HEADERS"
	case WritingBody:
		return "WRITING_BODY"
	case Flushing:
		return "FLUSHING"
	case Closing:
		return "CLOSING"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}
