package protocol

// NewCommand builds a START or STOP command.
func NewCommand(t Type, senderID string, ts int64, sessionID string, args ...string) (Message, error) {
	return New(t, senderID, ts, sessionID, Command{Args: args})
}

// NewHeartbeat builds a HEARTBEAT stamped with ts.
func NewHeartbeat(senderID string, ts int64) Message {
	return MustNew(TypeHeartbeat, senderID, ts, "", Heartbeat{SentAt: ts})
}

// Reply builds an ACK, NACK or ERROR answering to.
func Reply(to Message, t Type, senderID string, ts int64, code StatusCode, text string, data ...string) (Message, error) {
	return New(t, senderID, ts, to.SessionID, Response{
		Code:         code,
		RefType:      to.Type,
		RefTimestamp: to.Timestamp,
		Text:         text,
		Data:         data,
	})
}

// IsResponse reports whether m is an ACK, NACK or ERROR.
func (m Message) IsResponse() bool {
	return m.Type.Family() == FamilyAcknowledgment
}

// Response returns the response body of m, if it has one.
func (m Message) Response() (Response, bool) {
	r, ok := m.Body.(Response)
	return r, ok
}
