package piv

import (
	"bytes"
	"fmt"
)

// scriptedResponse maps one expected outbound command prefix to a raw
// response (including its trailing status word).
type scriptedResponse struct {
	match    func(apdu []byte) bool
	response []byte
}

// mockCard is a fake Card that plays back the first scripted response
// whose match predicate accepts the APDU, returning an error when none
// does. It also
// supports injecting a reset on the Nth BeginTransaction call, used by
// the begin_txn/reset property test.
type mockCard struct {
	scripts []scriptedResponse
	sent    [][]byte

	beginCalls   int
	resetOnBegin int // 1-based call number to fail with reset; 0 disables

	reconnectCalls int
}

func (m *mockCard) BeginTransaction() error {
	m.beginCalls++
	if m.resetOnBegin != 0 && m.beginCalls == m.resetOnBegin {
		return fmt.Errorf("cardio: card was reset")
	}
	return nil
}

func (m *mockCard) EndTransaction() {}

func (m *mockCard) Reconnect() error {
	m.reconnectCalls++
	return nil
}

func (m *mockCard) Transmit(apdu []byte) ([]byte, error) {
	m.sent = append(m.sent, append([]byte{}, apdu...))
	for _, s := range m.scripts {
		if s.match(apdu) {
			return s.response, nil
		}
	}
	return nil, fmt.Errorf("mockCard: no script matched APDU % X", apdu)
}

func (m *mockCard) on(prefix []byte, response []byte) {
	m.scripts = append(m.scripts, scriptedResponse{
		match:    func(apdu []byte) bool { return bytes.HasPrefix(apdu, prefix) },
		response: response,
	})
}

func (m *mockCard) onIns(ins byte, response []byte) {
	m.scripts = append(m.scripts, scriptedResponse{
		match:    func(apdu []byte) bool { return len(apdu) >= 2 && apdu[1] == ins },
		response: response,
	})
}

// chainCollectingCard records every APDU it is sent and always answers
// 0x9000 with no body, for the transceive_chain property test.
type chainCollectingCard struct {
	sent [][]byte
}

func (c *chainCollectingCard) BeginTransaction() error { return nil }
func (c *chainCollectingCard) EndTransaction()         {}
func (c *chainCollectingCard) Reconnect() error        { return nil }

func (c *chainCollectingCard) Transmit(apdu []byte) ([]byte, error) {
	c.sent = append(c.sent, append([]byte{}, apdu...))
	return []byte{0x90, 0x00}, nil
}
