package piv

import (
	"fmt"
)

// Card is the transport contract a Token is built on: one resource-manager
// card handle capable of exclusive-lock transactions and raw APDU
// exchange. *cardio.Connection satisfies it directly; tests substitute a
// mock.
type Card interface {
	BeginTransaction() error
	EndTransaction()
	Transmit(apdu []byte) ([]byte, error)
	Reconnect() error
}

// maxBodyPerFrame is the largest command-data chunk sent in one chained
// APDU frame before extended length is needed; kept conservative so
// command chaining also works against T=0 readers.
const maxBodyPerFrame = 255

// NewToken wraps an already-connected Card as a Token, ready for
// BeginTxn/Select.
func NewToken(reader string, conn Card) *Token {
	return &Token{Reader: reader, conn: conn, pinRetries: -1}
}

// BeginTxn acquires the resource manager's exclusive lock on the card. If
// the resource manager reports the card was reset while the lock was
// being acquired, the reset flag is set and a KindReset error is
// returned; the caller must re-Select before retrying other operations.
func (tk *Token) BeginTxn() error {
	if tk.inTxn {
		return newErr(KindIO, fmt.Errorf("transaction already held"))
	}
	err := tk.conn.BeginTransaction()
	if err != nil {
		if isCardReset(err) {
			tk.resetSeen = true
			tk.selected = false
			tk.adminOK = false
			tk.pinOK = false
			return newErr(KindReset, err)
		}
		return newErr(KindIO, err)
	}
	tk.inTxn = true
	return nil
}

// EndTxn releases the transaction lock. It is infallible and idempotent.
func (tk *Token) EndTxn() {
	if tk == nil || !tk.inTxn {
		return
	}
	tk.conn.EndTransaction()
	tk.inTxn = false
	tk.selected = false
	tk.adminOK = false
	tk.pinOK = false
}

// Release ends any open transaction. Tokens built directly on a *cardio.Connection
// should additionally Close() that connection; Release only drops the
// transaction and in-memory session state.
func (tk *Token) Release() {
	tk.EndTxn()
}

// isCardReset recognizes a reset signaled by the underlying Card. It
// matches on cardio.ErrCardReset's message rather than its identity, so
// any Card implementation (the test mocks included) signals a reset by
// returning an error with the same text.
func isCardReset(err error) bool {
	return err != nil && err.Error() == "cardio: card was reset"
}

// Transceive sends one command unit and returns its body, with response
// chaining (0x61xx -> GET RESPONSE) and a single 0x6Cxx length retry
// handled transparently. The returned status word is whatever terminated
// the exchange (0x9000 or an error family); callers inspect it via
// classifySW only when they need family-specific behavior beyond the
// io.Reader-like accumulation already performed here.
func (tk *Token) Transceive(cmd Command) ([]byte, uint16, error) {
	if !tk.inTxn {
		return nil, 0, newErr(KindIO, fmt.Errorf("transceive without held transaction"))
	}

	raw, err := tk.conn.Transmit(cmd.Bytes())
	if err != nil {
		if isCardReset(err) {
			tk.resetSeen = true
			return nil, 0, newErr(KindReset, err)
		}
		return nil, 0, newErr(KindIO, err)
	}
	body, sw, err := SplitResponse(raw)
	if err != nil {
		return nil, 0, newErr(KindInvalidData, err)
	}

	if classifySW(sw) == swWrongLength {
		retryCmd := cmd
		retryCmd.Le = int(sw & 0x00FF)
		if retryCmd.Le == 0 {
			retryCmd.Le = 256
		}
		raw, err = tk.conn.Transmit(retryCmd.Bytes())
		if err != nil {
			if isCardReset(err) {
				tk.resetSeen = true
				return nil, 0, newErr(KindReset, err)
			}
			return nil, 0, newErr(KindIO, err)
		}
		body, sw, err = SplitResponse(raw)
		if err != nil {
			return nil, 0, newErr(KindInvalidData, err)
		}
	}

	full := append([]byte{}, body...)
	for classifySW(sw) == swBytesRemaining {
		n := int(sw & 0x00FF)
		if n == 0 {
			n = 256
		}
		getResp := Command{CLA: claISO, INS: insGetResponse, Le: n}
		raw, err = tk.conn.Transmit(getResp.Bytes())
		if err != nil {
			if isCardReset(err) {
				tk.resetSeen = true
				return nil, 0, newErr(KindReset, err)
			}
			return nil, 0, newErr(KindIO, err)
		}
		body, sw, err = SplitResponse(raw)
		if err != nil {
			return nil, 0, newErr(KindInvalidData, err)
		}
		full = append(full, body...)
	}

	return full, sw, nil
}

// TransceiveChain sends a command whose body may exceed one frame's
// budget, splitting it into chunks with the chaining class bit (0x10) set
// on every frame but the last, then collects the response with the same
// logic as Transceive.
func (tk *Token) TransceiveChain(cla, ins, p1, p2 byte, data []byte, le int) ([]byte, uint16, error) {
	if len(data) <= maxBodyPerFrame {
		return tk.Transceive(Command{CLA: cla, INS: ins, P1: p1, P2: p2, Data: data, Le: le})
	}

	for offset := 0; offset < len(data); offset += maxBodyPerFrame {
		end := offset + maxBodyPerFrame
		last := end >= len(data)
		if end > len(data) {
			end = len(data)
		}

		frameCLA := cla
		frameLe := 0
		if !last {
			frameCLA |= claChainFlag
		} else {
			frameLe = le
		}

		cmd := Command{CLA: frameCLA, INS: ins, P1: p1, P2: p2, Data: data[offset:end], Le: frameLe}
		if !last {
			_, sw, err := tk.Transceive(cmd)
			if err != nil {
				return nil, 0, err
			}
			if classifySW(sw) != swOK {
				return nil, sw, newAPDUErr(sw)
			}
			continue
		}
		return tk.Transceive(cmd)
	}
	return nil, 0, newErr(KindIO, fmt.Errorf("transceive_chain: empty chain"))
}
