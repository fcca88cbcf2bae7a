package piv

import (
	"fmt"
	"log/slog"
)

// pivAID is the PIV application identifier SELECT targets.
var pivAID = []byte{0xA0, 0x00, 0x00, 0x03, 0x08, 0x00, 0x00, 0x10, 0x00, 0x01, 0x00}

const (
	tagAPT      uint32 = 0x61
	tagAID      uint32 = 0x4F
	tagAppLabel uint32 = 0x50
	tagURI      uint32 = 0x5F50
	tagAlgs     uint32 = 0xAC
	tagAlgID    uint32 = 0x80

	tagCHUID   uint32 = 0x5FC102
	tagKeyHist uint32 = 0x5FC10C
	tagDiscov  uint32 = 0x7E

	chuidTagFASCN  uint32 = 0x30
	chuidTagGUID   uint32 = 0x34
	chuidTagExpiry uint32 = 0x35

	discovTagPINPolicy uint32 = 0x5F2F
)

// Select sends SELECT with the PIV AID and parses the Application
// Property Template (tag 0x61) from the response, populating the token's
// advertised algorithm list. It must be called once per transaction
// before any other operation besides BeginTxn.
func (tk *Token) Select() error {
	cmd := Command{CLA: claISO, INS: insSelect, P1: 0x04, Data: pivAID, Le: 256}
	body, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}
	if classifySW(sw) != swOK {
		return newAPDUErr(sw)
	}

	r := NewTLVReader(body)
	apt, ok, err := r.FindTag(tagAPT)
	if err != nil {
		return newErr(KindInvalidData, err)
	}
	if !ok {
		return newErr(KindInvalidData, fmt.Errorf("select: no APT (tag 0x61) in response"))
	}

	inner := NewTLVReader(apt)
	tk.Algorithms = tk.Algorithms[:0]
	for inner.Len() > 0 {
		tag, value, err := inner.ReadTLV()
		if err != nil {
			return newErr(KindInvalidData, err)
		}
		switch tag {
		case tagAlgs:
			algR := NewTLVReader(value)
			for algR.Len() > 0 {
				atag, aval, err := algR.ReadTLV()
				if err != nil {
					return newErr(KindInvalidData, err)
				}
				if atag == tagAlgID && len(aval) == 1 {
					tk.Algorithms = append(tk.Algorithms, Algorithm(aval[0]))
				}
			}
		}
	}

	tk.selected = true
	tk.resetSeen = false
	return nil
}

// readObject performs GET DATA for the given PIV data-object tag, sending
// body TLV(0x5C, tag).
func (tk *Token) readObject(tag uint32) ([]byte, error) {
	tagBytes := encodeTag(tag)
	body := TagValue(0x5C, tagBytes)
	cmd := Command{CLA: claISO, INS: insGetData, P1: 0x3F, P2: 0xFF, Data: body, Le: 65536}
	resp, sw, err := tk.Transceive(cmd)
	if err != nil {
		return nil, err
	}
	switch classifySW(sw) {
	case swOK:
		return resp, nil
	case swNotFound:
		return nil, newErr(KindNotFound, fmt.Errorf("object %06X not present", tag))
	case swSecurityNotSatisfied:
		return nil, newErr(KindPermission, fmt.Errorf("PIN or contact interface required for object %06X", tag))
	default:
		return nil, newAPDUErr(sw)
	}
}

// loadDiscoveryObjects reads the CHUID and key-history objects, filling
// in the Token fields spec.md §3 names. Individual object absence is
// tolerated (CHUID missing is flagged rather than fatal; key history
// defaults to zero counts).
func (tk *Token) loadDiscoveryObjects() {
	if chuidBody, err := tk.readObject(tagCHUID); err == nil {
		tk.parseCHUID(chuidBody)
	} else {
		tk.ChuidMissing = true
	}

	if khBody, err := tk.readObject(tagKeyHist); err == nil {
		tk.parseKeyHistory(khBody)
	}

	if discovBody, err := tk.readObject(tagDiscov); err == nil {
		tk.parseDiscovery(discovBody)
	}
}

func (tk *Token) parseCHUID(body []byte) {
	r := NewTLVReader(body)
	for r.Len() > 0 {
		tag, value, err := r.ReadTLV()
		if err != nil {
			return
		}
		switch tag {
		case chuidTagFASCN:
			tk.fascN = append([]byte{}, value...)
		case chuidTagGUID:
			if len(value) == 16 {
				copy(tk.guid[:], value)
			}
		case chuidTagExpiry:
			if len(value) == 8 {
				copy(tk.expiry[:], value)
			}
		case 0x3E: // signature
			tk.ChuidSigned = len(value) > 0
		}
	}
}

func (tk *Token) parseKeyHistory(body []byte) {
	r := NewTLVReader(body)
	for r.Len() > 0 {
		tag, value, err := r.ReadTLV()
		if err != nil {
			return
		}
		switch tag {
		case 0xC1:
			if len(value) == 1 {
				tk.KeyHistoryOnCard = int(value[0])
			}
		case 0xC2:
			if len(value) == 1 {
				tk.KeyHistoryOffCard = int(value[0])
			}
		case 0xF3:
			tk.KeyHistoryURL = string(value)
		}
	}
}

// parseDiscovery reads the discovery object's PIN Usage Policy (tag
// 0x5F2F, nested inside the outer 0x7E discovery object) to populate the
// token's usable-PIN-type flags.
func (tk *Token) parseDiscovery(body []byte) {
	outer, ok, err := NewTLVReader(body).FindTag(tagDiscov)
	if err != nil || !ok {
		return
	}
	policy, ok, err := NewTLVReader(outer).FindTag(discovTagPINPolicy)
	if err != nil || !ok || len(policy) < 1 {
		return
	}
	b := policy[0]
	tk.HasAppPIN = b&0x40 != 0
	tk.HasGlobalPIN = b&0x20 != 0
	tk.HasOCC = b&0x10 != 0
	tk.HasVCI = b&0x08 != 0
}

// probeYubicoVersion issues the YubicoPIV GET VERSION instruction
// (INS 0xFD). Success sets the Yubico flag and records the 3-byte
// version; "instruction not supported" is treated as a normal negative
// result, not an error, matching non-Yubico cards.
func (tk *Token) probeYubicoVersion() {
	cmd := Command{CLA: claISO, INS: insYubicoVersion, Le: 256}
	body, sw, err := tk.Transceive(cmd)
	if err != nil {
		return
	}
	if classifySW(sw) == swOK && len(body) == 3 {
		tk.Yubico = true
		copy(tk.YubicoVersion[:], body)
	}
}

// Discover performs the full per-token enumeration sequence: Select, then
// CHUID/discovery/key-history objects, then the Yubico version probe. It
// is the single entry point Enumerate calls for every reader it connects
// to.
func (tk *Token) Discover() error {
	if err := tk.Select(); err != nil {
		return err
	}
	tk.loadDiscoveryObjects()
	tk.probeYubicoVersion()
	return nil
}

// Enumerate connects to each of the given readers (typically the resource
// manager's full reader list) and runs Discover. A reader that fails any mandatory step is
// dropped from the result; its error is logged rather than aborting the
// whole enumeration.
//
// connect is the resource-manager-specific factory (typically
// cardio.Connect) the caller supplies so this package stays independent
// of any one PC/SC binding.
func Enumerate(readers []string, connect func(reader string) (Card, error), logger *slog.Logger) []*Token {
	if logger == nil {
		logger = slog.Default()
	}

	var tokens []*Token
	for _, reader := range readers {
		conn, err := connect(reader)
		if err != nil {
			logger.Warn("connect failed", "reader", reader, "err", err)
			continue
		}

		tk := NewToken(reader, conn)
		if err := tk.BeginTxn(); err != nil {
			logger.Warn("begin_txn failed", "reader", reader, "err", err)
			continue
		}
		err = tk.Discover()
		tk.EndTxn()
		if err != nil {
			logger.Warn("discover failed", "reader", reader, "err", err)
			continue
		}

		tokens = append(tokens, tk)
	}
	return tokens
}
