package piv

import "fmt"

const (
	tagAdminKey uint32 = 0x9B
)

// SetAdminKey rotates the card management key. It requires a prior
// successful AuthAdmin in the same transaction; calling it before admin
// auth returns KindPermission.
func (tk *Token) SetAdminKey(newKey []byte, alg Algorithm, touchPolicy TouchPolicy) error {
	if !tk.adminOK {
		return newErr(KindPermission, fmt.Errorf("admin authentication required before rotating the admin key"))
	}

	body := TagValue(tagAdminKey, newKey)
	cmd := Command{CLA: claISO, INS: insYubicoSetAdmin, P1: byte(alg), P2: byte(touchPolicy), Data: body}
	_, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}
	if classifySW(sw) != swOK {
		return newAPDUErr(sw)
	}

	tk.AdminAlgorithm = alg
	return nil
}

// SetPINRetries reconfigures the card's maximum PIN and PUK retry
// counters. This is destructive: the card resets the PIN and PUK to
// their factory default values as a side effect. It requires both a
// successful AuthAdmin and a verified application PIN in the same
// transaction.
func (tk *Token) SetPINRetries(pinTries, pukTries byte) error {
	if !tk.adminOK {
		return newErr(KindPermission, fmt.Errorf("admin authentication required to set PIN retries"))
	}
	if !tk.pinOK {
		return newErr(KindPermission, fmt.Errorf("PIN verification required to set PIN retries"))
	}

	cmd := Command{CLA: claISO, INS: insYubicoSetRetry, P1: pinTries, P2: pukTries}
	_, sw, err := tk.Transceive(cmd)
	if err != nil {
		return err
	}
	if classifySW(sw) != swOK {
		return newAPDUErr(sw)
	}
	return nil
}
