package piv

import (
	"crypto/ecdh"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"math/big"
	"testing"

	"github.com/stretchr/testify/require"
)

func generateRecipientKeyPair(t *testing.T) (*ecdsa.PrivateKey, *ecdh.PrivateKey) {
	t.Helper()
	priv, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)

	ecdhPriv, err := ecdh.P256().NewPrivateKey(priv.D.FillBytes(make([]byte, 32)))
	require.NoError(t, err)
	return priv, ecdhPriv
}

func TestSealOfflineOpenOfflineRoundTrip(t *testing.T) {
	for _, n := range []int{0, 1, 16, 17, 4096} {
		plaintext := make([]byte, n)
		for i := range plaintext {
			plaintext[i] = byte(i)
		}

		ecdsaPriv, ecdhPriv := generateRecipientKeyPair(t)

		box := &Box{}
		box.SetData(plaintext)
		require.NoError(t, SealOffline(box, &ecdsaPriv.PublicKey))

		raw, err := box.Serialize()
		require.NoError(t, err)

		reopened, err := Deserialize(raw)
		require.NoError(t, err)

		err = OpenOffline(reopened, ecdhPriv)
		require.NoError(t, err, "size=%d", n)
		require.Equal(t, plaintext, reopened.TakeData(), "size=%d", n)
	}
}

func TestOpenOfflineDetectsTamperedCiphertext(t *testing.T) {
	ecdsaPriv, ecdhPriv := generateRecipientKeyPair(t)

	box := &Box{}
	box.SetData([]byte("sensitive payload"))
	require.NoError(t, SealOffline(box, &ecdsaPriv.PublicKey))

	raw, err := box.Serialize()
	require.NoError(t, err)
	raw[len(raw)-1] ^= 0xFF

	tampered, err := Deserialize(raw)
	require.NoError(t, err)

	err = OpenOffline(tampered, ecdhPriv)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindIntegrity, pe.Kind)
}

func TestOpenOfflineDetectsTamperedIV(t *testing.T) {
	ecdsaPriv, ecdhPriv := generateRecipientKeyPair(t)

	box := &Box{}
	box.SetData([]byte("another payload"))
	require.NoError(t, SealOffline(box, &ecdsaPriv.PublicKey))
	box.IV[0] ^= 0xFF

	err := OpenOffline(box, ecdhPriv)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindIntegrity, pe.Kind)
}

func TestOpenOfflineDetectsTamperedEphemeralKey(t *testing.T) {
	ecdsaPriv, ecdhPriv := generateRecipientKeyPair(t)

	box := &Box{}
	box.SetData([]byte("yet another payload"))
	require.NoError(t, SealOffline(box, &ecdsaPriv.PublicKey))

	box.EphemeralPublicKey.X.Add(box.EphemeralPublicKey.X, big.NewInt(1))

	err := OpenOffline(box, ecdhPriv)
	require.Error(t, err)
}

func TestDeserializeRejectsUnknownVersion(t *testing.T) {
	box := &Box{Cipher: cipherChaCha20Poly1305, KDF: kdfHKDFSHA256, IV: []byte{1, 2, 3}, Ciphertext: []byte{4, 5, 6}}
	raw, err := box.Serialize()
	require.NoError(t, err)
	raw[len(boxMagic)] = 0xFF

	_, err = Deserialize(raw)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindNotSupported, pe.Kind)
}

func TestFindTokenByGUIDAndSlot(t *testing.T) {
	tk := &Token{Reader: "reader 0"}
	tk.guid = [16]byte{1, 2, 3}

	box := &Box{GUIDSlotValid: true, GUID: tk.guid, Slot: SlotAuthentication}
	found, slot, ok := FindToken([]*Token{tk}, box)
	require.True(t, ok)
	require.Same(t, tk, found)
	require.Equal(t, SlotAuthentication, slot)
}

func TestFindTokenByPublicKeyFallback(t *testing.T) {
	ecdsaPriv, _ := generateRecipientKeyPair(t)
	tk := &Token{Reader: "reader 0"}
	tk.Slots = []*Slot{{ID: SlotSignature, PublicKey: &ecdsaPriv.PublicKey}}

	box := &Box{RecipientPublicKey: &ecdsaPriv.PublicKey}
	found, slot, ok := FindToken([]*Token{tk}, box)
	require.True(t, ok)
	require.Same(t, tk, found)
	require.Equal(t, SlotSignature, slot)
}
