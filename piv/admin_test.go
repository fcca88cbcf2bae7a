package piv

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestSetAdminKeyRequiresPriorAdminAuth(t *testing.T) {
	card := &mockCard{}
	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	err := tk.SetAdminKey(deterministicAdminKey, AlgThreeDES, TouchPolicyDefault)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPermission, pe.Kind)
	require.Empty(t, card.sent)
}

func TestSetAdminKeySucceedsAfterAdminAuth(t *testing.T) {
	card := &dynamicAdminCard{key: deterministicAdminKey}
	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())
	require.NoError(t, tk.AuthAdmin(deterministicAdminKey, AlgThreeDES))

	newKey := []byte{
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
		0x18, 0x19, 0x1A, 0x1B, 0x1C, 0x1D, 0x1E, 0x1F,
		0x10, 0x11, 0x12, 0x13, 0x14, 0x15, 0x16, 0x17,
	}
	err := tk.SetAdminKey(newKey, AlgThreeDES, TouchPolicyAlways)
	require.NoError(t, err)
	require.Equal(t, AlgThreeDES, tk.AdminAlgorithm)
}

func TestSetPINRetriesRequiresAdminAndPIN(t *testing.T) {
	card := &mockCard{}
	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	err := tk.SetPINRetries(5, 5)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPermission, pe.Kind)

	card.onIns(insVerify, []byte{0x90, 0x00})
	require.NoError(t, tk.VerifyPIN(PINApplication, "123456", true, 0, nil))

	err = tk.SetPINRetries(5, 5)
	require.Error(t, err)
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPermission, pe.Kind, "PIN verified but admin still not authenticated")
}

func TestSetPINRetriesSucceedsWithAdminAndPIN(t *testing.T) {
	card := &dynamicAdminCard{key: deterministicAdminKey}
	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())
	require.NoError(t, tk.AuthAdmin(deterministicAdminKey, AlgThreeDES))

	card.verifyResponse = []byte{0x90, 0x00}
	require.NoError(t, tk.VerifyPIN(PINApplication, "123456", true, 0, nil))

	require.NoError(t, tk.SetPINRetries(8, 8))
}
