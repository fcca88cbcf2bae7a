package piv

import (
	"bytes"
	"compress/gzip"
	"crypto/ecdsa"
	"encoding/base64"
	"testing"

	"github.com/stretchr/testify/require"
)

// testCertDERBase64 is a real EC P-256 self-signed certificate (CN=piv-test-slot)
// used to exercise the certificate container parser end to end.
const testCertDERBase64 = "MIIBhTCCASugAwIBAgIUTb1n5a0HHo1EJ+1nuS9UIlQC8BkwCgYIKoZIzj0EAwIwGDEWMBQGA1UEAwwNcGl2LXRlc3Qtc2xvdDAeFw0yNjA4MDEwNDMyNDFaFw0yNzA4MDEwNDMyNDFaMBgxFjAUBgNVBAMMDXBpdi10ZXN0LXNsb3QwWTATBgcqhkjOPQIBBggqhkjOPQMBBwNCAAQ7sz5OBNq7F7FxrBKFDOPgqIolYG3uv4ZEcXG8saFNCmCx/oDeKRDkHRyCSuSg09sEuF2P+C5CcKKfzdUyvJdMo1MwUTAdBgNVHQ4EFgQURRMUbafchuJmyOo2MOvmgbCfjd8wHwYDVR0jBBgwFoAURRMUbafchuJmyOo2MOvmgbCfjd8wDwYDVR0TAQH/BAUwAwEB/zAKBggqhkjOPQQDAgNIADBFAiEAtJ7X/9W2a31D5DfrKnFMN6CBUWAV//EOb3/iHjCLiIkCIBCFCDadWOVLzbGMIjPod2zq+Vtq86Dqr0o46Mn6DgUD"

func mustTestCertDER(t *testing.T) []byte {
	t.Helper()
	der, err := base64.StdEncoding.DecodeString(testCertDERBase64)
	require.NoError(t, err)
	return der
}

func containerBody(t *testing.T, der []byte, gzipIt bool) []byte {
	t.Helper()
	body := der
	comp := byte(compNone)
	if gzipIt {
		var buf bytes.Buffer
		zw := gzip.NewWriter(&buf)
		_, err := zw.Write(der)
		require.NoError(t, err)
		require.NoError(t, zw.Close())
		body = buf.Bytes()
		comp = compGzip
	}

	inner := append(append([]byte{}, TagValue(tagCertBody, body)...), TagValue(tagCertComp, []byte{comp})...)
	inner = append(inner, TagValue(tagCertIntegrity, []byte{0x00})...)
	return TagValue(tagCertContainer, inner)
}

func TestReadCertParsesUncompressedCertificate(t *testing.T) {
	der := mustTestCertDER(t)
	resp := append(containerBody(t, der, false), 0x90, 0x00)

	card := &mockCard{}
	card.onIns(insGetData, resp)

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	slot, err := tk.ReadCert(SlotAuthentication)
	require.NoError(t, err)
	require.Equal(t, SlotAuthentication, slot.ID)
	require.Equal(t, AlgECCP256, slot.Algorithm)
	require.Equal(t, "CN=piv-test-slot", slot.Subject)
	require.IsType(t, &ecdsa.PublicKey{}, slot.PublicKey)

	got, ok := tk.SlotByID(SlotAuthentication)
	require.True(t, ok)
	require.Same(t, slot, got)
}

func TestReadCertDecompressesGzippedCertificate(t *testing.T) {
	der := mustTestCertDER(t)
	resp := append(containerBody(t, der, true), 0x90, 0x00)

	card := &mockCard{}
	card.onIns(insGetData, resp)

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	slot, err := tk.ReadCert(SlotSignature)
	require.NoError(t, err)
	require.Equal(t, der, slot.Cert.Raw)
}

func TestReadCertNotFound(t *testing.T) {
	card := &mockCard{}
	card.onIns(insGetData, []byte{0x6A, 0x82})

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	_, err := tk.ReadCert(SlotAuthentication)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindNotFound, pe.Kind)
}

func TestReadCertRequiresPINReturnsPermission(t *testing.T) {
	card := &mockCard{}
	card.onIns(insGetData, []byte{0x69, 0x82})

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	_, err := tk.ReadCert(SlotAuthentication)
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPermission, pe.Kind)
}

func TestReadAllCertsSwallowsNotFoundAndNotSupported(t *testing.T) {
	der := mustTestCertDER(t)
	card := &mockCard{}
	card.on([]byte{claISO, insGetData}, []byte{0x6A, 0x82})
	card.scripts = append([]scriptedResponse{{
		match: func(apdu []byte) bool {
			return len(apdu) >= 2 && apdu[1] == insGetData && bytes.Contains(apdu, encodeTag(certTags[SlotAuthentication]))
		},
		response: append(containerBody(t, der, false), 0x90, 0x00),
	}}, card.scripts...)

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	slots, err := tk.ReadAllCerts()
	require.NoError(t, err)
	require.Len(t, slots, 1)
	require.Equal(t, SlotAuthentication, slots[0].ID)
}

func TestReadAllCertsAbortsOnPermissionError(t *testing.T) {
	card := &mockCard{}
	card.onIns(insGetData, []byte{0x69, 0x82})

	tk := NewToken("reader 0", card)
	require.NoError(t, tk.BeginTxn())

	_, err := tk.ReadAllCerts()
	require.Error(t, err)
	var pe *Error
	require.ErrorAs(t, err, &pe)
	require.Equal(t, KindPermission, pe.Kind)
}
