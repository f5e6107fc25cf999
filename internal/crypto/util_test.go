package crypto

import (
	"bytes"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"testing"
)

func testKey(fill byte) []byte {
	return bytes.Repeat([]byte{fill}, KeySize)
}

func TestSealOpen(t *testing.T) {
	key := testKey(0x42)
	aad := []byte("header")

	sealed, err := Seal(key, []byte("secret payload"), aad)
	require.NoError(t, err)
	assert.Len(t, sealed, NonceSize+len("secret payload")+Overhead)
	assert.NotContains(t, string(sealed), "secret payload")

	plaintext, err := Open(key, sealed, aad)
	require.NoError(t, err)
	assert.Equal(t, "secret payload", string(plaintext))
}

func TestSealUsesFreshNonce(t *testing.T) {
	key := testKey(0x01)

	a, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)
	b, err := Seal(key, []byte("same"), nil)
	require.NoError(t, err)

	assert.NotEqual(t, a[:NonceSize], b[:NonceSize])
}

func TestOpenFailures(t *testing.T) {
	key := testKey(0x07)
	sealed, err := Seal(key, []byte("data"), []byte("aad"))
	require.NoError(t, err)

	t.Run("WrongKey", func(t *testing.T) {
		_, err := Open(testKey(0x08), sealed, []byte("aad"))
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("WrongAdditionalData", func(t *testing.T) {
		_, err := Open(key, sealed, []byte("other"))
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("Tampered", func(t *testing.T) {
		tampered := append([]byte(nil), sealed...)
		tampered[len(tampered)-1] ^= 0xff
		_, err := Open(key, tampered, []byte("aad"))
		assert.ErrorIs(t, err, ErrAuthentication)
	})

	t.Run("TooShort", func(t *testing.T) {
		_, err := Open(key, sealed[:NonceSize], []byte("aad"))
		assert.ErrorIs(t, err, ErrCiphertextTooShort)
	})

	t.Run("BadKeySize", func(t *testing.T) {
		_, err := Open([]byte("short"), sealed, nil)
		assert.Error(t, err)
	})
}

func TestDeriveKeyDeterministic(t *testing.T) {
	a := DeriveKey([]byte("certificate"), []byte("salt"))
	b := DeriveKey([]byte("certificate"), []byte("salt"))
	c := DeriveKey([]byte("certificate2"), []byte("salt"))

	assert.Len(t, a, KeySize)
	assert.Equal(t, a, b)
	assert.NotEqual(t, a, c)
}

func TestCalculateChecksum(t *testing.T) {
	// sha256("abc")
	assert.Equal(t, "ba7816bf8f01cfea414140de5dae2223b00361a396177a9cb410ff61f20015ad", CalculateChecksum([]byte("abc")))
}

func TestKeyCheck(t *testing.T) {
	check := KeyCheck(testKey(0x01))
	assert.Len(t, check, KeyCheckSize)
	assert.Equal(t, check, KeyCheck(testKey(0x01)))
	assert.NotEqual(t, check, KeyCheck(testKey(0x02)))

	assert.True(t, VerifyKeyCheck(testKey(0x01), check))
	assert.False(t, VerifyKeyCheck(testKey(0x02), check))
	assert.False(t, VerifyKeyCheck(testKey(0x01), check[:KeyCheckSize-1]))
}
