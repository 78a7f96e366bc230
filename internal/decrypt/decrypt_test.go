package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func encryptCBC(t *testing.T, key, iv, plain []byte) []byte {
	t.Helper()
	pad := aes.BlockSize - len(plain)%aes.BlockSize
	padded := append(append([]byte{}, plain...), bytes.Repeat([]byte{byte(pad)}, pad)...)
	block, err := aes.NewCipher(key)
	require.NoError(t, err)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out
}

func TestAES128_RoundTrip(t *testing.T) {
	raw := bytes.Repeat([]byte{0x11}, 16)
	iv := bytes.Repeat([]byte{0x22}, 16)
	plain := []byte("transport stream payload that spans several blocks")

	var d AES128
	key, err := d.DeriveKey(raw)
	require.NoError(t, err)

	got, err := d.Decrypt(key, encryptCBC(t, raw, iv, plain), iv)
	require.NoError(t, err)
	assert.Equal(t, plain, got)
}

func TestAES128_Errors(t *testing.T) {
	var d AES128

	_, err := d.DeriveKey([]byte("short"))
	assert.ErrorIs(t, err, ErrBadKey)

	key, err := d.DeriveKey(make([]byte, 16))
	require.NoError(t, err)

	_, err = d.Decrypt(key, make([]byte, 32), []byte{1, 2, 3})
	assert.ErrorIs(t, err, ErrBadIV)

	_, err = d.Decrypt(key, make([]byte, 31), make([]byte, 16))
	assert.ErrorIs(t, err, ErrCipher)

	_, err = d.Decrypt("not a key", make([]byte, 32), make([]byte, 16))
	assert.ErrorIs(t, err, ErrBadKey)
}

func TestAES128_DecryptSample(t *testing.T) {
	raw := bytes.Repeat([]byte{0x44}, 16)
	iv := make([]byte, 16)
	block, err := aes.NewCipher(raw)
	require.NoError(t, err)

	clear := []byte("0123456789abcdef0123456789abcdef")
	enc := make([]byte, 32)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(enc, clear)

	payload := append([]byte("HDR"), enc...)
	payload = append(payload, 'x', 'y')

	var d AES128
	key, err := d.DeriveKey(raw)
	require.NoError(t, err)

	out, err := d.DecryptSample(key, payload, iv, 3)
	require.NoError(t, err)
	assert.Equal(t, "HDR"+string(clear)+"xy", string(out))

	short, err := d.DecryptSample(key, []byte("tiny"), iv, 0)
	require.NoError(t, err)
	assert.Equal(t, "tiny", string(short))
}
