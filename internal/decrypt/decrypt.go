// Package decrypt provides the cipher capability used for encrypted
// segments. The engine only calls DeriveKey and Decrypt; key provisioning
// beyond fetching the key URI is out of scope.
package decrypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
)

var (
	// ErrBadKey is returned when key material has the wrong size.
	ErrBadKey = errors.New("invalid key material")

	// ErrBadIV is returned when the IV is not one block long.
	ErrBadIV = errors.New("invalid IV")

	// ErrCipher is returned when the ciphertext cannot be decrypted.
	ErrCipher = errors.New("cipher mismatch")
)

// Key is opaque key material produced by DeriveKey.
type Key interface{}

// Decryptor derives keys and decrypts payloads.
type Decryptor interface {
	DeriveKey(raw []byte) (Key, error)
	Decrypt(key Key, ciphertext, iv []byte) ([]byte, error)
}

// AES128 decrypts AES-128-CBC payloads with PKCS#7 padding, as used by
// #EXT-X-KEY:METHOD=AES-128.
type AES128 struct{}

type aesKey struct {
	block cipher.Block
}

// DeriveKey implements Decryptor.
func (AES128) DeriveKey(raw []byte) (Key, error) {
	if len(raw) != aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadKey, len(raw))
	}
	block, err := aes.NewCipher(raw)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrBadKey, err)
	}
	return &aesKey{block: block}, nil
}

// Decrypt implements Decryptor.
func (AES128) Decrypt(key Key, ciphertext, iv []byte) ([]byte, error) {
	k, ok := key.(*aesKey)
	if !ok || k == nil {
		return nil, fmt.Errorf("%w: foreign key type %T", ErrBadKey, key)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadIV, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, fmt.Errorf("%w: length %d is not a multiple of the block size", ErrCipher, len(ciphertext))
	}

	plain := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(k.block, iv).CryptBlocks(plain, ciphertext)

	pad := int(plain[len(plain)-1])
	if pad == 0 || pad > aes.BlockSize || pad > len(plain) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	if !bytes.Equal(plain[len(plain)-pad:], bytes.Repeat([]byte{byte(pad)}, pad)) {
		return nil, fmt.Errorf("%w: bad padding", ErrCipher)
	}
	return plain[:len(plain)-pad], nil
}

// SampleDecryptor is implemented by decryptors that handle SAMPLE-AES,
// where only whole cipher blocks after a clear leader are encrypted.
type SampleDecryptor interface {
	DecryptSample(key Key, payload, iv []byte, clearLeader int) ([]byte, error)
}

// DecryptSample implements SampleDecryptor. The clear leader and the
// trailing partial block are copied through unchanged.
func (AES128) DecryptSample(key Key, payload, iv []byte, clearLeader int) ([]byte, error) {
	k, ok := key.(*aesKey)
	if !ok || k == nil {
		return nil, fmt.Errorf("%w: foreign key type %T", ErrBadKey, key)
	}
	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("%w: %d bytes", ErrBadIV, len(iv))
	}
	if len(payload) < clearLeader+aes.BlockSize {
		return payload, nil
	}

	out := make([]byte, len(payload))
	copy(out, payload)
	body := out[clearLeader:]
	n := len(body) / aes.BlockSize * aes.BlockSize
	cipher.NewCBCDecrypter(k.block, iv).CryptBlocks(body[:n], body[:n])
	return out, nil
}
