// Package crypt はデータ鍵を用いたフィールド値の暗号化エンジンを提供する。
//
// 暗号方式は AEAD_AES_256_CBC_HMAC_SHA_512 で、96バイトの鍵を
// MAC鍵（先頭32バイト）・暗号鍵（次の32バイト）・IV鍵（末尾32バイト）に分割して使う。
package crypt

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha512"
	"crypto/subtle"
	"encoding/binary"
	"errors"
	"fmt"
)

const (
	keySize    = 96
	subKeySize = 32
	ivSize     = aes.BlockSize
	tagSize    = 32
)

var (
	errInvalidKeySize     = errors.New("key must be 96 bytes")
	errCiphertextTooShort = errors.New("ciphertext too short")
	errAuthentication     = errors.New("authentication failed")
	errPadding            = errors.New("invalid padding")
)

// Seal は平文を暗号化し IV || 暗号文 || タグ を返す。
// deterministic が真の場合、IVは (ad, plaintext) から導出される。
func Seal(key, ad, plaintext []byte, deterministic bool) ([]byte, error) {
	if len(key) != keySize {
		return nil, errInvalidKeySize
	}
	macKey, encKey, ivKey := key[:subKeySize], key[subKeySize:2*subKeySize], key[2*subKeySize:]

	iv := make([]byte, ivSize)
	if deterministic {
		mac := hmac.New(sha512.New, ivKey)
		mac.Write(ad)
		mac.Write(plaintext)
		copy(iv, mac.Sum(nil))
	} else if _, err := rand.Read(iv); err != nil {
		return nil, fmt.Errorf("generating iv: %w", err)
	}

	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	padded := pad(plaintext)
	out := make([]byte, ivSize+len(padded), ivSize+len(padded)+tagSize)
	copy(out, iv)
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out[ivSize:], padded)

	return append(out, tag(macKey, ad, out)...), nil
}

// Open は Seal の出力を検証して復号する。
func Open(key, ad, ciphertext []byte) ([]byte, error) {
	if len(key) != keySize {
		return nil, errInvalidKeySize
	}
	if len(ciphertext) < ivSize+aes.BlockSize+tagSize {
		return nil, errCiphertextTooShort
	}
	macKey, encKey := key[:subKeySize], key[subKeySize:2*subKeySize]

	body, got := ciphertext[:len(ciphertext)-tagSize], ciphertext[len(ciphertext)-tagSize:]
	if subtle.ConstantTimeCompare(got, tag(macKey, ad, body)) != 1 {
		return nil, errAuthentication
	}

	iv, enc := body[:ivSize], body[ivSize:]
	if len(enc)%aes.BlockSize != 0 {
		return nil, errPadding
	}
	block, err := aes.NewCipher(encKey)
	if err != nil {
		return nil, err
	}
	plain := make([]byte, len(enc))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plain, enc)
	return unpad(plain)
}

// tag は HMAC-SHA-512(AD || IV || S || AL) の先頭32バイトを返す。
func tag(macKey, ad, ivAndCiphertext []byte) []byte {
	var al [8]byte
	binary.BigEndian.PutUint64(al[:], uint64(len(ad))*8)

	mac := hmac.New(sha512.New, macKey)
	mac.Write(ad)
	mac.Write(ivAndCiphertext)
	mac.Write(al[:])
	return mac.Sum(nil)[:tagSize]
}

func pad(b []byte) []byte {
	n := aes.BlockSize - len(b)%aes.BlockSize
	return append(bytes.Clone(b), bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte) ([]byte, error) {
	if len(b) == 0 {
		return nil, errPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > aes.BlockSize || n > len(b) {
		return nil, errPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errPadding
		}
	}
	return b[:len(b)-n], nil
}

// GenerateDataKey は新しいランダムなデータ鍵を生成する。
func GenerateDataKey() ([]byte, error) {
	key := make([]byte, keySize)
	if _, err := rand.Read(key); err != nil {
		return nil, fmt.Errorf("generating random key: %w", err)
	}
	return key, nil
}
