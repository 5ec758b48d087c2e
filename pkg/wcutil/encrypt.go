package wcutil

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"moff.io/coursewallet/pkg/errors"
)

// ErrBadPayload is returned for payloads that fail hmac verification or unpadding.
var ErrBadPayload = errors.New("bad wallet connect payload")

// EncryptedPayload is the {data, hmac, iv} envelope carried in every bridge message.
type EncryptedPayload struct {
	Data string `json:"data"`
	Hmac string `json:"hmac"`
	IV   string `json:"iv"`
}

func Aes256Encrypt(content, encryptionKey, iv []byte) ([]byte, error) {
	bPlaintext := pkcs7Padding(content, aes.BlockSize)
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "create new cipher block")
	}
	ciphertext := make([]byte, len(bPlaintext))
	mode := cipher.NewCBCEncrypter(block, iv)
	mode.CryptBlocks(ciphertext, bPlaintext)
	return ciphertext, nil
}

func Aes256Decrypt(cipherText []byte, encryptionKey []byte, iv []byte) ([]byte, error) {
	if len(cipherText) == 0 || len(cipherText)%aes.BlockSize != 0 {
		return nil, errors.Wrap(ErrBadPayload, "cipher text is not a multiple of the block size")
	}
	block, err := aes.NewCipher(encryptionKey)
	if err != nil {
		return nil, errors.Wrap(err, "create new cipher block")
	}
	plain := make([]byte, len(cipherText))
	mode := cipher.NewCBCDecrypter(block, iv)
	mode.CryptBlocks(plain, cipherText)
	return pkcs7Unpadding(plain, aes.BlockSize)
}

func pkcs7Padding(cipherText []byte, blockSize int) []byte {
	padding := blockSize - len(cipherText)%blockSize
	padText := bytes.Repeat([]byte{byte(padding)}, padding)
	return append(cipherText, padText...)
}

func pkcs7Unpadding(plain []byte, blockSize int) ([]byte, error) {
	n := len(plain)
	if n == 0 {
		return nil, errors.Wrap(ErrBadPayload, "empty plain text")
	}
	padding := int(plain[n-1])
	if padding == 0 || padding > blockSize || padding > n {
		return nil, errors.Wrap(ErrBadPayload, "invalid padding")
	}
	for _, b := range plain[n-padding:] {
		if int(b) != padding {
			return nil, errors.Wrap(ErrBadPayload, "invalid padding")
		}
	}
	return plain[:n-padding], nil
}

func GenerateRandomBytes(n int) ([]byte, error) {
	b := make([]byte, n)
	_, err := rand.Read(b)
	if err != nil {
		return nil, err
	}
	return b, nil
}

func HmacSha256(data, secret []byte) []byte {
	h := hmac.New(sha256.New, secret)
	h.Write(data)
	return h.Sum(nil)
}

// Seal encrypts plain with key under a fresh iv and signs ciphertext||iv.
func Seal(plain, key []byte) (*EncryptedPayload, error) {
	iv, err := GenerateRandomBytes(aes.BlockSize)
	if err != nil {
		return nil, errors.Wrap(err, "generate random iv")
	}
	data, err := Aes256Encrypt(plain, key, iv)
	if err != nil {
		return nil, err
	}
	unsigned := append(append([]byte{}, data...), iv...)
	return &EncryptedPayload{
		Data: hex.EncodeToString(data),
		IV:   hex.EncodeToString(iv),
		Hmac: hex.EncodeToString(HmacSha256(unsigned, key)),
	}, nil
}

// Open verifies the hmac of p and decrypts it.
func Open(p *EncryptedPayload, key []byte) ([]byte, error) {
	iv, err := hex.DecodeString(p.IV)
	if err != nil {
		return nil, errors.Wrap(err, "decode iv hex")
	}
	data, err := hex.DecodeString(p.Data)
	if err != nil {
		return nil, errors.Wrap(err, "decode cipher hex")
	}
	mac, err := hex.DecodeString(p.Hmac)
	if err != nil {
		return nil, errors.Wrap(err, "decode hmac hex")
	}
	unsigned := append(append([]byte{}, data...), iv...)
	if !hmac.Equal(mac, HmacSha256(unsigned, key)) {
		return nil, errors.Wrap(ErrBadPayload, "inconsistent session message hmac")
	}
	return Aes256Decrypt(data, key, iv)
}
