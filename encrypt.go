package wirelay

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"
	"io"
	"math/bits"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
	"golang.org/x/crypto/chacha20"
	"golang.org/x/crypto/hkdf"
)

const (
	EncryptionNone  = "none"
	EncryptionNip44 = "nip44"
)

const (
	nip44Version = byte(0x02)
	// the padded length field is u16
	nip44MaxPlainSize = ByteCount(65535)
	nip44MinPayload   = 99
	nip44MaxPayload   = 65603
)

type EncryptionStrategy interface {
	Encrypt(plain []byte, algorithm string, senderSecretHex string, receiverPublicHex string) (string, error)
	Decrypt(content string, algorithm string, receiverSecretHex string, senderPublicHex string) ([]byte, error)
	// per-algorithm ceiling on the plaintext size, if the algorithm imposes
	// one below the configured maximum
	MaxChunkSize(algorithm string) (ByteCount, bool)
}

type StdEncryption struct {
}

func NewStdEncryption() *StdEncryption {
	return &StdEncryption{}
}

func (self *StdEncryption) Encrypt(plain []byte, algorithm string, senderSecretHex string, receiverPublicHex string) (string, error) {
	switch algorithm {
	case EncryptionNone:
		return string(plain), nil
	case EncryptionNip44:
		conversationKey, err := nip44ConversationKey(senderSecretHex, receiverPublicHex)
		if err != nil {
			return "", err
		}
		return nip44Encrypt(plain, conversationKey)
	default:
		return "", fmt.Errorf("unknown encryption algorithm: %s", algorithm)
	}
}

func (self *StdEncryption) Decrypt(content string, algorithm string, receiverSecretHex string, senderPublicHex string) ([]byte, error) {
	switch algorithm {
	case EncryptionNone:
		return []byte(content), nil
	case EncryptionNip44:
		conversationKey, err := nip44ConversationKey(receiverSecretHex, senderPublicHex)
		if err != nil {
			return nil, err
		}
		return nip44Decrypt(content, conversationKey)
	default:
		return nil, fmt.Errorf("unknown encryption algorithm: %s", algorithm)
	}
}

func (self *StdEncryption) MaxChunkSize(algorithm string) (ByteCount, bool) {
	switch algorithm {
	case EncryptionNip44:
		return nip44MaxPlainSize, true
	default:
		return 0, false
	}
}

// ecdh over the x-only keys. both directions derive the same key because the
// shared point's x coordinate is symmetric.
func nip44ConversationKey(secretHex string, publicHex string) ([]byte, error) {
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(secretBytes) != 32 {
		return nil, errors.New("secret key must be 32 hex encoded bytes")
	}
	secretKey, _ := btcec.PrivKeyFromBytes(secretBytes)
	publicBytes, err := hex.DecodeString(publicHex)
	if err != nil || len(publicBytes) != 32 {
		return nil, errors.New("public key must be 32 hex encoded bytes")
	}
	publicKey, err := schnorr.ParsePubKey(publicBytes)
	if err != nil {
		return nil, err
	}
	shared := btcec.GenerateSharedSecret(secretKey, publicKey)
	return hkdf.Extract(sha256.New, shared, []byte("nip44-v2")), nil
}

func nip44MessageKeys(conversationKey []byte, nonce []byte) (chachaKey []byte, chachaNonce []byte, hmacKey []byte, returnErr error) {
	keys := make([]byte, 76)
	if _, err := io.ReadFull(hkdf.Expand(sha256.New, conversationKey, nonce), keys); err != nil {
		returnErr = err
		return
	}
	chachaKey = keys[0:32]
	chachaNonce = keys[32:44]
	hmacKey = keys[44:76]
	return
}

func nip44Encrypt(plain []byte, conversationKey []byte) (string, error) {
	if len(plain) < 1 || nip44MaxPlainSize < ByteCount(len(plain)) {
		return "", fmt.Errorf("plaintext size must be 1..%d bytes", nip44MaxPlainSize)
	}
	nonce := make([]byte, 32)
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(conversationKey, nonce)
	if err != nil {
		return "", err
	}
	padded := make([]byte, 2+nip44PaddedLen(len(plain)))
	binary.BigEndian.PutUint16(padded[0:2], uint16(len(plain)))
	copy(padded[2:], plain)
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return "", err
	}
	ciphertext := make([]byte, len(padded))
	cipher.XORKeyStream(ciphertext, padded)
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	payload := make([]byte, 0, 1+len(nonce)+len(ciphertext)+sha256.Size)
	payload = append(payload, nip44Version)
	payload = append(payload, nonce...)
	payload = append(payload, ciphertext...)
	payload = mac.Sum(payload)
	return base64.StdEncoding.EncodeToString(payload), nil
}

func nip44Decrypt(content string, conversationKey []byte) ([]byte, error) {
	if len(content) == 0 {
		return nil, errors.New("empty payload")
	}
	if content[0] == '#' {
		return nil, errors.New("unsupported payload version")
	}
	payload, err := base64.StdEncoding.DecodeString(content)
	if err != nil {
		return nil, err
	}
	if len(payload) < nip44MinPayload || nip44MaxPayload < len(payload) {
		return nil, fmt.Errorf("invalid payload size %d", len(payload))
	}
	if payload[0] != nip44Version {
		return nil, errors.New("unsupported payload version")
	}
	nonce := payload[1:33]
	ciphertext := payload[33 : len(payload)-sha256.Size]
	payloadMac := payload[len(payload)-sha256.Size:]
	chachaKey, chachaNonce, hmacKey, err := nip44MessageKeys(conversationKey, nonce)
	if err != nil {
		return nil, err
	}
	mac := hmac.New(sha256.New, hmacKey)
	mac.Write(nonce)
	mac.Write(ciphertext)
	if !hmac.Equal(mac.Sum(nil), payloadMac) {
		return nil, errors.New("invalid payload mac")
	}
	cipher, err := chacha20.NewUnauthenticatedCipher(chachaKey, chachaNonce)
	if err != nil {
		return nil, err
	}
	padded := make([]byte, len(ciphertext))
	cipher.XORKeyStream(padded, ciphertext)
	plainLen := int(binary.BigEndian.Uint16(padded[0:2]))
	if plainLen < 1 || len(padded) != 2+nip44PaddedLen(plainLen) {
		return nil, errors.New("invalid padding")
	}
	return padded[2 : 2+plainLen], nil
}

// padding hides the exact plaintext size. sizes up to 32 pad to 32, then to
// a multiple of a chunk that grows with the next power of two.
func nip44PaddedLen(unpadded int) int {
	if unpadded <= 32 {
		return 32
	}
	nextPower := 1 << bits.Len(uint(unpadded-1))
	chunk := 32
	if 256 < nextPower {
		chunk = nextPower / 8
	}
	return chunk * ((unpadded-1)/chunk + 1)
}
