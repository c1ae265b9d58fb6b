package wirelay

import (
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/btcsuite/btcd/btcec/v2"
	"github.com/btcsuite/btcd/btcec/v2/schnorr"
)

// the transport unit. relays accept events, verify the signature, and fan
// them out to matching subscriptions. the id is the content address:
// identical fields produce an identical id everywhere.
type Event struct {
	Id        string `json:"id"`
	PubKey    string `json:"pubkey"`
	CreatedAt int64  `json:"created_at"`
	Kind      int    `json:"kind"`
	Tags      []Tag  `json:"tags"`
	Content   string `json:"content"`
	Sig       string `json:"sig"`
}

type Tag []string

// first value of the first tag with the given name, or ""
func (self *Event) TagValue(name string) string {
	for _, tag := range self.Tags {
		if 2 <= len(tag) && tag[0] == name {
			return tag[1]
		}
	}
	return ""
}

func (self *Event) HasTag(name string) bool {
	for _, tag := range self.Tags {
		if 1 <= len(tag) && tag[0] == name {
			return true
		}
	}
	return false
}

// canonical serialization that the id is hashed over:
// [0,"<pubkey>",<created_at>,<kind>,<tags>,"<content>"]
// the escaping here is pinned by the protocol. a generic json encoder
// escapes more than this (html characters), which would change every id.
func (self *Event) Serialize() []byte {
	b := strings.Builder{}
	b.Grow(128 + len(self.Content))
	b.WriteString(`[0,"`)
	b.WriteString(self.PubKey)
	b.WriteString(`",`)
	b.WriteString(strconv.FormatInt(self.CreatedAt, 10))
	b.WriteString(`,`)
	b.WriteString(strconv.Itoa(self.Kind))
	b.WriteString(`,[`)
	for i, tag := range self.Tags {
		if 0 < i {
			b.WriteString(`,`)
		}
		b.WriteString(`[`)
		for j, value := range tag {
			if 0 < j {
				b.WriteString(`,`)
			}
			b.WriteString(`"`)
			escapeString(&b, value)
			b.WriteString(`"`)
		}
		b.WriteString(`]`)
	}
	b.WriteString(`],"`)
	escapeString(&b, self.Content)
	b.WriteString(`"]`)
	return []byte(b.String())
}

func escapeString(b *strings.Builder, s string) {
	for i := 0; i < len(s); i += 1 {
		c := s[i]
		switch c {
		case '"':
			b.WriteString(`\"`)
		case '\\':
			b.WriteString(`\\`)
		case '\n':
			b.WriteString(`\n`)
		case '\r':
			b.WriteString(`\r`)
		case '\t':
			b.WriteString(`\t`)
		case '\b':
			b.WriteString(`\b`)
		case '\f':
			b.WriteString(`\f`)
		default:
			if c < 0x20 {
				b.WriteString(fmt.Sprintf(`\u%04x`, c))
			} else {
				b.WriteByte(c)
			}
		}
	}
}

func (self *Event) ComputeId() string {
	h := sha256.Sum256(self.Serialize())
	return hex.EncodeToString(h[:])
}

// verify the id matches the content and the signature matches the author
func VerifyEvent(event *Event) error {
	if event.ComputeId() != event.Id {
		return errors.New("event id does not match content")
	}
	pubKeyBytes, err := hex.DecodeString(event.PubKey)
	if err != nil || len(pubKeyBytes) != 32 {
		return errors.New("malformed event pubkey")
	}
	pubKey, err := schnorr.ParsePubKey(pubKeyBytes)
	if err != nil {
		return fmt.Errorf("malformed event pubkey: %w", err)
	}
	sigBytes, err := hex.DecodeString(event.Sig)
	if err != nil || len(sigBytes) != 64 {
		return errors.New("malformed event signature")
	}
	sig, err := schnorr.ParseSignature(sigBytes)
	if err != nil {
		return fmt.Errorf("malformed event signature: %w", err)
	}
	idBytes, err := hex.DecodeString(event.Id)
	if err != nil || len(idBytes) != 32 {
		return errors.New("malformed event id")
	}
	if !sig.Verify(idBytes, pubKey) {
		return errors.New("bad event signature")
	}
	return nil
}

// secp256k1 keypair that authors a stream. the x-only public key is the
// stream id.
type StreamKey struct {
	secretKey *btcec.PrivateKey
}

func GenerateStreamKey() (*StreamKey, error) {
	secretKey, err := btcec.NewPrivateKey()
	if err != nil {
		return nil, err
	}
	return &StreamKey{
		secretKey: secretKey,
	}, nil
}

func StreamKeyFromHex(secretHex string) (*StreamKey, error) {
	secretBytes, err := hex.DecodeString(secretHex)
	if err != nil || len(secretBytes) != 32 {
		return nil, errors.New("secret key must be 32 hex encoded bytes")
	}
	secretKey, _ := btcec.PrivKeyFromBytes(secretBytes)
	return &StreamKey{
		secretKey: secretKey,
	}, nil
}

func (self *StreamKey) SecretHex() string {
	return hex.EncodeToString(self.secretKey.Serialize())
}

func (self *StreamKey) PublicKeyHex() string {
	return hex.EncodeToString(schnorr.SerializePubKey(self.secretKey.PubKey()))
}

// fills PubKey, CreatedAt (when zero), Id and Sig
func (self *StreamKey) SignEvent(event *Event) error {
	event.PubKey = self.PublicKeyHex()
	if event.CreatedAt == 0 {
		event.CreatedAt = time.Now().Unix()
	}
	if event.Tags == nil {
		event.Tags = []Tag{}
	}
	event.Id = event.ComputeId()
	idBytes, err := hex.DecodeString(event.Id)
	if err != nil {
		return err
	}
	sig, err := schnorr.Sign(self.secretKey, idBytes)
	if err != nil {
		return err
	}
	event.Sig = hex.EncodeToString(sig.Serialize())
	return nil
}

// derive the x-only public key for a secret key
func DerivePublicKeyHex(secretHex string) (string, error) {
	key, err := StreamKeyFromHex(secretHex)
	if err != nil {
		return "", err
	}
	return key.PublicKeyHex(), nil
}
