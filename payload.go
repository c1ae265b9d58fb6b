package wirelay

// a stream payload is either text or raw bytes. every encode and decode
// stage branches on the variant, so it is explicit rather than an untyped
// union.

type PayloadKind int

const (
	PayloadText PayloadKind = iota
	PayloadBytes
)

type Payload struct {
	Kind  PayloadKind
	Text  string
	Bytes []byte
}

func TextPayload(text string) Payload {
	return Payload{
		Kind: PayloadText,
		Text: text,
	}
}

func BytesPayload(bytes []byte) Payload {
	return Payload{
		Kind:  PayloadBytes,
		Bytes: bytes,
	}
}

func (self Payload) IsBinary() bool {
	return self.Kind == PayloadBytes
}

// byte length for binary payloads, char length for text payloads.
// this is the unit the reader's result size ceiling counts.
func (self Payload) Len() ByteCount {
	switch self.Kind {
	case PayloadBytes:
		return ByteCount(len(self.Bytes))
	default:
		return ByteCount(len([]rune(self.Text)))
	}
}

// the bytes that enter the compress/encrypt pipeline
func (self Payload) Raw() []byte {
	switch self.Kind {
	case PayloadBytes:
		return self.Bytes
	default:
		return []byte(self.Text)
	}
}
