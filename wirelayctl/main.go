package main

import (
	"bufio"
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/docopt/docopt-go"
	"golang.org/x/term"

	"wirelay.com/wirelay"
)

const WirelayCtlVersion = "0.0.1"

var Out *log.Logger
var Err *log.Logger

func init() {
	Out = log.New(os.Stdout, "", 0)
	Err = log.New(os.Stderr, "", log.Ldate|log.Ltime|log.Lshortfile)
}

func main() {
	usage := `Wirelay control.

Sends a message or stdin as a stream of signed chunk events, receives a
stream to stdout, or runs a relay. A stream id is the sender public key.

Usage:
    wirelayctl keygen
    wirelayctl send --relay=<relay>... [--secret=<secret>]
        [--compression=<compression>] [--encryption=<encryption>]
        [--receiver_public=<receiver_public>]
        [--binary]
        [<message>]
    wirelayctl recv --relay=<relay>... --stream=<stream_id>
        [--compression=<compression>] [--encryption=<encryption>]
        [--receiver_secret=<receiver_secret>]
        [--binary]
        [--ttl=<ttl>]
    wirelayctl relay --listen=<address>

Options:
    -h --help                             Show this screen.
    --version                             Show version.
    --relay=<relay>                       Relay websocket url. Repeat for fanout.
    --secret=<secret>                     Sender secret key hex. Prompted when omitted.
    --stream=<stream_id>                  Sender public key hex.
    --compression=<compression>           none, gzip, or snappy. Defaults to none.
    --encryption=<encryption>             none or nip44. Defaults to none.
    --receiver_public=<receiver_public>   Receiver public key hex, required to encrypt.
    --receiver_secret=<receiver_secret>   Receiver secret key hex, required to decrypt.
    --binary                              The payload is raw bytes, not text.
    --ttl=<ttl>                           Fail the receive after this long without
                                          a message, e.g. 90s. Defaults to 60s.
    --listen=<address>                    Relay listen address, e.g. :8080.`

	opts, err := docopt.ParseArgs(usage, os.Args[1:], WirelayCtlVersion)
	if err != nil {
		panic(err)
	}

	if keygen_, _ := opts.Bool("keygen"); keygen_ {
		keygen(opts)
	} else if send_, _ := opts.Bool("send"); send_ {
		send(opts)
	} else if recv_, _ := opts.Bool("recv"); recv_ {
		recv(opts)
	} else if relay_, _ := opts.Bool("relay"); relay_ {
		relay(opts)
	}
}

func keygen(opts docopt.Opts) {
	key, err := wirelay.GenerateStreamKey()
	if err != nil {
		panic(err)
	}
	Out.Printf("secret: %s", key.SecretHex())
	Out.Printf("public: %s", key.PublicKeyHex())
}

// stream a message argument or stdin
func send(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var secret string
	if secretAny := opts["--secret"]; secretAny != nil {
		secret = secretAny.(string)
	} else {
		fmt.Print("Enter secret: ")
		secretBytes, err := term.ReadPassword(int(syscall.Stdin))
		if err != nil {
			panic(err)
		}
		secret = string(secretBytes)
		fmt.Printf("\n")
	}

	key, err := wirelay.StreamKeyFromHex(secret)
	if err != nil {
		Err.Printf("Invalid secret (%s).", err)
		os.Exit(1)
	}

	binary, _ := opts.Bool("--binary")
	metadata := &wirelay.StreamMetadata{
		StreamId:          key.PublicKeyHex(),
		Relays:            stringList(opts, "--relay"),
		Binary:            binary,
		Compression:       stringOr(opts, "--compression", wirelay.CompressionNone),
		Encryption:        stringOr(opts, "--encryption", wirelay.EncryptionNone),
		ReceiverPublicKey: stringOr(opts, "--receiver_public", ""),
	}

	pool := wirelay.NewRelayPoolWithDefaults(ctx)
	defer pool.Close()

	writer, err := wirelay.NewStreamWriterWithDefaults(ctx, metadata, key, pool, wirelay.NewStdCompression(), wirelay.NewStdEncryption())
	if err != nil {
		Err.Printf("Cannot open stream (%s).", err)
		os.Exit(1)
	}
	defer writer.Close()

	// the receiver attaches by this id
	Err.Printf("stream: %s", metadata.StreamId)

	if messageAny := opts["<message>"]; messageAny != nil {
		if binary {
			Err.Printf("A message argument streams as text. Pipe stdin for binary.")
			os.Exit(1)
		}
		if err := writer.WriteText(messageAny.(string), true); err != nil {
			Err.Printf("Send failed (%s).", err)
			os.Exit(1)
		}
		return
	}

	if binary {
		block := make([]byte, 32*1024)
		for {
			n, readErr := os.Stdin.Read(block)
			if 0 < n {
				if err := writer.WriteBytes(block[:n], false); err != nil {
					Err.Printf("Send failed (%s).", err)
					os.Exit(1)
				}
			}
			if readErr == io.EOF {
				break
			}
			if readErr != nil {
				panic(readErr)
			}
		}
		if err := writer.WriteBytes(nil, true); err != nil {
			Err.Printf("Send failed (%s).", err)
			os.Exit(1)
		}
		return
	}

	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		if err := writer.WriteText(scanner.Text()+"\n", false); err != nil {
			Err.Printf("Send failed (%s).", err)
			os.Exit(1)
		}
	}
	if err := scanner.Err(); err != nil {
		panic(err)
	}
	if err := writer.WriteText("", true); err != nil {
		Err.Printf("Send failed (%s).", err)
		os.Exit(1)
	}
}

// print a stream to stdout until it is done or fails
func recv(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	streamId, _ := opts.String("--stream")
	binary, _ := opts.Bool("--binary")
	metadata := &wirelay.StreamMetadata{
		StreamId:    streamId,
		Relays:      stringList(opts, "--relay"),
		Binary:      binary,
		Compression: stringOr(opts, "--compression", wirelay.CompressionNone),
		Encryption:  stringOr(opts, "--encryption", wirelay.EncryptionNone),
	}
	if metadata.Encryption != wirelay.EncryptionNone {
		receiverSecret := stringOr(opts, "--receiver_secret", "")
		publicKey, err := wirelay.DerivePublicKeyHex(receiverSecret)
		if err != nil {
			Err.Printf("Invalid receiver secret (%s).", err)
			os.Exit(1)
		}
		metadata.ReceiverPublicKey = publicKey
		metadata.ReceiverSecretKey = receiverSecret
	}

	settings := wirelay.DefaultStreamReaderSettings()
	if ttlAny := opts["--ttl"]; ttlAny != nil {
		ttl, err := time.ParseDuration(ttlAny.(string))
		if err != nil {
			Err.Printf("Invalid ttl (%s).", err)
			os.Exit(1)
		}
		settings.Ttl = ttl
	}

	pool := wirelay.NewRelayPoolWithDefaults(ctx)
	defer pool.Close()

	reader, err := wirelay.NewStreamReader(ctx, metadata, pool, wirelay.NewStdCompression(), wirelay.NewStdEncryption(), settings)
	if err != nil {
		Err.Printf("Cannot open stream (%s).", err)
		os.Exit(1)
	}
	defer reader.Close()

	for {
		chunk, err := reader.Read(ctx)
		if err == io.EOF {
			return
		}
		if err != nil {
			Err.Printf("Receive failed (%s).", err)
			os.Exit(1)
		}
		if chunk.Payload.IsBinary() {
			os.Stdout.Write(chunk.Payload.Bytes)
		} else {
			fmt.Print(chunk.Payload.Text)
		}
	}
}

// run a relay until interrupted
func relay(opts docopt.Opts) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	address, _ := opts.String("--listen")

	server := wirelay.NewRelayServerWithDefaults(ctx)
	defer server.Close()

	c := make(chan os.Signal, 1)
	signal.Notify(c, os.Interrupt, syscall.SIGTERM)
	go func() {
		<-c
		server.Close()
	}()

	if err := server.ListenAndServe(address); err != nil {
		Err.Printf("Relay failed (%s).", err)
		os.Exit(1)
	}
}

func stringList(opts docopt.Opts, name string) []string {
	values := []string{}
	if valuesAny := opts[name]; valuesAny != nil {
		values = append(values, valuesAny.([]string)...)
	}
	return values
}

func stringOr(opts docopt.Opts, name string, missing string) string {
	if valueAny := opts[name]; valueAny != nil {
		return valueAny.(string)
	}
	return missing
}
