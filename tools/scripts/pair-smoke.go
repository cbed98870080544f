// Package main provides a CI-friendly smoke test for the nearby pairing endpoint.
//
// It plays a remote device against a running `nearby run` and validates:
//   - handshake + subprotocol selection
//   - hello/hello_ack with the advertised service identity
//   - invite -> invite_accept (the peer slot is free)
//   - the device shares its identifier and ranging token as two data envelopes
//   - optionally, /state reports this peer as connected
//   - bye ends the session
package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"strings"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"

	v1 "nearby/shared/contracts/pairing/v1"
)

const maxReadBytes = 64 << 10

// smokePeer is the fake remote device. Reads are synchronous.
type smokePeer struct {
	name string
	conn *websocket.Conn
}

func main() {
	var (
		pairURL  = flag.String("url", "ws://127.0.0.1:7946/pair", "Pairing WebSocket URL of the device under test")
		stateURL = flag.String("state", "", "Optional /state URL of the device under test")
		service  = flag.String("service", "interaction", "Service type to browse for")
		ident    = flag.String("identity", "nearby.interaction/device_ni", "Expected service identity in hello_ack")
		name     = flag.String("name", "smoke", "Display name of the smoke peer")
		timeout  = flag.Duration("timeout", 7*time.Second, "Per-step timeout")
		verbose  = flag.Bool("v", false, "Verbose output")
	)
	flag.Parse()

	if err := validateWSURL(*pairURL); err != nil {
		fatalf("invalid -url: %v", err)
	}

	root := context.Background()

	p, ack := mustConnect(root, *name, *pairURL, *service, *timeout)
	defer closeWS(p.conn)

	if got := ack.Info["identity"]; got != *ident {
		fatalf("hello_ack identity mismatch: got=%q want=%q", got, *ident)
	}
	if *verbose {
		fmt.Printf("linked: device=%s(%s)\n", ack.Name, ack.PeerID)
	}

	mustWrite(root, p.conn, mustEnvelope(v1.TypeInvite, v1.InvitePayload{TimeoutMS: timeout.Milliseconds()}), *timeout)
	p.expect(root, v1.TypeInviteAccept, *timeout)
	if *verbose {
		fmt.Println("invite accepted")
	}

	// Identifier and token, in either order.
	first := mustData(p.expect(root, v1.TypeData, *timeout))
	second := mustData(p.expect(root, v1.TypeData, *timeout))
	if len(first) == 0 || len(second) == 0 {
		fatalf("empty data payload")
	}
	if bytes.Equal(first, second) {
		fatalf("identifier and token payloads are identical")
	}
	if *verbose {
		fmt.Printf("received exchange payloads: %d and %d bytes\n", len(first), len(second))
	}

	if *stateURL != "" {
		mustStateShowsPeer(root, *stateURL, *name, *timeout)
		if *verbose {
			fmt.Println("state reports smoke peer connected")
		}
	}

	mustWrite(root, p.conn, mustEnvelope(v1.TypeBye, v1.ByePayload{Reason: "smoke done"}), *timeout)

	fmt.Println("OK: pairing smoke passed")
}

func validateWSURL(raw string) error {
	u, err := url.Parse(raw)
	if err != nil {
		return err
	}
	if u.Scheme != "ws" && u.Scheme != "wss" {
		return fmt.Errorf("unsupported scheme: %s", u.Scheme)
	}
	if strings.TrimSpace(u.Host) == "" {
		return errors.New("missing host")
	}
	if strings.TrimSpace(u.Path) == "" {
		return errors.New("missing path")
	}
	return nil
}

func mustConnect(parent context.Context, name, pairURL, service string, stepTimeout time.Duration) (*smokePeer, v1.HelloAckPayload) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	conn, resp, err := websocket.Dial(ctx, pairURL, &websocket.DialOptions{
		Subprotocols: []string{v1.Subprotocol},
	})
	if resp != nil && resp.Body != nil {
		_ = resp.Body.Close()
	}
	if err != nil {
		fatalf("connect: %v", err)
	}
	if got := conn.Subprotocol(); got != v1.Subprotocol {
		fatalf("subprotocol mismatch: got=%q want=%q", got, v1.Subprotocol)
	}
	conn.SetReadLimit(maxReadBytes)

	p := &smokePeer{name: name, conn: conn}

	hello := mustEnvelope(v1.TypeHello, v1.HelloPayload{
		PeerID:      uuid.NewString(),
		Name:        name,
		ServiceType: service,
	})
	mustWrite(parent, conn, hello, stepTimeout)

	env := p.expect(parent, v1.TypeHelloAck, stepTimeout)
	var ack v1.HelloAckPayload
	if err := json.Unmarshal(env.Payload, &ack); err != nil {
		fatalf("unmarshal hello_ack payload: %v", err)
	}
	if strings.TrimSpace(ack.PeerID) == "" {
		fatalf("hello_ack missing peer_id")
	}
	return p, ack
}

// expect reads the next envelope and requires it to be of type want. The device never sends
// envelopes unprompted, so anything else fails the run.
func (p *smokePeer) expect(parent context.Context, want string, stepTimeout time.Duration) v1.Envelope {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	_, data, err := p.conn.Read(ctx)
	if err != nil {
		fatalf("%s: waiting for %q: %v (close status %d)", p.name, want, err, websocket.CloseStatus(err))
	}

	var env v1.Envelope
	if err := json.Unmarshal(data, &env); err != nil {
		fatalf("%s: bad json: %v", p.name, err)
	}
	if err := env.Validate(); err != nil {
		fatalf("%s: bad envelope: %v", p.name, err)
	}

	switch env.Type {
	case want:
		return env
	case v1.TypeError:
		var ep v1.ErrorPayload
		_ = json.Unmarshal(env.Payload, &ep)
		fatalf("%s: device error code=%q msg=%q", p.name, ep.Code, ep.Message)
	}
	fatalf("%s: got %q, want %q", p.name, env.Type, want)
	return v1.Envelope{}
}

func mustStateShowsPeer(parent context.Context, stateURL, name string, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	var last map[string]any
	for {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, stateURL, nil)
		if err != nil {
			fatalf("state request: %v", err)
		}
		resp, err := http.DefaultClient.Do(req)
		if err == nil {
			last = nil
			_ = json.NewDecoder(resp.Body).Decode(&last)
			_ = resp.Body.Close()
			if last["peer_name"] == name && last["peer_state"] == "connected" {
				return
			}
		}

		select {
		case <-ctx.Done():
			fatalf("state never showed %q connected; last=%v err=%v", name, last, err)
		case <-time.After(100 * time.Millisecond):
		}
	}
}

func mustData(env v1.Envelope) []byte {
	var p v1.DataPayload
	if err := json.Unmarshal(env.Payload, &p); err != nil {
		fatalf("unmarshal data payload: %v", err)
	}
	return p.Data
}

func mustEnvelope(typ string, payload any) v1.Envelope {
	return v1.Envelope{
		V:       v1.Version,
		Type:    typ,
		ID:      uuid.NewString(),
		TS:      time.Now().UTC(),
		Payload: mustJSON(payload),
	}
}

func mustWrite(parent context.Context, conn *websocket.Conn, env v1.Envelope, stepTimeout time.Duration) {
	ctx, cancel := context.WithTimeout(parent, stepTimeout)
	defer cancel()

	b, err := json.Marshal(env)
	if err != nil {
		fatalf("marshal envelope: %v", err)
	}
	if err := conn.Write(ctx, websocket.MessageText, b); err != nil {
		fatalf("write failed: %v", err)
	}
}

func mustJSON(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		panic(err)
	}
	return b
}

func closeWS(conn *websocket.Conn) {
	_ = conn.Close(websocket.StatusNormalClosure, "bye")
}

func fatalf(format string, args ...any) {
	fmt.Fprintf(os.Stderr, "FAIL: "+format+"\n", args...)
	os.Exit(1)
}
