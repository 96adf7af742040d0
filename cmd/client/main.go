// consolecheck probes a rackgate gateway end to end: it provisions a console
// token, opens the websocket leg and performs the tenant side of the RFB 3.8
// handshake. Exit status is the health signal; intended for deploy pipelines.
package main

import (
	"bytes"
	"encoding/binary"
	"encoding/json"
	"flag"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"time"

	"github.com/gorilla/websocket"
	"github.com/rackgate/rackgate/internal/bridge"
	"github.com/rackgate/rackgate/internal/proto"
	"github.com/rackgate/rackgate/internal/rfb"
)

func main() {
	flag.Parse()
	if cfg.Machine == "" {
		log.Fatal("missing -machine")
	}

	tok := cfg.Token
	if tok == "" {
		var err error
		tok, err = requestToken()
		if err != nil {
			log.Fatalf("request console token: %v", err)
		}
		log.Printf("issued console token for machine %s", cfg.Machine)
	}

	if err := probe(tok); err != nil {
		log.Fatalf("probe failed: %v", err)
	}
	log.Printf("console for machine %s is reachable", cfg.Machine)
}

// requestToken asks the admin API for a fresh console token.
func requestToken() (string, error) {
	u := fmt.Sprintf("%s/api/machines/%s/console-token", cfg.AdminURL, url.PathEscape(cfg.Machine))
	req, err := http.NewRequest(http.MethodPost, u, nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("X-Auth-Token", cfg.AdminToken)
	client := &http.Client{Timeout: cfg.Timeout}
	resp, err := client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return "", fmt.Errorf("admin API status %d: %s", resp.StatusCode, bytes.TrimSpace(body))
	}
	var tr proto.ConsoleTokenResponse
	if err := json.NewDecoder(resp.Body).Decode(&tr); err != nil {
		return "", err
	}
	if tr.Token == "" {
		return "", fmt.Errorf("admin API returned empty token")
	}
	return tr.Token, nil
}

// probe performs the tenant handshake against the gateway.
func probe(tok string) error {
	wsURL := fmt.Sprintf("%s/console?machine=%s&token=%s",
		cfg.GatewayURL, url.QueryEscape(cfg.Machine), url.QueryEscape(tok))
	dialer := websocket.Dialer{HandshakeTimeout: cfg.Timeout}
	ws, resp, err := dialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			return fmt.Errorf("dial gateway: %w (status %d)", err, resp.StatusCode)
		}
		return fmt.Errorf("dial gateway: %w", err)
	}
	c := bridge.New(ws)
	defer c.Close()
	_ = c.SetDeadline(time.Now().Add(cfg.Timeout))

	ver := make([]byte, 12)
	if _, err := io.ReadFull(c, ver); err != nil {
		return fmt.Errorf("read protocol version: %w", err)
	}
	if string(ver) != rfb.ProtocolVersion {
		return fmt.Errorf("gateway sent protocol version %q, want %q", ver, rfb.ProtocolVersion)
	}
	if _, err := c.Write([]byte(rfb.ProtocolVersion)); err != nil {
		return fmt.Errorf("send protocol version: %w", err)
	}

	var count [1]byte
	if _, err := io.ReadFull(c, count[:]); err != nil {
		return fmt.Errorf("read security type count: %w", err)
	}
	if count[0] == 0 {
		return fmt.Errorf("gateway refused security negotiation")
	}
	types := make([]byte, count[0])
	if _, err := io.ReadFull(c, types); err != nil {
		return fmt.Errorf("read security types: %w", err)
	}
	if !bytes.Contains(types, []byte{rfb.SecTypeNone}) {
		return fmt.Errorf("gateway offered %v, expected the None type", types)
	}
	if _, err := c.Write([]byte{rfb.SecTypeNone}); err != nil {
		return fmt.Errorf("send security choice: %w", err)
	}

	var result [4]byte
	if _, err := io.ReadFull(c, result[:]); err != nil {
		return fmt.Errorf("read security result: %w", err)
	}
	if status := binary.BigEndian.Uint32(result[:]); status != 0 {
		reason := readReason(c)
		return fmt.Errorf("security handshake failed (status %d): %s", status, reason)
	}
	log.Printf("security handshake complete")
	if !cfg.FullInit {
		return nil
	}

	// ClientInit with shared access, then the ServerInit geometry.
	if _, err := c.Write([]byte{1}); err != nil {
		return fmt.Errorf("send client init: %w", err)
	}
	head := make([]byte, 24)
	if _, err := io.ReadFull(c, head); err != nil {
		return fmt.Errorf("read server init: %w", err)
	}
	width := binary.BigEndian.Uint16(head[0:2])
	height := binary.BigEndian.Uint16(head[2:4])
	nameLen := binary.BigEndian.Uint32(head[20:24])
	if nameLen > 4096 {
		return fmt.Errorf("server init names a %d byte desktop, refusing", nameLen)
	}
	name := make([]byte, nameLen)
	if _, err := io.ReadFull(c, name); err != nil {
		return fmt.Errorf("read desktop name: %w", err)
	}
	log.Printf("console up: %q %dx%d", name, width, height)
	return nil
}

func readReason(c *bridge.Conn) string {
	var lenBuf [4]byte
	if _, err := io.ReadFull(c, lenBuf[:]); err != nil {
		return "(no reason)"
	}
	n := binary.BigEndian.Uint32(lenBuf[:])
	if n == 0 || n > 4096 {
		return "(no reason)"
	}
	reason := make([]byte, n)
	if _, err := io.ReadFull(c, reason); err != nil {
		return "(truncated)"
	}
	return string(reason)
}
