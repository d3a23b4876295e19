// Command hermesctl sends one quit/pause/resume/status command to a running
// hermes-client instance over its Unix control socket and prints the reply,
// grounded on original_source/lib/utils/socket.py's SockClient.send: connect,
// send the whole request, half-close the write side, read until EOF, print,
// exit with the reply's retcode.
package main

import (
	"encoding/json"
	"fmt"
	"io"
	"net"
	"os"
	"time"

	"github.com/insa-strasbourg/hermes-client/internal/control"
	"github.com/insa-strasbourg/hermes-client/pkg/config"
)

// dialTimeout bounds connecting to a socket that might not be listening
// (stale path, wrong permissions, dead process).
const dialTimeout = 5 * time.Second

func main() {
	os.Exit(run(os.Args[1:]))
}

func run(argv []string) int {
	if len(argv) == 0 {
		fmt.Fprintln(os.Stderr, "usage: hermesctl <quit|pause|resume|status [--json] [--verbose]>")
		return 2
	}

	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "hermesctl: failed to load config: %v\n", err)
		return 2
	}

	resp, err := send(cfg.ControlSocketPath, argv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "hermesctl: %v\n", err)
		return 2
	}

	fmt.Println(resp.Retmsg)
	return resp.Retcode
}

// send connects to sockpath, writes a control.Request carrying argv, half
// closes its write side, and reads the control.Response back.
func send(sockpath string, argv []string) (*control.Response, error) {
	conn, err := net.DialTimeout("unix", sockpath, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("connect to %q: %w", sockpath, err)
	}
	defer conn.Close()

	req := control.Request{Argv: argv}
	payload, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("encode request: %w", err)
	}
	if _, err := conn.Write(payload); err != nil {
		return nil, fmt.Errorf("send request: %w", err)
	}
	if cw, ok := conn.(interface{ CloseWrite() error }); ok {
		if err := cw.CloseWrite(); err != nil {
			return nil, fmt.Errorf("close write side: %w", err)
		}
	}

	raw, err := io.ReadAll(conn)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}

	var resp control.Response
	if err := json.Unmarshal(raw, &resp); err != nil {
		return nil, fmt.Errorf("decode reply: %w", err)
	}
	return &resp, nil
}
