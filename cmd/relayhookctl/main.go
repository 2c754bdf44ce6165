// Command relayhookctl is the one-shot CLI invoked by the broker's
// child-process hook wrapper scripts (spec.md §6's "Child-process hook
// protocol"). It reads the hook's JSON envelope from stdin, relays it to
// the running relaybrokerd daemon's HookReceiver over a local HTTP call,
// and writes the response envelope to stdout.
//
// Per spec.md §4.3 failure semantics, a hook invocation must never block
// or fail the child process: any transport error here is swallowed and an
// empty envelope is printed, with the diagnostic going to stderr instead
// of becoming a non-zero exit.
package main

import (
	"bytes"
	"flag"
	"fmt"
	"io"
	"net/http"
	"os"
	"time"
)

func main() {
	addr := flag.String("addr", envOr("RELAY_HOOK_ADDR", "127.0.0.1:7701"), "relaybrokerd hook listener address")
	sessionID := flag.String("session-id", os.Getenv("RELAY_SESSION_ID"), "originating session id, if any")
	timeout := flag.Duration("timeout", 6*time.Second, "client-side timeout for the hook round trip")
	flag.Parse()

	if flag.NArg() < 1 {
		fmt.Fprintln(os.Stderr, "relayhookctl: usage: relayhookctl <hook-type>")
		fmt.Print("{}")
		return
	}
	hookType := flag.Arg(0)

	stdin, err := io.ReadAll(os.Stdin)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayhookctl: failed to read stdin: %v\n", err)
		fmt.Print("{}")
		return
	}

	url := fmt.Sprintf("http://%s/hooks/%s", *addr, hookType)
	if *sessionID != "" {
		url += "?session_id=" + *sessionID
	}

	client := &http.Client{Timeout: *timeout}
	resp, err := client.Post(url, "application/json", bytes.NewReader(stdin))
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayhookctl: request to relaybrokerd failed: %v\n", err)
		fmt.Print("{}")
		return
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		fmt.Fprintf(os.Stderr, "relayhookctl: failed to read relaybrokerd response: %v\n", err)
		fmt.Print("{}")
		return
	}
	if len(body) == 0 {
		fmt.Print("{}")
		return
	}
	os.Stdout.Write(body)
}

func envOr(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}
