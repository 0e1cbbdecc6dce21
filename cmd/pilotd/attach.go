package main

import (
	"bytes"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/url"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"golang.org/x/term"
)

// detachKey ends an interactive attach without touching the session.
const detachKey = 0x1d // Ctrl-]

// wireEnvelope mirrors the daemon's websocket frame.
type wireEnvelope struct {
	Type    string          `json:"type"`
	Payload json.RawMessage `json:"payload,omitempty"`
}

// wsWriter serializes writes; input, resize, and detach race otherwise.
type wsWriter struct {
	mu   sync.Mutex
	conn *websocket.Conn
}

func (w *wsWriter) send(msgType string, payload any) error {
	var raw json.RawMessage
	if payload != nil {
		b, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		raw = b
	}
	w.mu.Lock()
	defer w.mu.Unlock()
	return w.conn.WriteJSON(wireEnvelope{Type: msgType, Payload: raw})
}

var attachCmd = &cobra.Command{
	Use:   "attach <name[/branch][@machine]>",
	Short: "Attach this terminal to a session (Ctrl-] detaches)",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c := clientFromFlags(cmd)
		monitor, _ := cmd.Flags().GetBool("monitor")
		if monitor {
			return runMonitor(c, args[0])
		}
		return runAttach(c, args[0])
	},
}

func init() {
	attachCmd.Flags().Bool("monitor", false, "Shared read-only view instead of a dedicated terminal")
	rootCmd.AddCommand(attachCmd)
}

func dialSession(c *apiClient, targetArg, mode string) (*websocket.Conn, error) {
	wsURL := c.wsBase() + "/v1/sessions/" + url.PathEscape(targetArg) + "/ws?mode=" + mode
	conn, resp, err := websocket.DefaultDialer.Dial(wsURL, nil)
	if err != nil {
		if resp != nil {
			resp.Body.Close()
			return nil, fmt.Errorf("attach %s: %s", targetArg, resp.Status)
		}
		return nil, fmt.Errorf("attach %s: %w", targetArg, err)
	}
	if resp != nil {
		resp.Body.Close()
	}
	return conn, nil
}

func runAttach(c *apiClient, targetArg string) error {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return fmt.Errorf("attach requires an interactive terminal")
	}

	conn, err := dialSession(c, targetArg, "terminal")
	if err != nil {
		return err
	}
	defer conn.Close()
	w := &wsWriter{conn: conn}

	oldState, err := term.MakeRaw(fd)
	if err != nil {
		return fmt.Errorf("enable raw mode: %w", err)
	}
	defer func() { _ = term.Restore(fd, oldState) }()

	sendResize := func() {
		cols, rows, err := term.GetSize(fd)
		if err != nil {
			return
		}
		_ = w.send("resize", map[string]int{"cols": cols, "rows": rows})
	}
	sendResize()

	winch := make(chan os.Signal, 1)
	signal.Notify(winch, syscall.SIGWINCH)
	defer signal.Stop(winch)
	go func() {
		for range winch {
			sendResize()
		}
	}()

	done := make(chan error, 1)

	// Keystrokes to the session, until the detach key.
	go func() {
		buf := make([]byte, 4096)
		for {
			n, err := os.Stdin.Read(buf)
			if n > 0 {
				chunk := buf[:n]
				if i := bytes.IndexByte(chunk, detachKey); i >= 0 {
					if i > 0 {
						_ = w.send("input", map[string]string{"data": base64.StdEncoding.EncodeToString(chunk[:i])})
					}
					_ = w.send("detach", nil)
					done <- nil
					return
				}
				if werr := w.send("input", map[string]string{"data": base64.StdEncoding.EncodeToString(chunk)}); werr != nil {
					done <- werr
					return
				}
			}
			if err != nil {
				done <- nil
				return
			}
		}
	}()

	// Session output to this terminal.
	go func() {
		for {
			var env wireEnvelope
			if err := conn.ReadJSON(&env); err != nil {
				done <- nil
				return
			}
			switch env.Type {
			case "output":
				var p struct {
					Data string `json:"data"`
				}
				if json.Unmarshal(env.Payload, &p) != nil {
					continue
				}
				raw, err := base64.StdEncoding.DecodeString(p.Data)
				if err != nil {
					continue
				}
				_, _ = os.Stdout.Write(raw)
			case "detached":
				done <- nil
				return
			case "error":
				var p struct {
					Error string `json:"error"`
				}
				_ = json.Unmarshal(env.Payload, &p)
				done <- fmt.Errorf("%s", p.Error)
				return
			}
		}
	}()

	return <-done
}

func runMonitor(c *apiClient, targetArg string) error {
	conn, err := dialSession(c, targetArg, "monitor")
	if err != nil {
		return err
	}
	defer conn.Close()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sig)
	go func() {
		<-sig
		conn.Close()
	}()

	for {
		var env wireEnvelope
		if err := conn.ReadJSON(&env); err != nil {
			return nil
		}
		switch env.Type {
		case "snapshot":
			var p struct {
				Text string `json:"text"`
			}
			if json.Unmarshal(env.Payload, &p) != nil {
				continue
			}
			fmt.Print("\x1b[H\x1b[2J" + p.Text)
		case "permission":
			var ev struct {
				Kind    string `json:"kind"`
				Request struct {
					ID       string `json:"id"`
					Announce string `json:"announce"`
				} `json:"request"`
				Decision *struct {
					Resolution string `json:"resolution"`
				} `json:"decision,omitempty"`
			}
			if json.Unmarshal(env.Payload, &ev) != nil {
				continue
			}
			if ev.Kind == "requested" {
				fmt.Fprintf(os.Stderr, "\n[permission] %s (request %s)\n", ev.Request.Announce, ev.Request.ID)
			} else if ev.Decision != nil {
				fmt.Fprintf(os.Stderr, "\n[permission] request %s: %s\n", ev.Request.ID, ev.Decision.Resolution)
			}
		case "detached":
			return nil
		case "error":
			var p struct {
				Error string `json:"error"`
			}
			_ = json.Unmarshal(env.Payload, &p)
			return fmt.Errorf("%s", p.Error)
		}
	}
}
