// Command chat-probe is a simple debug client for a cortex realtime server.
// It connects with the token from CORTEX_TOKEN (or the token file), prints
// every event, and sends each stdin line as an agent request.
//
// Usage: CORTEX_TOKEN=... go run ./cmd/chat-probe
package main

import (
	"bufio"
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"time"

	"github.com/cortexchat/realtime/internal/agentrun"
	"github.com/cortexchat/realtime/internal/config"
	"github.com/cortexchat/realtime/internal/optimistic"
	"github.com/cortexchat/realtime/internal/token"
	"github.com/cortexchat/realtime/pkg/logger"
	"github.com/cortexchat/realtime/sdk"
)

// staticAuth serves a fixed token. Refresh hands back the same token so the
// scheduler stays quiet; probes are short-lived.
type staticAuth struct {
	token string
}

func (a *staticAuth) GetToken() (string, error)     { return a.token, nil }
func (a *staticAuth) SetToken(tok string) error     { a.token = tok; return nil }
func (a *staticAuth) RemoveToken() error            { a.token = ""; return nil }
func (a *staticAuth) RefreshToken() (string, error) { return a.token, nil }
func (a *staticAuth) GetAuthConfig() (token.AuthConfig, error) {
	return token.AuthConfig{}, nil
}

type printListener struct{}

func (printListener) OnConnectionState(state, reason string) {
	fmt.Printf("* connection %s (%s)\n", state, reason)
}

func (printListener) OnRunUpdate(run agentrun.Run) {
	switch run.Status {
	case agentrun.StatusCompleted:
		fmt.Printf("* run %s completed: %s (tokens=%d tools=%d)\n",
			run.RunID, run.Result, run.Metrics.TokensUsed, len(run.Tools))
	case agentrun.StatusError:
		fmt.Printf("* run %s failed: %s\n", run.RunID, run.ErrorMessage)
	default:
		fmt.Printf("* run %s [%s] %s\n", run.RunID, run.Status, run.CurrentAction)
	}
}

func (printListener) OnMessageUpdate(msg optimistic.Message) {
	fmt.Printf("* message %s -> %s\n", msg.LocalID, msg.Status)
}

func (printListener) OnSessionExpired(message string) {
	fmt.Fprintf(os.Stderr, "session expired: %s\n", message)
	os.Exit(1)
}

func (printListener) OnError(code, message string) {
	fmt.Printf("* error %s: %s\n", code, message)
}

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "config: %v\n", err)
		os.Exit(1)
	}
	if cfg.Debug {
		logger.SetLevel(logger.LevelDebug)
	}
	if cfg.LogLevel != "" {
		// CORTEX_LOG_LEVEL wins over the debug toggle.
		level, err := logger.ParseLevel(cfg.LogLevel)
		if err != nil {
			fmt.Fprintf(os.Stderr, "config: %v\n", err)
			os.Exit(1)
		}
		logger.SetLevel(level)
	}

	tok := os.Getenv("CORTEX_TOKEN")
	if tok == "" {
		data, err := os.ReadFile(cfg.TokenFile)
		if err != nil {
			fmt.Fprintln(os.Stderr, "no token: set CORTEX_TOKEN or write the token file")
			os.Exit(1)
		}
		tok = strings.TrimSpace(string(data))
	}

	fmt.Printf("Connecting to %s...\n", cfg.ServerURL)

	client := sdk.New(cfg, &staticAuth{token: tok})
	client.SetListener(printListener{})
	if err := client.Start(context.Background()); err != nil {
		fmt.Fprintf(os.Stderr, "start: %v\n", err)
		os.Exit(1)
	}

	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)

	lines := make(chan string)
	go func() {
		scanner := bufio.NewScanner(os.Stdin)
		for scanner.Scan() {
			lines <- scanner.Text()
		}
		close(lines)
	}()

	for {
		select {
		case line, ok := <-lines:
			if !ok {
				client.Close()
				return
			}
			line = strings.TrimSpace(line)
			if line == "" {
				continue
			}
			msg, err := client.SendMessage(line)
			if err != nil {
				fmt.Fprintf(os.Stderr, "send: %v\n", err)
				continue
			}
			fmt.Printf("> sent %s\n", msg.LocalID)
		case <-interrupt:
			fmt.Println("Interrupted")
			client.Close()
			time.Sleep(200 * time.Millisecond)
			return
		}
	}
}
