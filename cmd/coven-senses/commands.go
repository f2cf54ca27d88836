// ABOUTME: Client subcommands: one-shot send, peer table listing and readiness check.

package main

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/bytedance/sonic"
	"github.com/fatih/color"

	"github.com/2389/coven-senses/internal/config"
	"github.com/2389/coven-senses/internal/envelope"
	"github.com/2389/coven-senses/internal/node"
	"github.com/2389/coven-senses/internal/peer"
	"github.com/2389/coven-senses/internal/platform"
)

// sendOptions are the flags of the send command.
type sendOptions struct {
	configPath string
	from       string
	to         string
	msgType    string
	text       string
	content    string
	timeout    time.Duration
}

func runSend(ctx context.Context, args []string) error {
	var opts sendOptions
	fs := newFlagSet("send", &opts.configPath)
	fs.StringVar(&opts.from, "from", "cli", "sender agent id")
	fs.StringVar(&opts.to, "to", "", "receiver agent id (required)")
	fs.StringVarP(&opts.msgType, "type", "t", string(envelope.TypeText), "message type")
	fs.StringVar(&opts.text, "text", "", "text content, sets content.text")
	fs.StringVar(&opts.content, "content", "", "raw JSON object used as content")
	fs.DurationVar(&opts.timeout, "timeout", 30*time.Second, "overall send timeout")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if opts.to == "" {
		return fmt.Errorf("--to is required")
	}

	payload, err := buildPayload(opts)
	if err != nil {
		return err
	}

	cfg, _, err := loadConfig(opts.configPath)
	if err != nil {
		return err
	}
	logger := setupLogger(config.LoggingConfig{Level: "warn", Format: cfg.Logging.Format}, os.Stderr)

	ctx, cancel := context.WithTimeout(ctx, opts.timeout)
	defer cancel()
	return sendOnce(ctx, cfg, opts.from, opts.to, payload, logger)
}

// buildPayload turns the flags into a payload. --content wins over --text.
func buildPayload(opts sendOptions) (envelope.Payload, error) {
	p := envelope.Payload{Type: envelope.Type(opts.msgType), Content: map[string]any{}}
	if opts.content != "" {
		if err := sonic.UnmarshalString(opts.content, &p.Content); err != nil {
			return p, fmt.Errorf("parsing --content: %w", err)
		}
		if p.Content == nil {
			return p, fmt.Errorf("--content must be a JSON object")
		}
		return p, nil
	}
	if opts.text == "" {
		return p, fmt.Errorf("one of --text or --content is required")
	}
	p.Content["text"] = opts.text
	return p, nil
}

// sendOnce runs a short-lived node on an ephemeral port, delivers p and says goodbye.
func sendOnce(ctx context.Context, cfg *config.Config, from, to string, p envelope.Payload, logger *slog.Logger) error {
	n, err := node.New(node.Params{
		ID:        from,
		Role:      "cli",
		Host:      "127.0.0.1",
		Directory: peer.NewDirectory(platform.PeerTable(cfg), nil, logger),
		Policy: node.Policy{
			MaxAttempts:      cfg.Connect.MaxAttempts,
			RetryDelay:       cfg.Connect.RetryDelay,
			DialTimeout:      cfg.Connect.DialTimeout,
			HandshakeTimeout: cfg.Connect.HandshakeTimeout,
			WriteTimeout:     cfg.Connect.WriteTimeout,
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	if err := n.Start(ctx); err != nil {
		return err
	}
	defer func() {
		stopCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
		defer cancel()
		_ = n.Stop(stopCtx)
	}()

	env := envelope.FromPayload(from, to, p)
	if err := n.SendEnvelope(ctx, env); err != nil {
		return fmt.Errorf("sending to %s: %w", to, err)
	}
	if err := n.Disconnect(ctx, to); err != nil {
		logger.Debug("disconnect after send", "error", err)
	}

	color.New(color.FgGreen).Print("✓ ")
	fmt.Printf("sent %s %s → %s\n", env.Type, env.ID, to)
	return nil
}

func runAgents(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("agents", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// live state is best effort; the table prints either way
	live := map[string]platform.NodeStatus{}
	if cfg.Server.HTTPAddr != "" {
		if report, err := fetchReadiness(ctx, cfg.Server.HTTPAddr); err == nil {
			for _, st := range report.Nodes {
				live[st.ID] = st
			}
		}
	}

	return printAgents(os.Stdout, cfg, live)
}

func printAgents(w io.Writer, cfg *config.Config, live map[string]platform.NodeStatus) error {
	tw := tabwriter.NewWriter(w, 0, 0, 2, ' ', 0)
	fmt.Fprintln(tw, "ID\tROLE\tADDRESS\tSTATE\tPEERS")
	for _, a := range cfg.Agents {
		state := color.HiBlackString("-")
		peers := ""
		if st, ok := live[a.ID]; ok {
			if st.Running {
				state = color.GreenString("running")
			} else {
				state = color.YellowString("stopped")
			}
			peers = strings.Join(st.Peers, ",")
		}
		fmt.Fprintf(tw, "%s\t%s\t%s:%d\t%s\t%s\n", a.ID, a.Role, a.Host, a.Port, state, peers)
	}
	return tw.Flush()
}

func runHealth(ctx context.Context, args []string) error {
	var configPath string
	fs := newFlagSet("health", &configPath)
	if err := fs.Parse(args); err != nil {
		return err
	}
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return err
	}
	if cfg.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is not configured")
	}

	report, err := fetchReadiness(ctx, cfg.Server.HTTPAddr)
	if err != nil {
		return fmt.Errorf("health check failed: %w", err)
	}
	for _, st := range report.Nodes {
		mark := color.GreenString("✓")
		if !st.Running {
			mark = color.RedString("✗")
		}
		fmt.Printf("%s %s (%s) peers: %s\n", mark, st.ID, st.Role, strings.Join(st.Peers, ", "))
	}
	if !report.Ready {
		return fmt.Errorf("not ready")
	}
	fmt.Println("healthy")
	return nil
}

func fetchReadiness(ctx context.Context, addr string) (*platform.Readiness, error) {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, fmt.Sprintf("http://%s/health/ready", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	var report platform.Readiness
	if err := sonic.Unmarshal(body, &report); err != nil {
		return nil, fmt.Errorf("unexpected response (status %d): %w", resp.StatusCode, err)
	}
	return &report, nil
}
