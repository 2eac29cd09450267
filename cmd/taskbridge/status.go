package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/basket/taskbridge/internal/config"
	"github.com/basket/taskbridge/internal/reconcile"
	"github.com/basket/taskbridge/internal/tui"
)

func newStatusCmd(opts *globalOptions) *cobra.Command {
	var (
		asJSON   bool
		watch    bool
		interval time.Duration
	)
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of the running gateway",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := opts.loadConfig()
			if err != nil {
				return err
			}
			probe := &statusProbe{base: gatewayURL(cfg.BindAddr), token: cfg.AuthToken, started: time.Now()}

			if watch {
				return tui.Run(cmd.Context(), func() tui.Snapshot { return probe.snapshot(cmd.Context()) }, interval)
			}

			out := cmd.OutOrStdout()
			if asJSON {
				body, status, err := probe.get(cmd.Context(), "/healthz")
				if err != nil {
					return err
				}
				_, _ = out.Write(body)
				if len(body) == 0 || body[len(body)-1] != '\n' {
					fmt.Fprintln(out)
				}
				if status != http.StatusOK {
					return exitError{code: 1}
				}
				return nil
			}

			snap := probe.snapshot(cmd.Context())
			fmt.Fprint(out, tui.RenderSnapshot(snap))
			if !snap.Reachable || !snap.DBOK {
				return exitError{code: 1}
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the raw /healthz body")
	cmd.Flags().BoolVarP(&watch, "watch", "w", false, "keep refreshing in a dashboard")
	cmd.Flags().DurationVar(&interval, "interval", time.Second, "dashboard refresh interval")
	return cmd
}

// gatewayURL turns bind_addr into a base URL a local client can dial.
func gatewayURL(bindAddr string) string {
	addr := strings.TrimSpace(bindAddr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}

type statusProbe struct {
	base    string
	token   string
	client  *http.Client
	started time.Time
}

func (p *statusProbe) get(ctx context.Context, path string) ([]byte, int, error) {
	reqCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(reqCtx, http.MethodGet, p.base+path, nil)
	if err != nil {
		return nil, 0, err
	}
	if p.token != "" {
		req.Header.Set("Authorization", "Bearer "+p.token)
	}
	client := p.client
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, 0, err
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	return body, resp.StatusCode, err
}

type healthBody struct {
	DBOK              bool   `json:"db_ok"`
	Authenticated     bool   `json:"authenticated"`
	ConfigFingerprint string `json:"config_fingerprint"`
	Pages             int    `json:"pages"`
	Clients           int    `json:"clients"`
	AuditFailures     int64  `json:"audit_failures"`
}

type metricsBody struct {
	Reconcile     reconcile.Stats `json:"reconcile"`
	LinkedThreads int             `json:"linked_threads"`
	BusDropped    int64           `json:"bus_dropped"`
}

// snapshot polls /healthz and, when authorized, /metrics.
func (p *statusProbe) snapshot(ctx context.Context) tui.Snapshot {
	snap := tui.Snapshot{Uptime: time.Since(p.started)}
	body, _, err := p.get(ctx, "/healthz")
	if err != nil {
		snap.LastError = err.Error()
		return snap
	}
	var h healthBody
	if err := json.Unmarshal(body, &h); err != nil {
		snap.LastError = "bad /healthz response: " + err.Error()
		return snap
	}
	snap.Reachable = true
	snap.DBOK = h.DBOK
	snap.Authenticated = h.Authenticated
	snap.Fingerprint = h.ConfigFingerprint
	snap.Pages = h.Pages
	snap.Clients = h.Clients
	snap.AuditFailures = h.AuditFailures

	body, status, err := p.get(ctx, "/metrics")
	switch {
	case err != nil:
		snap.LastError = err.Error()
	case status != http.StatusOK:
		snap.LastError = fmt.Sprintf("/metrics: HTTP %d", status)
	default:
		var m metricsBody
		if err := json.Unmarshal(body, &m); err == nil {
			snap.LinkedThreads = m.LinkedThreads
			snap.Scans = m.Reconcile.Scans
			snap.Injections = m.Reconcile.Injections
			snap.Prunes = m.Reconcile.Prunes
			snap.Patches = m.Reconcile.Patches
			snap.BusDropped = m.BusDropped
		}
	}
	return snap
}
