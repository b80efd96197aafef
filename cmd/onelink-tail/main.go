// Command onelink-tail follows a scope's notification stream from a running
// onelink-notifyd and prints each frame. It also issues tokens and dumps
// pipeline status for operators.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"

	"github.com/igorms-pro/onelink-sub002/internal/httpapi"
)

var Version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "onelink-tail",
		Short:         "Follow onelink change notifications for a scope",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().String("base-url", envOrDefault("ONELINK_BASE_URL", "http://127.0.0.1:8080"), "onelink-notifyd base URL")
	root.PersistentFlags().String("token", strings.TrimSpace(os.Getenv("ONELINK_TOKEN")), "bearer token")
	root.PersistentFlags().Duration("timeout", durationEnv("ONELINK_TAIL_TIMEOUT", 15*time.Second), "dial and request timeout")

	root.AddCommand(followCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(tokenCmd())
	return root
}

func followCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "follow [scope]",
		Short: "Stream notifications and view refreshes for a scope",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := followOptionsFrom(cmd, args)
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			return follow(ctx, opts)
		},
	}
	cmd.Flags().StringSlice("topics", splitList(os.Getenv("ONELINK_TOPICS")), "topics to follow (default all)")
	cmd.Flags().Bool("json", false, "print raw frames as JSON lines")
	cmd.Flags().Bool("views", false, "print view refresh frames")
	cmd.Flags().Bool("once", false, "exit when the stream ends instead of reconnecting")
	cmd.Flags().Duration("retry", durationEnv("ONELINK_TAIL_RETRY", 2*time.Second), "reconnect interval")
	cmd.Flags().Float64("retry-jitter", floatEnv("ONELINK_TAIL_RETRY_JITTER", 0.2), "reconnect jitter ratio (0.0-1.0)")
	return cmd
}

func followOptionsFrom(cmd *cobra.Command, args []string) (followOptions, error) {
	flags := cmd.Flags()
	baseURL, _ := flags.GetString("base-url")
	token, _ := flags.GetString("token")
	timeout, _ := flags.GetDuration("timeout")
	topics, _ := flags.GetStringSlice("topics")
	asJSON, _ := flags.GetBool("json")
	views, _ := flags.GetBool("views")
	once, _ := flags.GetBool("once")
	retry, _ := flags.GetDuration("retry")
	jitter, _ := flags.GetFloat64("retry-jitter")

	scope := strings.TrimSpace(os.Getenv("ONELINK_SCOPE"))
	if len(args) == 1 {
		scope = strings.TrimSpace(args[0])
	}
	if scope == "" {
		return followOptions{}, fmt.Errorf("scope is required (argument or ONELINK_SCOPE)")
	}
	if strings.TrimSpace(token) == "" {
		return followOptions{}, fmt.Errorf("token is required (--token or ONELINK_TOKEN)")
	}
	if retry <= 0 {
		retry = 2 * time.Second
	}
	if timeout <= 0 {
		timeout = 15 * time.Second
	}
	return followOptions{
		BaseURL:     baseURL,
		Token:       token,
		ScopeKey:    scope,
		Topics:      topics,
		JSON:        asJSON,
		Views:       views,
		Once:        once,
		DialTimeout: timeout,
		Retry:       retry,
		RetryJitter: clampJitterRatio(jitter),
		Out:         cmd.OutOrStdout(),
		Logger:      logrus.StandardLogger(),
	}, nil
}

func statusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show the pipelines a notifyd instance is running (needs admin:read)",
		RunE: func(cmd *cobra.Command, args []string) error {
			baseURL, _ := cmd.Flags().GetString("base-url")
			token, _ := cmd.Flags().GetString("token")
			timeout, _ := cmd.Flags().GetDuration("timeout")
			return printStatus(cmd.Context(), &http.Client{Timeout: timeout}, baseURL, token, cmd.OutOrStdout())
		},
	}
}

func printStatus(ctx context.Context, client *http.Client, baseURL, token string, out io.Writer) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, strings.TrimRight(baseURL, "/")+"/v1/admin/pipelines", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+token)
	resp, err := client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	var payload struct {
		Topics    []string `json:"topics"`
		Pipelines []struct {
			ScopeKey   string `json:"scope_key"`
			Topic      string `json:"topic"`
			State      string `json:"state"`
			Events     uint64 `json:"events"`
			Notified   uint64 `json:"notified"`
			Reconciles uint64 `json:"reconciles"`
			Reconnects uint64 `json:"reconnects"`
			LastError  string `json:"last_error"`
		} `json:"pipelines"`
		Message string `json:"message"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return fmt.Errorf("decode status: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("status request failed: %d %s", resp.StatusCode, payload.Message)
	}
	fmt.Fprintf(out, "topics: %s\n", strings.Join(payload.Topics, ", "))
	if len(payload.Pipelines) == 0 {
		fmt.Fprintln(out, "no active pipelines")
		return nil
	}
	for _, p := range payload.Pipelines {
		line := fmt.Sprintf("%-24s %-12s %-12s events=%d notified=%d reconciles=%d reconnects=%d",
			p.ScopeKey, p.Topic, p.State, p.Events, p.Notified, p.Reconciles, p.Reconnects)
		if p.LastError != "" {
			line += " last_error=" + strconv.Quote(p.LastError)
		}
		fmt.Fprintln(out, line)
	}
	return nil
}

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token [scope]",
		Short: "Sign a bearer token for a scope with the shared JWT secret",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			secret, _ := cmd.Flags().GetString("secret")
			subject, _ := cmd.Flags().GetString("subject")
			scopes, _ := cmd.Flags().GetStringSlice("scopes")
			ttl, _ := cmd.Flags().GetDuration("ttl")
			if secret == "" {
				return fmt.Errorf("secret is required (--secret or ONELINK_JWT_SECRET)")
			}
			token, err := httpapi.IssueToken(secret, args[0], subject, scopes, ttl)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("secret", os.Getenv("ONELINK_JWT_SECRET"), "HS256 signing secret")
	cmd.Flags().String("subject", "onelink-tail", "token subject")
	cmd.Flags().StringSlice("scopes", []string{"notifications:read"}, "granted scopes")
	cmd.Flags().Duration("ttl", time.Hour, "token lifetime")
	return cmd
}

func splitList(raw string) []string {
	var out []string
	for _, item := range strings.Split(raw, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

func envOrDefault(name, fallback string) string {
	value := strings.TrimSpace(os.Getenv(name))
	if value == "" {
		return fallback
	}
	return value
}

func durationEnv(name string, fallback time.Duration) time.Duration {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := time.ParseDuration(raw)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %s", name, raw, fallback.String())
		return fallback
	}
	return value
}

func floatEnv(name string, fallback float64) float64 {
	raw := strings.TrimSpace(os.Getenv(name))
	if raw == "" {
		return fallback
	}
	value, err := strconv.ParseFloat(raw, 64)
	if err != nil {
		logrus.Warnf("invalid %s=%q, using fallback %f", name, raw, fallback)
		return fallback
	}
	return value
}
