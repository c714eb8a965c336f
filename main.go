// mimicry sends HTTP requests that look like they came from a real browser.
//
// Commands:
//
//	mimicry get URL         send one request and print the body (or jq output)
//	mimicry run URL         drive a fleet of sessions against URL until ^C
//	mimicry profiles        list the built-in fingerprint profiles
//	mimicry ja3 [PROFILE]   print the JA3 string and hash of a profile
//
// Settings come from --config (YAML or JSON), then MIMICRY_* environment
// variables, then command-line flags.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/firasghr/mimicry/challenge"
	"github.com/firasghr/mimicry/config"
	"github.com/firasghr/mimicry/logger"
	"github.com/firasghr/mimicry/profile"
	"github.com/firasghr/mimicry/session"
)

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

// globalFlags are shared by every subcommand.
type globalFlags struct {
	configPath string
	profile    string
	timeout    time.Duration
	insecure   bool
	logLevel   string
}

func newRootCmd() *cobra.Command {
	g := &globalFlags{}
	root := &cobra.Command{
		Use:           "mimicry",
		Short:         "Browser-fingerprinted HTTP client",
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	pf := root.PersistentFlags()
	pf.StringVar(&g.configPath, "config", "", "config file (YAML or JSON)")
	pf.StringVar(&g.profile, "profile", "", "fingerprint profile ID or alias")
	pf.DurationVar(&g.timeout, "timeout", 0, "request timeout, e.g. 15s")
	pf.BoolVar(&g.insecure, "insecure", false, "skip certificate verification")
	pf.StringVar(&g.logLevel, "log-level", "", "debug, info, warn or error")

	root.AddCommand(newGetCmd(g))
	root.AddCommand(newRunCmd(g))
	root.AddCommand(newProfilesCmd())
	root.AddCommand(newJA3Cmd())
	return root
}

// loadConfig layers defaults, the config file, the environment and the
// flags the user actually set.
func loadConfig(cmd *cobra.Command, g *globalFlags) (*config.Config, error) {
	cfg := config.DefaultConfig()
	if g.configPath != "" {
		var err error
		cfg, err = config.LoadConfig(g.configPath)
		if err != nil {
			return nil, err
		}
	}
	if err := cfg.ApplyEnv(); err != nil {
		return nil, err
	}

	flags := cmd.Flags()
	if flags.Changed("profile") {
		cfg.Profile = g.profile
	}
	if flags.Changed("timeout") {
		cfg.Timeout = g.timeout
	}
	if flags.Changed("insecure") {
		cfg.VerifyCertificates = !g.insecure
	}
	if flags.Changed("log-level") {
		cfg.LogLevel = g.logLevel
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func newLogger(cfg *config.Config, stderr io.Writer) (*logger.Logger, error) {
	opts := cfg.LoggerOptions()
	if opts.File == "" {
		opts.Writer = stderr
	}
	return logger.NewWithOptions(opts)
}

// parseHeader splits "Name: value".
func parseHeader(s string) (string, string, error) {
	name, value, ok := strings.Cut(s, ":")
	name = strings.TrimSpace(name)
	if !ok || name == "" {
		return "", "", fmt.Errorf("invalid header %q, want \"Name: value\"", s)
	}
	return name, strings.TrimSpace(value), nil
}

func newGetCmd(g *globalFlags) *cobra.Command {
	var (
		method  string
		headers []string
		data    string
		jq      string
		include bool
		solve   bool
	)
	cmd := &cobra.Command{
		Use:   "get URL",
		Short: "Send one request and print the response body",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd, g)
			if err != nil {
				return err
			}
			log, err := newLogger(cfg, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer log.Close()

			s, err := session.New(cfg, session.WithLogger(log))
			if err != nil {
				return err
			}
			defer s.Close()

			opts := make([]session.RequestOption, 0, len(headers)+1)
			for _, h := range headers {
				name, value, err := parseHeader(h)
				if err != nil {
					return err
				}
				opts = append(opts, session.WithHeader(name, value))
			}
			if data != "" {
				opts = append(opts, session.WithBody([]byte(data), "application/x-www-form-urlencoded"))
				if !cmd.Flags().Changed("method") {
					method = "POST"
				}
			}

			ctx := cmd.Context()
			resp, err := s.Request(ctx, method, args[0], opts...)
			if err != nil {
				return err
			}
			if v := resp.Challenge(); v.Challenged() {
				log.Info("challenge detected", "kind", v.Kind.String(), "reason", v.Reason)
				if solve && v.Kind == challenge.JSChallenge {
					if _, err := s.SolveChallenge(resp); err != nil {
						return err
					}
					if resp, err = s.Request(ctx, method, args[0], opts...); err != nil {
						return err
					}
				}
			}
			return printResponse(cmd.OutOrStdout(), resp, include, jq)
		},
	}
	f := cmd.Flags()
	f.StringVarP(&method, "method", "X", "GET", "request method")
	f.StringArrayVarP(&headers, "header", "H", nil, `extra header "Name: value" (repeatable)`)
	f.StringVarP(&data, "data", "d", "", "form-encoded request body; implies POST")
	f.StringVar(&jq, "jq", "", "jq expression applied to a JSON body")
	f.BoolVarP(&include, "include", "i", false, "print the status line and headers")
	f.BoolVar(&solve, "solve", false, "run JavaScript challenges and retry once")
	return cmd
}

func printResponse(w io.Writer, resp *session.Response, include bool, jq string) error {
	if include {
		fmt.Fprintf(w, "%s %s\n", resp.Proto, resp.Status)
		for _, h := range resp.Headers {
			fmt.Fprintf(w, "%s: %s\n", h.Name, h.Value)
		}
		fmt.Fprintln(w)
	}
	if jq == "" {
		text, err := resp.Text()
		if err != nil {
			return err
		}
		_, err = io.WriteString(w, text)
		return err
	}

	values, err := resp.JQ(jq)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	for _, v := range values {
		if err := enc.Encode(v); err != nil {
			return err
		}
	}
	return nil
}

func newProfilesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List the built-in fingerprint profiles",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			reg := profile.Default()
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "ID\tBROWSER\tALPN\tJA3 HASH")
			for _, id := range reg.IDs() {
				p, err := reg.Lookup(id)
				if err != nil {
					return err
				}
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", p.ID, p.Browser, strings.Join(p.ALPN, ","), p.JA3Hash())
			}
			return tw.Flush()
		},
	}
}

func newJA3Cmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ja3 [PROFILE]",
		Short: "Print the JA3 fingerprint of a profile",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id := config.DefaultConfig().Profile
			if len(args) == 1 {
				id = args[0]
			}
			p, err := profile.Default().Lookup(id)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s\n%s\n", p.JA3(), p.JA3Hash())
			return nil
		},
	}
}
