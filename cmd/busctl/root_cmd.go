package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"

	"github.com/luciancaetano/kephasbus"
	"github.com/luciancaetano/kephasbus/ws"
)

const (
	EnvVariableURL = "KEPHASBUS_URL"
	defaultURL     = "ws://localhost:8080/eventbus"
)

type rootOpts struct {
	URL            string
	ConfigFile     string
	Headers        []string
	ConnectTimeout time.Duration
	Verbose        bool

	Config *ws.Config
	Logger *zap.Logger
}

func newRoot() *rootOpts {
	return &rootOpts{}
}

var rootLongHelp = strings.TrimSpace(`
busctl talks to an event bus bridge.

Workflow:
  busctl bridge --addr :8080                        # Run a local bridge.
  busctl listen news                                # Print everything sent to "news".
  busctl publish news '{"title":"hello"}'           # Deliver to every "news" handler.
  busctl send jobs '"resize"'                       # Deliver to one "jobs" handler.
  busctl request echo '{"x":1}' --timeout 5s        # Deliver to one "echo" handler and print the reply.
`)

func (opts *rootOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:               "busctl",
		Long:              rootLongHelp,
		SilenceUsage:      true,
		PersistentPreRunE: opts.PersistentPreRunE,
	}
	cmd.PersistentFlags().StringVarP(&opts.URL, "url", "u", defaultURL,
		fmt.Sprintf("websocket URL of the bridge; you can also set the environment variable %s", EnvVariableURL))
	cmd.PersistentFlags().StringVarP(&opts.ConfigFile, "config", "c", "", "TOML config file")
	cmd.PersistentFlags().StringArrayVarP(&opts.Headers, "header", "H", nil, "header sent with every envelope, as key=value; repeatable")
	cmd.PersistentFlags().DurationVar(&opts.ConnectTimeout, "connect-timeout", 10*time.Second, "how long to wait for the connection to open")
	cmd.PersistentFlags().BoolVarP(&opts.Verbose, "verbose", "v", false, "log protocol activity to stderr")

	cmd.AddCommand(
		newSend(opts).Command(),
		newRequest(opts).Command(),
		newPublish(opts).Command(),
		newListen(opts).Command(),
		newBridge(opts).Command(),
	)

	return cmd
}

func (opts *rootOpts) PersistentPreRunE(cmd *cobra.Command, _ []string) error {
	var err error

	opts.Logger, err = newLogger(opts.Verbose)
	if err != nil {
		return errors.Wrap(err, "creating logger")
	}

	opts.Config = &ws.Config{}
	if opts.ConfigFile != "" {
		if opts.Config, err = ws.LoadConfig(opts.ConfigFile); err != nil {
			return err
		}
	}

	// --url beats the environment, which beats the config file
	url := os.Getenv(EnvVariableURL)
	switch {
	case cmd.Flags().Changed("url"):
		url = opts.URL
	case url != "":
	case opts.Config.Bus.URL != "":
		url = opts.Config.Bus.URL
	default:
		url = opts.URL
	}
	opts.Config.Bus.URL = url
	return nil
}

func newLogger(verbose bool) (*zap.Logger, error) {
	if verbose {
		return zap.NewDevelopment()
	}
	cfg := zap.NewProductionConfig()
	cfg.Level = zap.NewAtomicLevelAt(zapcore.WarnLevel)
	return cfg.Build()
}

// connect opens a bus with the resolved configuration and --header values.
// onClose may be nil.
func (opts *rootOpts) connect(ctx context.Context, onClose func()) (kephasbus.Bus, error) {
	headers, err := parseHeaders(opts.Headers)
	if err != nil {
		return nil, err
	}

	clientCfg := opts.Config.ClientConfig()
	clientCfg.Logger = opts.Logger

	busOpts := opts.Config.Options()
	busOpts.DefaultHeaders = mergeHeaders(busOpts.DefaultHeaders, headers)
	busOpts.OnClose = onClose
	busOpts.OnError = func(f *kephasbus.Failure) {
		opts.Logger.Warn("bus error", zap.Error(f))
	}

	ctx, cancel := context.WithTimeout(ctx, opts.ConnectTimeout)
	defer cancel()
	return ws.Connect(ctx, clientCfg, busOpts)
}

func parseHeaders(pairs []string) (map[string]string, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	headers := make(map[string]string, len(pairs))
	for _, pair := range pairs {
		k, v, ok := strings.Cut(pair, "=")
		if !ok || k == "" {
			return nil, newUsageError(fmt.Sprintf("invalid header %q, expected key=value", pair))
		}
		headers[k] = v
	}
	return headers, nil
}

func mergeHeaders(base, extra map[string]string) map[string]string {
	if len(extra) == 0 {
		return base
	}
	out := make(map[string]string, len(base)+len(extra))
	for k, v := range base {
		out[k] = v
	}
	for k, v := range extra {
		out[k] = v
	}
	return out
}

// parseBody reads a command line body as JSON, falling back to a plain string
func parseBody(arg string) interface{} {
	if json.Valid([]byte(arg)) {
		return json.RawMessage(arg)
	}
	return arg
}

// printMessage writes one delivered message as a single line
func printMessage(cmd *cobra.Command, msg kephasbus.Message) {
	headers, _ := json.Marshal(msg.Headers())
	body := string(msg.Body())
	if body == "" {
		body = "null"
	}
	fmt.Fprintf(cmd.OutOrStdout(), "%s %s %s %s\n", msg.Type(), msg.Address(), headers, body)
}
