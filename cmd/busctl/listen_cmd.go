package main

import (
	"os"
	"os/signal"
	"syscall"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/luciancaetano/kephasbus"
)

type listenOpts struct {
	*rootOpts
	Reply string
	Count int
}

func newListen(parent *rootOpts) *listenOpts {
	return &listenOpts{rootOpts: parent}
}

func (opts *listenOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "listen ADDRESS...",
		Short: "Register on addresses and print every message delivered to them.",
		Args: func(_ *cobra.Command, args []string) error {
			if len(args) == 0 {
				return newUsageError("expected at least one address")
			}
			return nil
		},
		RunE: opts.RunE,
	}
	cmd.Flags().StringVarP(&opts.Reply, "reply", "r", "", "body to answer messages that expect a reply")
	cmd.Flags().IntVarP(&opts.Count, "count", "n", 0, "exit after this many messages; 0 listens until interrupted")
	return cmd
}

func (opts *listenOpts) RunE(cmd *cobra.Command, args []string) error {
	ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	closed := make(chan struct{})
	bus, err := opts.connect(ctx, func() { close(closed) })
	if err != nil {
		return err
	}
	defer bus.Close()

	done := make(chan struct{})
	defer close(done)

	messages := make(chan kephasbus.Message)
	for _, address := range args {
		_, err := bus.RegisterHandler(address, nil, func(failure *kephasbus.Failure, msg kephasbus.Message) {
			if failure != nil {
				opts.Logger.Warn("failure delivered to handler", zap.Error(failure))
				return
			}
			if opts.Reply != "" && msg.ReplyAddress() != "" {
				if err := msg.Reply(parseBody(opts.Reply), nil); err != nil {
					opts.Logger.Warn("reply failed", zap.Error(err))
				}
			}
			select {
			case messages <- msg:
			case <-done:
			}
		})
		if err != nil {
			return errors.Wrapf(err, "registering on %q", address)
		}
	}

	for seen := 0; opts.Count == 0 || seen < opts.Count; seen++ {
		select {
		case msg := <-messages:
			printMessage(cmd, msg)
		case <-closed:
			return errors.New("connection closed")
		case <-ctx.Done():
			return nil
		}
	}
	return nil
}
