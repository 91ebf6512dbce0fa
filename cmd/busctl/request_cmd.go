package main

import (
	"time"

	"github.com/pkg/errors"
	"github.com/spf13/cobra"

	"github.com/luciancaetano/kephasbus"
)

type requestOpts struct {
	*rootOpts
	Timeout time.Duration
}

func newRequest(parent *rootOpts) *requestOpts {
	return &requestOpts{rootOpts: parent}
}

func (opts *requestOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "request ADDRESS BODY",
		Short: "Deliver a body to one handler of an address and print the reply.",
		Args:  exactArgs(2, errorWantedAddressAndBody),
		RunE:  opts.RunE,
	}
	cmd.Flags().DurationVarP(&opts.Timeout, "timeout", "t", 10*time.Second, "how long to wait for the reply")
	return cmd
}

type reply struct {
	failure *kephasbus.Failure
	msg     kephasbus.Message
}

func (opts *requestOpts) RunE(cmd *cobra.Command, args []string) error {
	bus, err := opts.connect(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer bus.Close()

	replies := make(chan reply, 1)
	err = bus.Request(args[0], parseBody(args[1]), nil, func(failure *kephasbus.Failure, msg kephasbus.Message) {
		replies <- reply{failure: failure, msg: msg}
	})
	if err != nil {
		return err
	}

	select {
	case r := <-replies:
		if r.failure != nil {
			return r.failure
		}
		printMessage(cmd, r.msg)
		return nil
	case <-time.After(opts.Timeout):
		return errors.Errorf("no reply from %q within %s", args[0], opts.Timeout)
	case <-cmd.Context().Done():
		return cmd.Context().Err()
	}
}
