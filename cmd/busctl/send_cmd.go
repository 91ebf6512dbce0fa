package main

import (
	"github.com/spf13/cobra"
)

type sendOpts struct {
	*rootOpts
}

func newSend(parent *rootOpts) *sendOpts {
	return &sendOpts{rootOpts: parent}
}

func (opts *sendOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "send ADDRESS BODY",
		Short: "Deliver a body to one handler of an address.",
		Args:  exactArgs(2, errorWantedAddressAndBody),
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *sendOpts) RunE(cmd *cobra.Command, args []string) error {
	bus, err := opts.connect(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer bus.Close()

	return bus.Send(args[0], parseBody(args[1]), nil)
}
