package main

import (
	"github.com/spf13/cobra"
)

type publishOpts struct {
	*rootOpts
}

func newPublish(parent *rootOpts) *publishOpts {
	return &publishOpts{rootOpts: parent}
}

func (opts *publishOpts) Command() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "publish ADDRESS BODY",
		Short: "Deliver a body to every handler of an address.",
		Args:  exactArgs(2, errorWantedAddressAndBody),
		RunE:  opts.RunE,
	}
	return cmd
}

func (opts *publishOpts) RunE(cmd *cobra.Command, args []string) error {
	bus, err := opts.connect(cmd.Context(), nil)
	if err != nil {
		return err
	}
	defer bus.Close()

	return bus.Publish(args[0], parseBody(args[1]), nil)
}
