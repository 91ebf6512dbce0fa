package main

import (
	"github.com/pkg/errors"
	"github.com/spf13/cobra"
)

type usageError struct {
	error
}

func newUsageError(msg string) usageError {
	return usageError{error: errors.New(msg)}
}

var errorWantedAddressAndBody = newUsageError("expected an address and a body")

// exactArgs is cobra.ExactArgs returning a usageError
func exactArgs(n int, err usageError) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != n {
			return err
		}
		return nil
	}
}
