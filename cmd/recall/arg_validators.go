package main

import (
	"errors"
	"fmt"
	"strconv"

	"github.com/spf13/cobra"
)

func requireExactlyArgs(count int, message string) cobra.PositionalArgs {
	return func(_ *cobra.Command, args []string) error {
		if len(args) != count {
			return errors.New(message)
		}
		return nil
	}
}

func requireSequenceArg(cmd *cobra.Command, args []string) error {
	if err := requireExactlyArgs(1, "sequence is required")(cmd, args); err != nil {
		return err
	}
	_, err := parseSequence(args[0])
	return err
}

func parseSequence(raw string) (int64, error) {
	seq, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || seq <= 0 {
		return 0, fmt.Errorf("invalid sequence %q", raw)
	}
	return seq, nil
}
