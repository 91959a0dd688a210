package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
)

var callCmd = &cobra.Command{
	Use:   "call METHOD [ARG...]",
	Short: "Call a method and print its result as JSON",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		result, err := s.client.Call(ctx, args[0], params...)
		if err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		data, err := json.MarshalIndent(printable(result), "", "  ")
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), string(data))
		return nil
	},
}

var notifyCmd = &cobra.Command{
	Use:   "notify METHOD [ARG...]",
	Short: "Send a notification; no response is expected",
	Args:  cobra.MinimumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		params, err := parseArgs(args[1:])
		if err != nil {
			return err
		}
		ctx := cmd.Context()
		s, err := openSession(ctx)
		if err != nil {
			return err
		}
		defer s.close()

		if err := s.client.Notify(ctx, args[0], params...); err != nil {
			return fmt.Errorf("%s: %w", args[0], err)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(callCmd)
	rootCmd.AddCommand(notifyCmd)
}
