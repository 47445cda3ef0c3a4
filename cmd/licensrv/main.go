// Copyright (c) 2026, the tyfweb contributors.
// SPDX-License-Identifier: GPL-2.0-or-later

package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/tyfweb/twf-license-management-sub000/internal/buildinfo"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "licensrv",
		Short: "License issuance and activation server",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	rootCmd.AddCommand(RunServeCommand())
	rootCmd.AddCommand(RunVersionCommand())
	rootCmd.AddCommand(RunKeysCommand())
	rootCmd.AddCommand(RunAPIKeyCommand())
	rootCmd.AddCommand(RunOfflineCommand())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func RunVersionCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print version information",
		Run: func(cmd *cobra.Command, _ []string) {
			cmd.Print(buildinfo.String())
		},
	}
}
