// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package main

import (
	"github.com/spf13/cobra"
)

// --- Global Command Variables ---
var (
	configPath       string
	logLevel         string
	personalityLevel string // full/standard/minimal/machine
	traceFile        string

	resumeID    string
	modelName   string
	providerID  string
	temperature float64
	assumeYes   bool
)

var (
	rootCmd = &cobra.Command{
		Use:   "graphite",
		Short: "Chat with a streaming assistant from the terminal",
		Long: `Graphite streams assistant replies from a chat endpoint, keeps every
session in a local archive and can export transcripts.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	chatCmd = &cobra.Command{
		Use:   "chat",
		Short: "Start an interactive chat session",
		Args:  cobra.NoArgs,
		RunE:  withApp(runChatCommand), // Defined in cmd_chat.go
	}

	askCmd = &cobra.Command{
		Use:   "ask [prompt]",
		Short: "Send one message and print the reply",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runAskCommand), // Defined in cmd_chat.go
	}

	// --- Session Archive ---
	sessionsCmd = &cobra.Command{
		Use:     "sessions",
		Short:   "Manage archived chat sessions",
		Aliases: []string{"session"},
	}
	listSessionsCmd = &cobra.Command{
		Use:   "list",
		Short: "List archived sessions, newest first",
		Args:  cobra.NoArgs,
		RunE:  withApp(runListSessions), // Defined in cmd_sessions.go
	}
	showSessionCmd = &cobra.Command{
		Use:   "show [session_id]",
		Short: "Print the transcript of a session",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runShowSession),
	}
	deleteSessionCmd = &cobra.Command{
		Use:   "delete [session_id]",
		Short: "Delete a session from the archive",
		Args:  cobra.ExactArgs(1),
		RunE:  withApp(runDeleteSession),
	}
	exportSessionCmd = &cobra.Command{
		Use:   "export [session_id...]",
		Short: "Export sessions as Markdown to GCS or the export directory",
		Args:  cobra.MinimumNArgs(1),
		RunE:  withApp(runExportSessions),
	}

	versionCmd = &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Args:  cobra.NoArgs,
		Run:   runVersion, // Defined in cmd_version.go
	}
)

func init() {
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "",
		"Path to config.yaml (default ~/.graphite/config.yaml)")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "",
		"Log level: debug, info, warn or error")
	rootCmd.PersistentFlags().StringVar(&personalityLevel, "personality", "",
		"Output style: full, standard, minimal, or machine (scripting)")
	rootCmd.PersistentFlags().StringVar(&traceFile, "trace-file", "",
		"Write OpenTelemetry spans as JSON to this file")

	rootCmd.AddCommand(chatCmd)
	chatCmd.Flags().StringVar(&resumeID, "resume", "", "Resume an archived session by ID")
	for _, c := range []*cobra.Command{chatCmd, askCmd} {
		c.Flags().StringVar(&modelName, "model", "", "Model requested from the server")
		c.Flags().StringVar(&providerID, "provider", "", "Provider requested from the server")
		c.Flags().Float64Var(&temperature, "temperature", -1, "Sampling temperature (0-2)")
	}

	rootCmd.AddCommand(askCmd)

	rootCmd.AddCommand(sessionsCmd)
	sessionsCmd.AddCommand(listSessionsCmd)
	sessionsCmd.AddCommand(showSessionCmd)
	sessionsCmd.AddCommand(deleteSessionCmd)
	sessionsCmd.AddCommand(exportSessionCmd)
	deleteSessionCmd.Flags().BoolVarP(&assumeYes, "yes", "y", false, "Delete without asking")

	rootCmd.AddCommand(versionCmd)
}
