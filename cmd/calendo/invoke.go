package main

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"calendo/internal/command"
	"calendo/internal/store"
)

var invokeCmd = &cobra.Command{
	Use:   "invoke <command> [json-args|-]",
	Short: "Run one command against the database and print the JSON result",
	Long: `Run one command against the database and print its JSON result.

Arguments are a JSON object, or "-" to read them from stdin. On failure the
error envelope {success, code, error} is printed and the exit status is 1.

Example:
  calendo invoke generate_recurrences '{"rule":"FREQ=WEEKLY;COUNT=3","dtstart":"2024-03-04T09:00:00",
    "window":{"start":"2024-03-01T00:00:00Z","end":"2024-04-01T00:00:00Z"}}'`,
	Args: cobra.RangeArgs(1, 2),
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		st, err := store.Open(cfg.DBPath)
		if err != nil {
			return err
		}
		defer st.Close()

		reg := command.New(st, command.Options{DefaultTimezone: cfg.Timezone, MaxOccurrences: cfg.MaxOccurrences})
		return runInvoke(cmd, reg, args)
	},
}

func runInvoke(cmd *cobra.Command, reg *command.Registry, args []string) error {
	var raw []byte
	if len(args) == 2 {
		raw = []byte(args[1])
		if args[1] == "-" {
			b, err := io.ReadAll(cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("read stdin: %w", err)
			}
			raw = b
		}
	}

	out, err := reg.Invoke(cmd.Context(), args[0], raw)
	if err != nil {
		if perr := printJSON(cmd.OutOrStdout(), command.FailureOf(err)); perr != nil {
			return perr
		}
		return err
	}
	return printJSON(cmd.OutOrStdout(), out)
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
