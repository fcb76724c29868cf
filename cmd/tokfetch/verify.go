package main

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lengrongfu/tokfetch/pkg/bundle"
)

func newVerifyCmd(a *app) *cobra.Command {
	var text string

	cmd := &cobra.Command{
		Use:   "verify [dir]",
		Short: "Check that a directory holds a loadable tokenizer bundle",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := a.requireConfig()
			if err != nil {
				return err
			}
			dir := cfg.Model.OutDir
			if len(args) == 1 {
				dir = args[0]
			}

			report, err := bundle.Verify(dir)
			if err != nil {
				return err
			}
			if report.LoadError != "" {
				a.logger.Warn().Str("error", report.LoadError).Msg("tokenizer.json could not be loaded")
			}

			out := cmd.OutOrStdout()
			if _, err := fmt.Fprintf(out, "%s: %s tokenizer, %d tokens\n  files: %s\n",
				report.Dir, report.ModelType, report.VocabSize, strings.Join(report.Files, ", ")); err != nil {
				return fmt.Errorf("write status: %w", err)
			}

			if text == "" {
				return nil
			}
			ids, err := bundle.Probe(dir, text)
			if err != nil {
				return err
			}
			if _, err := fmt.Fprintf(out, "  ids: %v\n", ids); err != nil {
				return fmt.Errorf("write status: %w", err)
			}
			return nil
		},
	}

	cmd.Flags().StringVar(&text, "text", "", "Encode this text with tokenizer.json and print the token ids")

	return cmd
}
