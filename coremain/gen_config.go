package coremain

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

func newGenConfigCmd() *cobra.Command {
	var out string
	c := &cobra.Command{
		Use:   "gen-config [-o file]",
		Short: "Print the default config.",
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(out) == 0 {
				return writeDefaultConfig(cmd.OutOrStdout())
			}
			f, err := os.OpenFile(out, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
			if err != nil {
				return err
			}
			defer f.Close()
			return writeDefaultConfig(f)
		},
		SilenceUsage: true,
	}
	c.Flags().StringVarP(&out, "output", "o", "", "write to a new file instead of stdout")
	return c
}

func writeDefaultConfig(w io.Writer) error {
	enc := yaml.NewEncoder(w)
	enc.SetIndent(2)
	if err := enc.Encode(defaultConfig()); err != nil {
		return fmt.Errorf("failed to encode config: %w", err)
	}
	return enc.Close()
}
