package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Fralo/trento-tree-detection/internal/config"
)

// NewConfigShowCmd creates the config show command, which prints the
// effective configuration (file, --config overlay and environment) as YAML.
func NewConfigShowCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "show",
		Short: "Print the effective configuration",
		Example: `  tileconv config show
  TILECONV_JOBS=4 tileconv config show`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			data, err := config.GetGlobalConfig().Marshal()
			if err != nil {
				return fmt.Errorf("rendering configuration: %w", err)
			}
			_, err = cmd.OutOrStdout().Write(data)
			return err
		},
	}
}
