package main

import (
	"errors"
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"llamad/internal/registry"
)

var modelsDir string

var errNoModels = errors.New("no models found")

var modelsCmd = &cobra.Command{
	Use:   "models",
	Short: "List GGUF models in the models directory",
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		if cmd.Flags().Changed("models-dir") {
			cfg.ModelsDir = modelsDir
		}
		models, err := registry.LoadDir(cfg.ModelsDir)
		if err != nil {
			return err
		}
		if len(models) == 0 {
			return fmt.Errorf("%w in %s", errNoModels, cfg.ModelsDir)
		}
		tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ID\tSIZE\tPATH")
		for _, m := range models {
			fmt.Fprintf(tw, "%s\t%s\t%s\n", m.ID, humanSize(m.SizeBytes), m.Path)
		}
		return tw.Flush()
	},
}

func init() {
	modelsCmd.Flags().StringVar(&modelsDir, "models-dir", "", "Directory scanned for *.gguf models")
	rootCmd.AddCommand(modelsCmd)
}

func humanSize(n int64) string {
	const unit = 1024
	if n < unit {
		return fmt.Sprintf("%d B", n)
	}
	div, exp := int64(unit), 0
	for m := n / unit; m >= unit; m /= unit {
		div *= unit
		exp++
	}
	return fmt.Sprintf("%.1f %ciB", float64(n)/float64(div), "KMGTPE"[exp])
}
