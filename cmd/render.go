package cmd

import (
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/loiht2/ml-platform-finetune-orchestrator/converter"
	"github.com/loiht2/ml-platform-finetune-orchestrator/models"
)

var (
	trainingConfigPath string
	renderName         string
	renderNamespace    string
	renderImage        string
	renderOutput       string
)

func init() {
	rootCmd.AddCommand(renderCmd)

	renderCmd.Flags().StringVarP(&trainingConfigPath, "training-config", "t", "", "Path to a training config in YAML. Required.")
	renderCmd.Flags().StringVarP(&renderName, "name", "n", "", "Job name. Derived from the config name or base model when empty.")
	renderCmd.Flags().StringVar(&renderNamespace, "namespace", converter.DefaultNamespace, "Namespace of the generated resources.")
	renderCmd.Flags().StringVarP(&renderImage, "image", "i", "", "Trainer image used when the config doesn't set one.")
	renderCmd.Flags().StringVarP(&renderOutput, "output", "o", "", "Write the manifests to this file instead of stdout.")

	_ = renderCmd.MarkFlagRequired("training-config")
}

var renderCmd = &cobra.Command{
	Use:   "render",
	Short: "Prints the Kubernetes manifests for a training config.",
	Long: `The 'render' command validates a training config and prints the Job and
output PVC the kubernetes provider would create for it, without contacting a
cluster.`,
	RunE: func(cmd *cobra.Command, _ []string) error {
		cfg, err := readTrainingConfig(trainingConfigPath)
		if err != nil {
			return err
		}
		name := renderName
		if name == "" {
			name = converter.JobName(cfg)
		}
		conv := converter.NewConverter(converter.Options{Namespace: renderNamespace, Image: renderImage})
		manifests, err := conv.Render(cfg, name)
		if err != nil {
			return err
		}

		var out io.Writer = cmd.OutOrStdout()
		if renderOutput != "" {
			f, err := os.Create(renderOutput)
			if err != nil {
				return fmt.Errorf("failed to create %s: %w", renderOutput, err)
			}
			defer f.Close()
			out = f
		}
		_, err = out.Write(manifests)
		return err
	},
}

func readTrainingConfig(path string) (models.TrainingConfig, error) {
	var cfg models.TrainingConfig
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("failed to read training config: %w", err)
	}
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return cfg, fmt.Errorf("failed to parse training config %s: %w", path, err)
	}
	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}
