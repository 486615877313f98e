package cmd

import (
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "finetune-orchestrator",
	Short: "Runs LLM fine-tuning jobs across compute providers.",
	Long: `finetune-orchestrator submits parameter-efficient fine-tuning jobs to
Kubernetes or RunPod, tracks their progress, pauses and resumes them from
checkpoints and forwards training metrics to an experiment tracker.`,
	SilenceUsage: true,
}

// Execute runs the root command
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		logrus.Error(err)
		os.Exit(1)
	}
}
