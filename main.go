package main

import "github.com/loiht2/ml-platform-finetune-orchestrator/cmd"

func main() {
	cmd.Execute()
}
