package main

import (
	"fmt"
	"sort"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Xiaoxue-xx/TextBox/checkpoints"
)

var inspectConfig bool

var inspectCmd = &cobra.Command{
	Use:   "inspect <checkpoint>",
	Short: "Show the contents of a checkpoint",
	Long: `Show the training progress, optimizer state, parameter tensors and last
validation summary stored in a checkpoint. The format is taken from the file
extension (.json or .pb).`,
	Example: `  textbox inspect saved/charlm.json
  textbox inspect saved/charlm_epoch-4.pb --config`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		path := args[0]
		checkpoint, err := checkpoints.NewCheckpointSaver(checkpoints.FormatFromPath(path, checkpoints.FormatJSON)).LoadCheckpoint(path)
		if err != nil {
			return err
		}

		fields := []field{
			{"id", checkpoint.Metadata.ID},
			{"created", checkpoint.Metadata.CreatedAt.Format("2006-01-02 15:04:05")},
			{"model", checkpoint.ConfigString("model")},
			{"epoch", fmt.Sprintf("%d", checkpoint.Epoch)},
			{"best valid score", fmt.Sprintf("%.4f", checkpoint.BestValidScore)},
			{"stopping count", fmt.Sprintf("%d", checkpoint.StoppingCount)},
		}
		if opt := checkpoint.Optimizer; opt != nil {
			fields = append(fields,
				field{"optimizer", opt.Type},
				field{"optimizer tensors", fmt.Sprintf("%d", len(opt.StateData))},
			)
			if step, ok := opt.Parameters["step_count"]; ok {
				fields = append(fields, field{"optimizer steps", fmt.Sprint(step)})
			}
		}
		fmt.Println(panel(path, fields))

		tensors := make([]field, 0, len(checkpoint.StateDict))
		for _, w := range checkpoint.StateDict {
			tensors = append(tensors, field{w.Name, fmt.Sprintf("%v (%d values)", w.Shape, len(w.Data))})
		}
		fmt.Println(panel("Parameters", tensors))

		if s := checkpoint.Summary; s != nil {
			summary := []field{
				{"epoch", fmt.Sprintf("%d", s.EpochIdx)},
				{"mode", string(s.Mode)},
				{"loss", fmt.Sprintf("%.4f", s.Loss)},
			}
			fmt.Println(panel("Last validation", append(summary, resultFields(s.Results)...)))
		}

		if inspectConfig {
			keys := make([]string, 0, len(checkpoint.Config))
			for key := range checkpoint.Config {
				keys = append(keys, key)
			}
			sort.Strings(keys)
			config := make([]field, 0, len(keys))
			for _, key := range keys {
				config = append(config, field{key, strings.TrimSpace(fmt.Sprint(checkpoint.Config[key]))})
			}
			fmt.Println(panel("Configuration", config))
		}
		return nil
	},
}

func init() {
	inspectCmd.Flags().BoolVar(&inspectConfig, "config", false, "Also show the stored training configuration")
}
