package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/polzovatel/ui-self-healing-agent/internal/diagnosis"
	"github.com/polzovatel/ui-self-healing-agent/internal/rules"
	"github.com/polzovatel/ui-self-healing-agent/internal/snapshot"
)

var diffCmd = &cobra.Command{
	Use:   "diff <before.json> <after.json>",
	Short: "Compare two saved snapshots",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		before, err := snapshot.Load(args[0])
		if err != nil {
			return err
		}
		after, err := snapshot.Load(args[1])
		if err != nil {
			return err
		}
		changes := snapshot.Diff(before, after)
		if changes == nil {
			changes = []snapshot.Change{}
		}
		return printResult(cmd.OutOrStdout(), changes)
	},
}

var (
	patchSnapshot string
	patchBefore   string
	patchError    string
)

var patchCmd = &cobra.Command{
	Use:   "patch <script-file>",
	Short: "Preview the rule-based diagnosis and patch for a failed script",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		src, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read script: %w", err)
		}
		var current, before *snapshot.Snapshot
		if patchSnapshot != "" {
			if current, err = snapshot.Load(patchSnapshot); err != nil {
				return err
			}
		}
		if patchBefore != "" {
			if before, err = snapshot.Load(patchBefore); err != nil {
				return err
			}
		}
		var changes []snapshot.Change
		if before != nil && current != nil {
			changes = snapshot.Diff(before, current)
		}

		diag := diagnosis.FromRules(rules.Diagnose(patchError, changes))
		patched := rules.Patch(string(src), current, rules.PatchOptions{
			SettleDelay: cfg.Browser.Settle(),
			Changes:     changes,
		})
		return printResult(cmd.OutOrStdout(), struct {
			Diagnosis diagnosis.Diagnosis `json:"diagnosis" yaml:"diagnosis"`
			Changes   int                 `json:"changes"   yaml:"changes"`
			Script    string              `json:"script"    yaml:"script"`
		}{diag, len(changes), patched})
	},
}

func init() {
	patchCmd.Flags().StringVar(&patchSnapshot, "snapshot", "", "Snapshot of the UI after the failure")
	patchCmd.Flags().StringVar(&patchBefore, "before", "", "Snapshot of the UI before the failure, enables change hints")
	patchCmd.Flags().StringVar(&patchError, "error", "", "Error message reported by the failed run")
}
