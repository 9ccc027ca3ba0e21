package main

import (
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/jkaninda/memsandbox/internal/sandbox/policy"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Inspect sandbox policies",
}

var policyShowCmd = &cobra.Command{
	Use:       "show [preset]",
	Short:     "Print the effective policy for a preset, with config overrides applied",
	Args:      cobra.MaximumNArgs(1),
	ValidArgs: policy.PresetNames(),
	RunE:      runPolicyShow,
}

func init() {
	policyCmd.AddCommand(policyShowCmd)
}

func runPolicyShow(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	preset := cfg.Sandbox.Preset
	if len(args) == 1 {
		preset = args[0]
	}
	if preset == "" {
		preset = policy.PresetDefault
	}

	pol, err := cfg.Sandbox.PolicyFor(preset)
	if err != nil {
		return err
	}

	out, err := yaml.Marshal(struct {
		Preset string        `yaml:"preset"`
		Policy policy.Config `yaml:"policy"`
	}{preset, pol})
	if err != nil {
		return fmt.Errorf("encoding policy: %w", err)
	}
	_, err = cmd.OutOrStdout().Write(out)
	return err
}
