package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/qwer2003tw/bouncer/internal/command"
	"github.com/qwer2003tw/bouncer/internal/compliance"
	"github.com/qwer2003tw/bouncer/internal/config"
	"github.com/qwer2003tw/bouncer/internal/risk"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Inspect and validate rule files",
}

var rulesValidateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Compile every configured rule file and report errors",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated(configPath)
		if err != nil {
			return err
		}

		cmdRules, err := command.LoadRules(cfg.BlockedPatternsFile)
		if err != nil {
			return fmt.Errorf("command rules: %w", err)
		}
		compRules, err := compliance.LoadRules(cfg.ComplianceRulesFile, cfg.TrustedAccountIDs)
		if err != nil {
			return fmt.Errorf("compliance rules: %w", err)
		}
		if _, err := compliance.NewChecker(compRules, cfg.TrustedAccountIDs); err != nil {
			return fmt.Errorf("compliance rules: %w", err)
		}
		riskRules, err := risk.LoadRules(cfg.RiskRulesFile)
		if err != nil {
			return fmt.Errorf("risk rules: %w", err)
		}
		if _, err := risk.NewScorer(riskRules); err != nil {
			return fmt.Errorf("risk rules: %w", err)
		}

		cmd.Printf("ok: %d blocked patterns, %d compliance rules, %d risk parameter rules\n",
			len(cmdRules.BlockedPatterns), len(compRules), len(riskRules.ParameterPatterns))
		return nil
	},
}

var rulesListCmd = &cobra.Command{
	Use:   "list",
	Short: "Print the effective compliance rule table",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := config.LoadUnvalidated(configPath)
		if err != nil {
			return err
		}
		compRules, err := compliance.LoadRules(cfg.ComplianceRulesFile, cfg.TrustedAccountIDs)
		if err != nil {
			return err
		}
		for _, r := range compRules {
			cmd.Printf("%-12s %-8s %s\n", r.ID, r.Severity, r.Name)
		}
		return nil
	},
}

func init() {
	rulesCmd.AddCommand(rulesValidateCmd)
	rulesCmd.AddCommand(rulesListCmd)
}
