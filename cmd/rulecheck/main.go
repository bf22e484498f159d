package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"sort"

	"github.com/liamcoop/computedrules/computed"
	"github.com/liamcoop/computedrules/rules"
	"github.com/liamcoop/computedrules/store"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

// Exit codes
const (
	exitSuccess = 0
	exitError   = 1
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(exitError)
	}
	os.Exit(exitSuccess)
}

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:           "rulecheck",
		Short:         "Validate and evaluate computed rule files",
		SilenceUsage:  true,
		SilenceErrors: false,
	}

	root.AddCommand(newValidateCmd())
	root.AddCommand(newEvalCmd())
	return root
}

func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate FILE",
		Short: "Load and compile a rule file, printing each compiled expression",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			list, err := rules.NewLoader().LoadFromFile(args[0])
			if err != nil {
				return err
			}
			compiled, err := rules.Compile(nil, list)
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			exprs := compiled.Expressions()
			for _, name := range sortedKeys(exprs) {
				fmt.Fprintf(out, "%s: %s\n", name, exprs[name])
			}
			fmt.Fprintf(out, "%d rule(s) OK\n", len(exprs))
			return nil
		},
	}
}

// evalOutput is the --output json document
type evalOutput struct {
	Results      rules.Result `json:"results"`
	Dependencies []string     `json:"dependencies"`
}

func newEvalCmd() *cobra.Command {
	var (
		statePath string
		format    string
	)

	cmd := &cobra.Command{
		Use:   "eval FILE",
		Short: "Evaluate a rule file once against a state document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if format != "text" && format != "json" {
				return fmt.Errorf("unknown output format %q (use: text, json)", format)
			}

			step, err := loadComputeStep(args[0])
			if err != nil {
				return err
			}
			state, err := loadState(statePath)
			if err != nil {
				return err
			}

			deps := computed.NewDependencies()
			derived, err := computed.Track(state, deps, step)
			if err != nil {
				return err
			}

			result := evalOutput{Results: rules.Of(derived), Dependencies: deps.Fields()}
			return writeEval(cmd.OutOrStdout(), format, result)
		},
	}

	cmd.Flags().StringVar(&statePath, "state", "", "YAML or JSON file holding the state to evaluate (required)")
	cmd.Flags().StringVarP(&format, "output", "o", "text", "Output format: text or json")
	_ = cmd.MarkFlagRequired("state")
	return cmd
}

func loadComputeStep(path string) (computed.ComputeFunc, error) {
	list, err := rules.NewLoader().LoadFromFile(path)
	if err != nil {
		return nil, err
	}
	return rules.BuildComputeStep(nil, list)
}

func loadState(path string) (store.State, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading state %s: %w", path, err)
	}

	var state store.State
	if err := yaml.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("parsing state %s: %w", path, err)
	}
	if state == nil {
		state = store.State{}
	}
	return state, nil
}

func writeEval(w io.Writer, format string, result evalOutput) error {
	if format == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(result)
	}

	for _, name := range sortedKeys(result.Results) {
		fmt.Fprintf(w, "%s: %t\n", name, result.Results[name])
	}
	fmt.Fprintf(w, "dependencies: %v\n", result.Dependencies)
	return nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
