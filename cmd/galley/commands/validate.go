package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/policy"
)

func newValidateCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "validate [recipe...]",
		Short: "Validate recipes and check policies without running anything",
		Long: `Evaluate the recipes of the run list and check the resulting collection.

Validation covers recipe schemas, resource types and actions, typed
properties, notification targets and duplicate resources, then evaluates the
declaration policies. Guards are not evaluated and no action runs.`,
		Example: `  # Validate every recipe
  galley validate

  # Validate with site policies
  galley validate nginx --policy ./policies`,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			p, err := a.prepare(ctx, args)
			if err != nil {
				return &ExitError{Code: ExitInvalidCookbook, Err: err}
			}
			if err := engine.Validate(p.collection, p.registry); err != nil {
				return &ExitError{Code: ExitInvalidCookbook, Err: err}
			}

			result, policyErr := a.checkPolicies(ctx, p, "validate", false)
			if result == nil {
				return policyErr
			}

			evaluated := make([]*policy.Policy, 0, len(result.EvaluatedPolicies))
			for _, name := range result.EvaluatedPolicies {
				pol, err := a.policies.GetPolicy(name)
				if err != nil {
					return err
				}
				evaluated = append(evaluated, pol)
			}

			if opts.jsonOutput {
				if err := writeJSON(a.out, map[string]interface{}{
					"run_list":  p.runList,
					"resources": p.collection.Len(),
					"policy":    result,
				}); err != nil {
					return err
				}
			} else {
				printValidation(a.out, p.collection, result, evaluated)
				if policyErr == nil {
					fmt.Fprintf(a.out, "%d resources valid\n", p.collection.Len())
				}
			}
			return policyErr
		},
	}

	return cmd
}
