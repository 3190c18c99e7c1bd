package commands

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/openfroyo/galley/pkg/engine"
	"github.com/openfroyo/galley/pkg/policy"
)

func newPolicyCommand(opts *options) *cobra.Command {
	cmd := &cobra.Command{
		Use:     "policy",
		Aliases: []string{"policies"},
		Short:   "Inspect declaration policies",
		Long: `Inspect the built-in policies and those loaded with --policy.

--enable-policy and --disable-policy apply here as they do for run and
validate.`,
	}

	cmd.AddCommand(newPolicyListCommand(opts))
	cmd.AddCommand(newPolicyShowCommand(opts))
	cmd.AddCommand(newPolicyCheckCommand(opts))

	return cmd
}

func newPolicyListCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List policies",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			listed := a.policies.ListPolicies()
			if opts.jsonOutput {
				return writeJSON(a.out, listed)
			}
			policies := make([]*policy.Policy, len(listed))
			for i := range listed {
				policies[i] = &listed[i]
			}
			printPolicies(a.out, policies)
			return nil
		},
	}
}

func newPolicyShowCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "show NAME",
		Short: "Print a policy and its Rego source",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(cmd.Context()) }()

			pol, err := a.policies.GetPolicy(args[0])
			if err != nil {
				return err
			}
			if opts.jsonOutput {
				return writeJSON(a.out, pol)
			}
			fmt.Fprintf(a.out, "# %s (%s, enabled=%t)\n", pol.Name, pol.Severity, pol.Enabled)
			if pol.Description != "" {
				fmt.Fprintf(a.out, "# %s\n", pol.Description)
			}
			fmt.Fprintln(a.out, pol.Rego)
			return nil
		},
	}
}

func newPolicyCheckCommand(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "check RESOURCE [recipe...]",
		Short: "Evaluate policies against one declared resource",
		Example: `  galley policy check 'file[/etc/motd]'
  galley policy check 'execute[migrate]' app --disable-policy unguarded-command`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()
			a, err := newApp(cmd, opts)
			if err != nil {
				return err
			}
			defer func() { _ = a.Close(ctx) }()

			id, err := engine.ParseResourceID(args[0])
			if err != nil {
				return err
			}
			p, err := a.prepare(ctx, args[1:])
			if err != nil {
				return &ExitError{Code: ExitInvalidCookbook, Err: err}
			}
			res, ok := p.collection.Get(id)
			if !ok {
				return fmt.Errorf("resource %s is not declared by %v", id, p.runList)
			}

			result, err := a.policies.EvaluateResource(ctx, res, &policy.PolicyContext{
				RunList:   p.runList,
				Operation: "validate",
			})
			if err != nil {
				return err
			}

			if opts.jsonOutput {
				if err := writeJSON(a.out, result); err != nil {
					return err
				}
			} else {
				for _, v := range result.Violations {
					fmt.Fprintln(a.out, v.String())
				}
				fmt.Fprintf(a.out, "%s: %d violations (%d policies)\n", id, len(result.Violations), len(result.EvaluatedPolicies))
			}
			if !result.Allowed {
				return &ExitError{Code: ExitPolicyBlocked, Err: result.Err()}
			}
			return nil
		},
	}
}
