package main

import (
	"context"
	"errors"
	"fmt"
	"os"

	"github.com/cuemby/meridian/pkg/abac"
	"github.com/cuemby/meridian/pkg/ferrors"
	"github.com/spf13/cobra"
)

var policyCmd = &cobra.Command{
	Use:   "policy",
	Short: "Manage stored ABAC policy expressions",
}

func openPolicyRepository(cmd *cobra.Command) (abac.PolicyRepository, func(), error) {
	dataDir, _ := cmd.Flags().GetString("data-dir")
	repo, _, err := abac.OpenRepositories(dataDir)
	if err != nil {
		return nil, nil, fmt.Errorf("meridianctl: open policy repository: %w", err)
	}
	return repo, func() {}, nil
}

var policySetCmd = &cobra.Command{
	Use:   "set RESOURCE ACTION",
	Short: "Store a policy expression for (resource, action), read as JSON from --expr or --expr-file",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		exprJSON, _ := cmd.Flags().GetString("expr")
		exprFile, _ := cmd.Flags().GetString("expr-file")
		if exprJSON == "" && exprFile == "" {
			return fmt.Errorf("meridianctl: one of --expr or --expr-file is required")
		}
		if exprFile != "" {
			data, err := os.ReadFile(exprFile)
			if err != nil {
				return fmt.Errorf("meridianctl: read --expr-file: %w", err)
			}
			exprJSON = string(data)
		}
		expr, err := abac.UnmarshalExpr([]byte(exprJSON))
		if err != nil {
			return fmt.Errorf("meridianctl: parse policy expression: %w", err)
		}

		repo, closeFn, err := openPolicyRepository(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		key := abac.PolicyKey{Resource: args[0], Action: args[1]}
		if err := repo.StorePolicy(context.Background(), key, expr); err != nil {
			return fmt.Errorf("meridianctl: store policy: %w", err)
		}
		fmt.Printf("stored policy for resource=%s action=%s\n", args[0], args[1])
		return nil
	},
}

var policyGetCmd = &cobra.Command{
	Use:   "get RESOURCE ACTION",
	Short: "Print the policy expression stored for (resource, action) as JSON",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeFn, err := openPolicyRepository(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		key := abac.PolicyKey{Resource: args[0], Action: args[1]}
		expr, err := repo.GetPolicy(context.Background(), key)
		if errors.Is(err, ferrors.ErrNotFound) {
			return fmt.Errorf("meridianctl: no policy for resource=%s action=%s", args[0], args[1])
		}
		if err != nil {
			return fmt.Errorf("meridianctl: get policy: %w", err)
		}
		data, err := abac.MarshalExpr(expr)
		if err != nil {
			return fmt.Errorf("meridianctl: marshal policy: %w", err)
		}
		page(string(data) + "\n")
		return nil
	},
}

var policyDeleteCmd = &cobra.Command{
	Use:   "delete RESOURCE ACTION",
	Short: "Delete the policy stored for (resource, action)",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		repo, closeFn, err := openPolicyRepository(cmd)
		if err != nil {
			return err
		}
		defer closeFn()

		key := abac.PolicyKey{Resource: args[0], Action: args[1]}
		if err := repo.DeletePolicy(context.Background(), key); err != nil {
			return fmt.Errorf("meridianctl: delete policy: %w", err)
		}
		fmt.Printf("deleted policy for resource=%s action=%s\n", args[0], args[1])
		return nil
	},
}

func init() {
	policyCmd.AddCommand(policySetCmd)
	policyCmd.AddCommand(policyGetCmd)
	policyCmd.AddCommand(policyDeleteCmd)

	policyCmd.PersistentFlags().String("data-dir", "./meridian-data", "Directory holding this node's bbolt-backed repositories")
	policySetCmd.Flags().String("expr", "", `Policy expression as JSON, e.g. {"op":"eq","scope":"subject","key":"role","value":"admin"}`)
	policySetCmd.Flags().String("expr-file", "", "Path to a file containing the policy expression as JSON")
}
