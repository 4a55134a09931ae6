package main

import (
	"fmt"

	"github.com/jonathan/robopost/internal/config"
	"github.com/jonathan/robopost/internal/types"
	"github.com/spf13/cobra"
)

var usersCmd = &cobra.Command{
	Use:   "users",
	Short: "Manage user accounts",
}

var setRoleCmd = &cobra.Command{
	Use:   "set-role <email> <user|admin>",
	Short: "Change an account's role",
	Long:  `Change an account's role. The new role takes effect on the user's next login.`,
	Args:  cobra.ExactArgs(2),
	RunE:  runSetRole,
}

var industriesCmd = &cobra.Command{
	Use:   "industries",
	Short: "Manage the industry catalog",
}

var industryDescription string

var addIndustryCmd = &cobra.Command{
	Use:   "add <slug> <name>",
	Short: "Add an industry label",
	Args:  cobra.ExactArgs(2),
	RunE:  runAddIndustry,
}

var listIndustriesCmd = &cobra.Command{
	Use:   "list",
	Short: "List industry labels",
	Args:  cobra.NoArgs,
	RunE:  runListIndustries,
}

func init() {
	usersCmd.AddCommand(setRoleCmd)
	addIndustryCmd.Flags().StringVar(&industryDescription, "description", "", "Optional description")
	industriesCmd.AddCommand(addIndustryCmd, listIndustriesCmd)
	rootCmd.AddCommand(usersCmd, industriesCmd)
}

func runSetRole(cmd *cobra.Command, args []string) error {
	role := types.Role(args[1])
	if !role.Valid() {
		return fmt.Errorf("invalid role %q: must be user or admin", args[1])
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	if err := store.SetUserRole(cmd.Context(), args[0], role); err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s is now %s\n", args[0], role)
	return nil
}

func runAddIndustry(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	var description *string
	if industryDescription != "" {
		description = &industryDescription
	}
	industry, err := store.CreateIndustry(cmd.Context(), args[0], args[1], description)
	if err != nil {
		return err
	}
	_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", industry.ID, industry.Slug, industry.Name)
	return nil
}

func runListIndustries(cmd *cobra.Command, _ []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return err
	}
	store, closeStore, err := openStore(cmd.Context(), cfg.Database)
	if err != nil {
		return err
	}
	defer closeStore()

	industries, err := store.ListIndustries(cmd.Context())
	if err != nil {
		return err
	}
	for _, industry := range industries {
		_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\t%s\n", industry.ID, industry.Slug, industry.Name)
	}
	return nil
}
