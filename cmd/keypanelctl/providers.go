package main

import (
	"fmt"
	"io"
	"strconv"
	"text/tabwriter"

	"keypanel/backend/internal/models"

	"github.com/spf13/cobra"
)

func newProvidersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "providers",
		Short: "Manage provider accounts",
	}
	cmd.AddCommand(newProvidersListCmd(c), newProvidersAddCmd(c), newProvidersToggleCmd(c, "enable", true), newProvidersToggleCmd(c, "disable", false))
	return cmd
}

func newProvidersListCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List provider accounts with cached balances",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			accounts, err := a.Registry.ListAccounts(cmd.Context(), false)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), accounts, func(out io.Writer) {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tNAME\tKIND\tBALANCE\tACTIVE")
				for _, acc := range accounts {
					balance := "unknown"
					if acc.LastBalanceCheck != nil {
						balance = acc.Balance.String() + " " + acc.Currency
					}
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%t\n", acc.ID, acc.Name, acc.Kind, balance, acc.IsActive)
				}
				_ = tw.Flush()
			})
		},
	}
}

func newProvidersAddCmd(c *cli) *cobra.Command {
	var in models.ProviderAccountInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Register a provider account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			account, err := a.Registry.CreateAccount(cmd.Context(), in)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), account, func(out io.Writer) {
				_, _ = fmt.Fprintf(out, "created provider %d (%s)\n", account.ID, account.Name)
			})
		},
	}
	cmd.Flags().StringVar(&in.Name, "name", "", "Display name")
	cmd.Flags().StringVar(&in.Kind, "kind", models.ProviderKindSMMV2, "Adapter kind: smm_v2 or json_rest")
	cmd.Flags().StringVar(&in.BaseURL, "url", "", "API base URL")
	cmd.Flags().StringVar(&in.APIKey, "api-key", "", "API key")
	cmd.Flags().StringVar(&in.Currency, "currency", "", "Balance currency")
	_ = cmd.MarkFlagRequired("name")
	_ = cmd.MarkFlagRequired("url")
	_ = cmd.MarkFlagRequired("api-key")
	return cmd
}

func newProvidersToggleCmd(c *cli, use string, active bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <id>",
		Short: use + " a provider account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if _, err := a.Registry.UpdateAccount(cmd.Context(), id, models.ProviderAccountPatch{IsActive: &active}); err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "provider %d active=%t\n", id, active)
			return nil
		},
	}
}

func newBalancesCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "balances",
		Short: "Provider balance reconciliation",
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "refresh",
		Short: "Refresh every active account's balance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			reports, err := a.Reconciler.RefreshAll(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), reports, func(out io.Writer) {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tACCOUNT\tBALANCE\tLEVEL\tERROR")
				for _, r := range reports {
					balance := "-"
					if r.Balance != nil {
						balance = r.Balance.String() + " " + r.Currency
					}
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%s\t%s\n", r.AccountID, r.AccountName, balance, r.Level, r.Error)
				}
				_ = tw.Flush()
			})
		},
	})
	return cmd
}

func newCatalogCmd(c *cli) *cobra.Command {
	var accountID int64
	cmd := &cobra.Command{
		Use:   "catalog",
		Short: "Provider service catalogs",
	}
	refresh := &cobra.Command{
		Use:   "refresh",
		Short: "Pull service catalogs from providers",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if accountID > 0 {
				result, err := a.Registry.RefreshServiceCatalog(cmd.Context(), accountID)
				if err != nil {
					return err
				}
				return c.render(cmd.OutOrStdout(), result, func(out io.Writer) {
					_, _ = fmt.Fprintf(out, "upserted %d, reactivated %d, delisted %d\n", result.Upserted, result.Reactivated, result.Delisted)
				})
			}
			reports, err := a.Registry.RefreshAllCatalogs(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), reports, func(out io.Writer) {
				for _, r := range reports {
					if r.Error != "" {
						_, _ = fmt.Fprintf(out, "%s: %s\n", r.AccountName, r.Error)
						continue
					}
					_, _ = fmt.Fprintf(out, "%s: upserted %d, reactivated %d, delisted %d\n", r.AccountName, r.Result.Upserted, r.Result.Reactivated, r.Result.Delisted)
				}
			})
		},
	}
	refresh.Flags().Int64Var(&accountID, "account", 0, "Refresh one account only")
	cmd.AddCommand(refresh)
	return cmd
}

func parseID(raw string) (int64, error) {
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", raw)
	}
	return id, nil
}
