package main

import (
	"fmt"
	"io"
	"text/tabwriter"
	"time"

	"keypanel/backend/internal/keys"
	"keypanel/backend/internal/models"

	"github.com/spf13/cobra"
)

func newKeysCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keys",
		Short: "Issue and inspect redemption keys",
	}
	cmd.AddCommand(
		newKeysIssueCmd(c),
		newKeysListCmd(c),
		newKeysCheckCmd(c),
		newKeysExpireCmd(c),
	)
	return cmd
}

func newKeysIssueCmd(c *cli) *cobra.Command {
	var (
		params    models.KeyIssueParams
		expiresIn time.Duration
	)
	cmd := &cobra.Command{
		Use:   "issue",
		Short: "Generate a batch of keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			if expiresIn > 0 {
				at := time.Now().UTC().Add(expiresIn)
				params.ExpiresAt = &at
			}
			issued, err := a.Keys.Issue(cmd.Context(), params)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), issued, func(out io.Writer) {
				for _, key := range issued {
					_, _ = fmt.Fprintln(out, key.Value)
				}
			})
		},
	}
	cmd.Flags().StringVar(&params.Category, "category", "", "Key category, a platform or platform.type")
	cmd.Flags().IntVar(&params.TotalQuota, "quota", 1, "Orders each key may place")
	cmd.Flags().IntVar(&params.Count, "count", 1, "Number of keys to generate")
	cmd.Flags().StringVar(&params.Note, "note", "", "Free-form note stored with each key")
	cmd.Flags().DurationVar(&expiresIn, "expires-in", 0, "Expire keys after this long (default: never)")
	_ = cmd.MarkFlagRequired("category")
	return cmd
}

func newKeysListCmd(c *cli) *cobra.Command {
	var filter models.KeyFilter
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List keys",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			items, total, err := a.Keys.List(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), items, func(out io.Writer) {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tKEY\tCATEGORY\tUSED\tSTATUS")
				for _, key := range items {
					_, _ = fmt.Fprintf(tw, "%d\t%s\t%s\t%d/%d\t%s\n", key.ID, keys.Mask(key.Value), key.Category, key.UsedCount, key.TotalQuota, key.Status)
				}
				_ = tw.Flush()
				_, _ = fmt.Fprintf(out, "total: %d\n", total)
			})
		},
	}
	cmd.Flags().StringVar(&filter.Status, "status", "", "Filter by status")
	cmd.Flags().StringVar(&filter.Category, "category", "", "Filter by category")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Page offset")
	return cmd
}

func newKeysCheckCmd(c *cli) *cobra.Command {
	var serviceID int64
	cmd := &cobra.Command{
		Use:   "check <key>",
		Short: "Check whether a key can place an order",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var key models.Key
			if serviceID > 0 {
				category, err := a.Registry.CategoryOf(ctx, serviceID)
				if err != nil {
					return err
				}
				key, err = a.Keys.Validate(ctx, args[0], category)
				if err != nil {
					return err
				}
			} else {
				key, err = a.Keys.Lookup(ctx, args[0])
				if err != nil {
					return err
				}
				if err := keys.CheckUsable(key, time.Now().UTC()); err != nil {
					return err
				}
			}
			summary := keys.Summary(key)
			return c.render(cmd.OutOrStdout(), summary, func(out io.Writer) {
				_, _ = fmt.Fprintf(out, "%s\t%s\tremaining %d\n", summary.Masked, summary.Category, key.Remaining())
			})
		},
	}
	cmd.Flags().Int64Var(&serviceID, "service", 0, "Also check the key against this service's category")
	return cmd
}

func newKeysExpireCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "expire",
		Short: "Mark keys past their expiry as expired",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			n, err := a.Keys.ExpireDue(cmd.Context())
			if err != nil {
				return err
			}
			_, _ = fmt.Fprintf(cmd.OutOrStdout(), "expired: %d\n", n)
			return nil
		},
	}
}
