package main

import (
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"text/tabwriter"

	"keypanel/backend/internal/auth"
	"keypanel/backend/internal/engine"
	"keypanel/backend/internal/models"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
)

var errStepUpRequired = errors.New("resend requires the master password (--password or KEYPANEL_STEP_UP_PASSWORD)")

func newOrdersCmd(c *cli) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "orders",
		Short: "Inspect and operate on orders",
	}
	cmd.AddCommand(
		newOrdersShowCmd(c),
		newOrdersListCmd(c),
		newOrdersSubmitCmd(c),
		newOrdersDispatchCmd(c),
		newOrdersRefreshCmd(c),
		newOrdersResendCmd(c),
		newOrdersCancelCmd(c),
		newOrdersSweepCmd(c),
		newOrdersStatsCmd(c),
	)
	return cmd
}

func newOrdersShowCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "show <order-id>",
		Short: "Show an order with its service, provider and masked key",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			detail, err := a.Engine.SearchByOrderID(cmd.Context(), id)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), detail, func(out io.Writer) {
				printOrder(out, detail.Order)
				if detail.Service != nil {
					_, _ = fmt.Fprintf(out, "service:   %d %s (%s.%s)\n", detail.Service.ID, detail.Service.Name, detail.Service.Platform, detail.Service.Type)
				}
				if detail.Provider != nil {
					_, _ = fmt.Fprintf(out, "provider:  %d %s (%s)\n", detail.Provider.ID, detail.Provider.Name, detail.Provider.Kind)
				}
				if detail.Key != nil {
					_, _ = fmt.Fprintf(out, "key:       %s %d/%d %s\n", detail.Key.Masked, detail.Key.UsedCount, detail.Key.TotalQuota, detail.Key.Status)
				}
			})
		},
	}
}

func newOrdersListCmd(c *cli) *cobra.Command {
	var (
		filter   models.OrderFilter
		statuses string
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List orders, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			for _, s := range strings.Split(statuses, ",") {
				if s = strings.TrimSpace(s); s != "" {
					filter.Statuses = append(filter.Statuses, s)
				}
			}
			orders, total, err := a.Engine.ListOrders(cmd.Context(), filter)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), orders, func(out io.Writer) {
				tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
				_, _ = fmt.Fprintln(tw, "ID\tSTATUS\tSERVICE\tQTY\tCREATED\tMESSAGE")
				for _, o := range orders {
					_, _ = fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n", o.ID, o.Status, o.ServiceID, o.Quantity, o.CreatedAt.Format("2006-01-02 15:04"), o.Message)
				}
				_ = tw.Flush()
				_, _ = fmt.Fprintf(out, "total: %d\n", total)
			})
		},
	}
	cmd.Flags().StringVar(&statuses, "status", "", "Comma separated statuses")
	cmd.Flags().Int64Var(&filter.KeyID, "key", 0, "Filter by key id")
	cmd.Flags().IntVar(&filter.Limit, "limit", 50, "Page size")
	cmd.Flags().IntVar(&filter.Offset, "offset", 0, "Page offset")
	return cmd
}

// newOrdersSubmitCmd queues an order: the key quota is reserved now and the
// provider is called by the next sweep or by orders dispatch.
func newOrdersSubmitCmd(c *cli) *cobra.Command {
	var req engine.PlaceOrderRequest
	cmd := &cobra.Command{
		Use:   "submit",
		Short: "Queue an order without dispatching it",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			order, err := a.Engine.Submit(cmd.Context(), req)
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), order, func(out io.Writer) { printOrder(out, order) })
		},
	}
	cmd.Flags().StringVar(&req.KeyValue, "key", "", "Redemption key")
	cmd.Flags().Int64Var(&req.ServiceID, "service", 0, "Service id")
	cmd.Flags().IntVar(&req.Quantity, "quantity", 0, "Quantity")
	cmd.Flags().StringVar(&req.TargetURL, "target", "", "Target link")
	for _, name := range []string{"key", "service", "quantity", "target"} {
		_ = cmd.MarkFlagRequired(name)
	}
	return cmd
}

func newOrdersDispatchCmd(c *cli) *cobra.Command {
	return orderActionCmd(c, "dispatch", "Send a queued order to its provider now", func(cmd *cobra.Command, id uuid.UUID) (models.Order, error) {
		a, err := c.open(cmd.Context())
		if err != nil {
			return models.Order{}, err
		}
		return a.Engine.Dispatch(cmd.Context(), id)
	})
}

func newOrdersRefreshCmd(c *cli) *cobra.Command {
	return orderActionCmd(c, "refresh", "Poll the provider for an order's status", func(cmd *cobra.Command, id uuid.UUID) (models.Order, error) {
		a, err := c.open(cmd.Context())
		if err != nil {
			return models.Order{}, err
		}
		return a.Engine.RefreshStatus(cmd.Context(), id)
	})
}

func newOrdersCancelCmd(c *cli) *cobra.Command {
	return orderActionCmd(c, "cancel", "Cancel an order that has not been dispatched", func(cmd *cobra.Command, id uuid.UUID) (models.Order, error) {
		a, err := c.open(cmd.Context())
		if err != nil {
			return models.Order{}, err
		}
		return a.Engine.Cancel(cmd.Context(), id)
	})
}

// newOrdersResendCmd re-checks the master password like the API step-up.
func newOrdersResendCmd(c *cli) *cobra.Command {
	var password string
	cmd := orderActionCmd(c, "resend", "Place a fresh provider order for a finished order", func(cmd *cobra.Command, id uuid.UUID) (models.Order, error) {
		if password == "" {
			password = os.Getenv("KEYPANEL_STEP_UP_PASSWORD")
		}
		if password == "" {
			return models.Order{}, errStepUpRequired
		}
		cfg, err := c.config()
		if err != nil {
			return models.Order{}, err
		}
		creds := auth.Credentials{
			Login:        cfg.Admin.Login,
			Password:     cfg.Admin.Password,
			PasswordHash: cfg.Admin.PasswordHash,
			StepUpHash:   cfg.Admin.StepUpPasswordHash,
		}
		if err := creds.VerifyStepUp(password); err != nil {
			return models.Order{}, fmt.Errorf("step-up: %w", err)
		}
		a, err := c.open(cmd.Context())
		if err != nil {
			return models.Order{}, err
		}
		return a.Engine.Resend(cmd.Context(), id)
	})
	cmd.Flags().StringVar(&password, "password", "", "Master password")
	return cmd
}

func orderActionCmd(c *cli, use, short string, action func(*cobra.Command, uuid.UUID) (models.Order, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " <order-id>",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := uuid.Parse(args[0])
			if err != nil {
				return fmt.Errorf("invalid order id %q", args[0])
			}
			order, err := action(cmd, id)
			if err != nil {
				if order.ID != uuid.Nil {
					printOrder(cmd.ErrOrStderr(), order)
				}
				return err
			}
			return c.render(cmd.OutOrStdout(), order, func(out io.Writer) { printOrder(out, order) })
		},
	}
}

func newOrdersSweepCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "sweep",
		Short: "Reclaim stuck orders, poll accepted ones and dispatch queued ones",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			report, err := a.Engine.SweepStale(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), report, func(out io.Writer) {
				_, _ = fmt.Fprintf(out, "reclaimed %d, expired %d, polled %d, dispatched %d, errors %d\n",
					report.Reclaimed, report.Expired, report.Polled, report.Dispatched, report.Errors)
			})
		},
	}
}

func newOrdersStatsCmd(c *cli) *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Order counts by status and platform",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			a, err := c.open(cmd.Context())
			if err != nil {
				return err
			}
			stats, err := a.Engine.Stats(cmd.Context())
			if err != nil {
				return err
			}
			return c.render(cmd.OutOrStdout(), stats, func(out io.Writer) {
				_, _ = fmt.Fprintf(out, "orders: %d, quantity: %d\n", stats.Total, stats.Quantity)
				for status, n := range stats.ByStatus {
					_, _ = fmt.Fprintf(out, "  %s: %d\n", status, n)
				}
			})
		},
	}
}

func printOrder(out io.Writer, o models.Order) {
	_, _ = fmt.Fprintf(out, "order:     %s\n", o.ID)
	_, _ = fmt.Fprintf(out, "status:    %s (quota %s)\n", o.Status, o.QuotaState)
	_, _ = fmt.Fprintf(out, "target:    %s x%d\n", o.TargetURL, o.Quantity)
	if o.ExternalOrderID != "" {
		_, _ = fmt.Fprintf(out, "external:  %s\n", o.ExternalOrderID)
	}
	if o.ResendOf != nil {
		_, _ = fmt.Fprintf(out, "resend of: %s\n", *o.ResendOf)
	}
	if o.Message != "" {
		_, _ = fmt.Fprintf(out, "message:   %s\n", o.Message)
	}
}
