package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

// serverOptions locate a running escrowd.
type serverOptions struct {
	*RootOptions
	Server  string
	APIKey  string
	Timeout time.Duration
}

// NewDepositCommand groups read-only deposit queries against escrowd.
func NewDepositCommand(rootOpts *RootOptions) *cobra.Command {
	opts := &serverOptions{RootOptions: rootOpts}
	cmd := &cobra.Command{
		Use:   "deposit",
		Short: "Query deposits on a running escrowd",
	}
	cmd.PersistentFlags().StringVar(&opts.Server, "server", "http://localhost:3001", "escrowd base URL")
	cmd.PersistentFlags().StringVar(&opts.APIKey, "api-key", "", "API key sent as X-API-Key")
	cmd.PersistentFlags().DurationVar(&opts.Timeout, "timeout", 10*time.Second, "request timeout")

	cmd.AddCommand(&cobra.Command{
		Use:   "view <task-id>",
		Short: "Show one deposit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := escrow.ParseHandle(args[0])
			if err != nil {
				return exitErr(ExitCommandError, "task id", err)
			}
			var d models.DepositView
			if err := opts.client().get(cmd.Context(), "/api/deposits/"+id.Hex(), &d); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts, d, func(w io.Writer) error {
				return writeDeposit(w, d)
			})
		},
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "remaining <task-id>",
		Short: "Show remaining claims and acceptances",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := escrow.ParseHandle(args[0])
			if err != nil {
				return exitErr(ExitCommandError, "task id", err)
			}
			var rem models.RemainingView
			if err := opts.client().get(cmd.Context(), "/api/deposits/"+id.Hex()+"/remaining", &rem); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts, rem, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "claims_remaining:      %s\nacceptances_remaining: %s\n", rem.Claims, rem.Acceptances)
				return err
			})
		},
	})

	var depositor string
	list := &cobra.Command{
		Use:   "list",
		Short: "List deposits",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if depositor != "" {
				addr, err := escrow.ParseAddress(depositor)
				if err != nil {
					return exitErr(ExitCommandError, "--depositor", err)
				}
				q.Set("depositor", addr.Hex())
			}
			path := "/api/deposits"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}
			var ds []models.DepositView
			if err := opts.client().get(cmd.Context(), path, &ds); err != nil {
				return err
			}
			return emit(cmd.OutOrStdout(), rootOpts, ds, func(w io.Writer) error {
				for _, d := range ds {
					if _, err := fmt.Fprintf(w, "%s amount=%s claimable=%s recipients=%d/%d\n",
						d.TaskID, d.Amount, d.ClaimableAmount, d.RecipientCount, d.AssistantCount); err != nil {
						return err
					}
				}
				return nil
			})
		},
	}
	list.Flags().StringVar(&depositor, "depositor", "", "only deposits funded by this address")
	cmd.AddCommand(list)
	return cmd
}

func writeDeposit(w io.Writer, d models.DepositView) error {
	kind := "fixed"
	if d.IsOpenEnded {
		kind = "open-ended"
	}
	var b strings.Builder
	fmt.Fprintf(&b, "task_id:     %s\n", d.TaskID)
	fmt.Fprintf(&b, "depositor:   %s\n", d.Depositor)
	fmt.Fprintf(&b, "kind:        %s\n", kind)
	fmt.Fprintf(&b, "amount:      %s\n", d.Amount)
	fmt.Fprintf(&b, "claimable:   %s\n", d.ClaimableAmount)
	fmt.Fprintf(&b, "refundable:  %s\n", d.RefundableAmount)
	if d.IsOpenEnded {
		fmt.Fprintf(&b, "per_claim:   %s\n", d.PerClaimAmount)
	}
	fmt.Fprintf(&b, "recipients:  %d of %d (%d claimed)\n", d.RecipientCount, d.AssistantCount, d.ClaimedCount)
	fmt.Fprintf(&b, "refundable?: %t\n", d.AllowRefund)
	_, err := io.WriteString(w, b.String())
	return err
}

type apiClient struct {
	base string
	key  string
	http *http.Client
}

func (o *serverOptions) client() *apiClient {
	return &apiClient{
		base: strings.TrimRight(o.Server, "/"),
		key:  o.APIKey,
		http: &http.Client{Timeout: o.Timeout},
	}
}

// get fetches path and decodes the envelope's data into out. Refusals
// from the server exit with ExitFailure.
func (c *apiClient) get(ctx context.Context, path string, out any) error {
	if ctx == nil {
		ctx = context.Background()
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.base+path, nil)
	if err != nil {
		return exitErr(ExitCommandError, "build request", err)
	}
	req.Header.Set("Accept", "application/json")
	if c.key != "" {
		req.Header.Set("X-API-Key", c.key)
	}
	resp, err := c.http.Do(req)
	if err != nil {
		return exitErr(ExitCommandError, "request "+path, err)
	}
	defer resp.Body.Close()

	var env struct {
		Success bool                  `json:"success"`
		Data    json.RawMessage       `json:"data"`
		Error   *models.ErrorResponse `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return exitErr(ExitCommandError, fmt.Sprintf("decode response (HTTP %d)", resp.StatusCode), err)
	}
	if !env.Success {
		if env.Error == nil {
			return exitErr(ExitFailure, fmt.Sprintf("HTTP %d", resp.StatusCode), nil)
		}
		return exitErr(ExitFailure, fmt.Sprintf("%s: %s", env.Error.Error, env.Error.Message), nil)
	}
	if err := json.Unmarshal(env.Data, out); err != nil {
		return exitErr(ExitCommandError, "decode data", err)
	}
	return nil
}
