package main

import (
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/humandao-org/EnergyContracts/core/escrow"
	"github.com/humandao-org/EnergyContracts/models"
)

// NewIDsCommand derives the task and recipient ids an address would get
// for a nonce.
func NewIDsCommand(rootOpts *RootOptions) *cobra.Command {
	var address, nonce string
	cmd := &cobra.Command{
		Use:   "ids",
		Short: "Derive task and recipient ids",
		Long: `Derive the task id a depositor and the recipient id a recipient would
get for a nonce. A fresh uuid nonce is generated when --nonce is omitted.

Examples:
  escrowctl ids --address 0x00000000000000000000000000000000000000a1
  escrowctl ids --address 0x00000000000000000000000000000000000000a1 --nonce 0x01`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			addr, err := escrow.ParseAddress(address)
			if err != nil {
				return exitErr(ExitCommandError, "--address", err)
			}
			n := escrow.NewNonce()
			if nonce != "" {
				if n, err = escrow.ParseNonce(nonce); err != nil {
					return exitErr(ExitCommandError, "--nonce", err)
				}
			}
			view := models.IDsView{
				Address:     addr.Hex(),
				Nonce:       n.String(),
				TaskID:      escrow.DeriveTaskID(addr, n).Hex(),
				RecipientID: escrow.DeriveRecipientID(addr, n).Hex(),
			}
			return emit(cmd.OutOrStdout(), rootOpts, view, func(w io.Writer) error {
				_, err := fmt.Fprintf(w, "address:      %s\nnonce:        %s\ntask_id:      %s\nrecipient_id: %s\n",
					view.Address, view.Nonce, view.TaskID, view.RecipientID)
				return err
			})
		},
	}
	cmd.Flags().StringVar(&address, "address", "", "depositor or recipient address (required)")
	cmd.Flags().StringVar(&nonce, "nonce", "", "uuid or 0x-prefixed hex nonce")
	_ = cmd.MarkFlagRequired("address")
	return cmd
}
