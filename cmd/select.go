package cmd

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/manifoldco/promptui"
	"github.com/spf13/cobra"
	"golang.org/x/exp/maps"

	"seat-sync-cli/model"
	"seat-sync-cli/reconcile"
	"seat-sync-cli/seatmap"
	"seat-sync-cli/seatsync"
)

func newSelectCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "select [seat]",
		Short: "Take a seat, picking from the free ones when none is given",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			rt, err := a.start(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			v, err := rt.Sync(ctx)
			if err != nil {
				return fmt.Errorf("join session: %w", err)
			}

			var seat model.SeatID
			if len(args) == 1 {
				if seat, err = model.ParseSeatID(args[0]); err != nil {
					return err
				}
			} else {
				if seat, err = promptFreeSeat(v); err != nil {
					return err
				}
			}

			if _, err := rt.Select(ctx, seat); err != nil {
				return fmt.Errorf("seat %s: %w", seat, err)
			}
			me := rt.Identity().UserID
			confirmed, err := awaitCommit(ctx, rt, seat, func(s seatmap.SeatView) bool { return s.OccupiedBy(me) })
			if err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Seat %s requested, not confirmed yet\n", seat)
				return fmt.Errorf("seat %s: not confirmed by the server: %w", seat, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seat %s is yours (version %d)\n", seat, confirmed.Version)
			return nil
		},
	}
}

func promptFreeSeat(v reconcile.View) (model.SeatID, error) {
	seatByLabel := make(map[string]model.SeatID)
	for _, seat := range v.Seats {
		if seat.Status == model.SeatAvailable {
			seatByLabel[seat.ID.String()] = seat.ID
		}
	}
	if len(seatByLabel) == 0 {
		return model.SeatID{}, errors.New("no free seats")
	}
	labels := maps.Keys(seatByLabel)
	sort.Slice(labels, func(i, j int) bool { return seatByLabel[labels[i]].Less(seatByLabel[labels[j]]) })

	searcher := func(input string, index int) bool {
		return strings.HasPrefix(strings.ToLower(labels[index]), strings.ToLower(strings.TrimSpace(input)))
	}
	prompt := promptui.Select{
		Label:    "Select Seat",
		Items:    labels,
		Size:     10,
		Searcher: searcher,
	}
	_, label, err := prompt.Run()
	if err != nil {
		return model.SeatID{}, err
	}
	seat, ok := seatByLabel[label]
	if !ok {
		return model.SeatID{}, fmt.Errorf("invalid seat %q", label)
	}
	return seat, nil
}

func newCancelCmd(a *app) *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "cancel [seat]",
		Short: "Release a seat you hold (defaults to your current seat)",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), commandTimeout)
			defer cancel()
			rt, err := a.start(ctx)
			if err != nil {
				return err
			}
			defer rt.Close()

			v, err := rt.Sync(ctx)
			if err != nil {
				return fmt.Errorf("join session: %w", err)
			}

			var seat model.SeatID
			if len(args) == 1 {
				if seat, err = model.ParseSeatID(args[0]); err != nil {
					return err
				}
			} else {
				if !v.HasSeat() {
					return errors.New("you do not hold a seat in this session")
				}
				seat = v.MySeat
			}

			if !yes {
				confirm := promptui.Prompt{
					Label:     fmt.Sprintf("Release seat %s", seat),
					IsConfirm: true,
				}
				if _, err := confirm.Run(); err != nil {
					if errors.Is(err, promptui.ErrAbort) {
						fmt.Fprintln(cmd.OutOrStdout(), "Kept seat", seat)
						return nil
					}
					return err
				}
			}

			if _, err := rt.Cancel(ctx, seat); err != nil {
				return fmt.Errorf("seat %s: %w", seat, err)
			}
			me := rt.Identity().UserID
			if _, err := awaitCommit(ctx, rt, seat, func(s seatmap.SeatView) bool { return !s.OccupiedBy(me) }); err != nil {
				fmt.Fprintf(cmd.OutOrStdout(), "Release of seat %s requested, not confirmed yet\n", seat)
				return fmt.Errorf("seat %s: not confirmed by the server: %w", seat, err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Seat %s released\n", seat)
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "do not ask for confirmation")
	return cmd
}

// awaitCommit waits for the broadcast that settles seat. The HTTP answer alone
// does not count.
func awaitCommit(ctx context.Context, rt *seatsync.Runtime, seat model.SeatID, want func(seatmap.SeatView) bool) (reconcile.View, error) {
	ctx, cancel := context.WithTimeout(ctx, confirmTimeout)
	defer cancel()
	return rt.Await(ctx, func(v reconcile.View) bool {
		s, ok := v.Seat(seat)
		return ok && !s.Speculative && !v.IsPending(seat) && want(s)
	})
}
