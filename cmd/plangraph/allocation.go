package main

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/alfredjeanlab/plangraph/internal/client"
	"github.com/alfredjeanlab/plangraph/internal/ui"
)

const dateLayout = "2006-01-02"

var costCmd = &cobra.Command{
	Use:     "cost <feature-id>",
	Short:   "Summarize a feature's allocation cost",
	GroupID: "allocation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		sum, err := planClient.CostSummary(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(sum)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "TEAM\tMEMBER\tHOURS\tDAYS\tDAILY RATE\tCOST")
		for _, l := range sum.Allocations {
			member := l.MemberID
			if l.Name != "" {
				member = l.Name
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n", l.TeamID, member,
				formatHours(l.Hours), formatValue(l.Days), formatMoney(l.DailyRate), formatMoney(l.Cost))
		}
		w.Flush()
		fmt.Printf("\nTotal %s over %s (%s days, %s per day)\n",
			ui.RenderAccent(formatMoney(sum.TotalCost)), formatHours(sum.TotalHours),
			formatValue(sum.TotalDays), formatMoney(sum.DailyCost))
		return nil
	},
}

var capacityCmd = &cobra.Command{
	Use:     "capacity <team-id>",
	Short:   "Show a team's weekly bandwidth",
	GroupID: "allocation",
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		tc, err := planClient.TeamCapacity(context.Background(), args[0])
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(tc)
		}
		w := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(w, "MEMBER\tNAME\tWEEKLY")
		for _, m := range tc.Members {
			fmt.Fprintf(w, "%s\t%s\t%s\n", m.MemberID, m.Name, formatHours(m.WeeklyHours))
		}
		w.Flush()
		fmt.Printf("\nBandwidth %s per week\n", ui.RenderAccent(formatHours(tc.Bandwidth)))
		return nil
	},
}

var allocCmd = &cobra.Command{
	Use:     "alloc",
	Short:   "Inspect a member allocation",
	GroupID: "allocation",
}

var allocDetailsCmd = &cobra.Command{
	Use:   "details <member-id> <hours>",
	Short: "Derive calendar days, daily hours and cost of an allocation",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, err := parseHours(args[1])
		if err != nil {
			return err
		}
		start, end, err := dateFlags(cmd)
		if err != nil {
			return err
		}
		duration, _ := cmd.Flags().GetFloat64("duration")

		d, err := planClient.AllocationDetails(context.Background(), &client.AllocationDetailsRequest{
			MemberID: args[0], Hours: hours, StartDate: start, EndDate: end, DurationDays: duration,
		})
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(d)
		}
		fmt.Printf("%-16s%s\n", "Calendar days:", formatValue(d.CalendarDays))
		fmt.Printf("%-16s%s\n", "Working days:", formatValue(d.WorkingDays))
		fmt.Printf("%-16s%s\n", "Hours per day:", formatHours(d.HoursPerDay))
		fmt.Printf("%-16s%s%%\n", "Allocation:", formatValue(d.Percentage))
		fmt.Printf("%-16s%s\n", "Cost:", formatMoney(d.Cost))
		return nil
	},
}

var allocCheckCmd = &cobra.Command{
	Use:   "check <member-id> <hours>",
	Short: "Check whether an allocation exceeds the member's capacity",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		hours, err := parseHours(args[1])
		if err != nil {
			return err
		}
		start, end, err := dateFlags(cmd)
		if err != nil {
			return err
		}
		req := &client.OverAllocationRequest{MemberID: args[0], Hours: hours, StartDate: start, EndDate: end}
		if cmd.Flags().Changed("pct") {
			pct, _ := cmd.Flags().GetFloat64("pct")
			req.TeamAllocationPct = &pct
		}
		req.ExcludeFeature, _ = cmd.Flags().GetString("exclude")

		o, err := planClient.CheckOverAllocation(context.Background(), req)
		if err != nil {
			return err
		}
		if jsonOutput {
			return printJSON(o)
		}
		fmt.Printf("%-12s%s (%s)\n", "Capacity:", formatHours(o.Capacity), o.Policy)
		if o.Committed > 0 {
			fmt.Printf("%-12s%s\n", "Committed:", formatHours(o.Committed))
		}
		fmt.Printf("%-12s%s\n", "Requested:", formatHours(o.Requested))
		if o.IsOverAllocated {
			fmt.Println(ui.RenderWarn("Over-allocated by " + formatHours(o.OverAllocatedBy)))
			return nil
		}
		fmt.Println(ui.RenderOK("Within capacity"))
		return nil
	},
}

func parseHours(s string) (float64, error) {
	h, err := strconv.ParseFloat(s, 64)
	if err != nil || h < 0 {
		return 0, fmt.Errorf("invalid hours %q", s)
	}
	return h, nil
}

// dateFlags reads --start and --end as YYYY-MM-DD. Unset flags return nil.
func dateFlags(cmd *cobra.Command) (start, end *time.Time, err error) {
	parse := func(name string) (*time.Time, error) {
		v, _ := cmd.Flags().GetString(name)
		if v == "" {
			return nil, nil
		}
		t, err := time.Parse(dateLayout, v)
		if err != nil {
			return nil, fmt.Errorf("--%s: expected YYYY-MM-DD, got %q", name, v)
		}
		return &t, nil
	}
	if start, err = parse("start"); err != nil {
		return nil, nil, err
	}
	if end, err = parse("end"); err != nil {
		return nil, nil, err
	}
	return start, end, nil
}

func init() {
	for _, c := range []*cobra.Command{allocDetailsCmd, allocCheckCmd} {
		c.Flags().String("start", "", "window start (YYYY-MM-DD)")
		c.Flags().String("end", "", "window end (YYYY-MM-DD)")
	}
	allocDetailsCmd.Flags().Float64("duration", 0, "duration in calendar days when no window is given")
	allocCheckCmd.Flags().Float64("pct", 100, "share of the member's capacity given to the team")
	allocCheckCmd.Flags().String("exclude", "", "feature whose commitments are left out")

	allocCmd.AddCommand(allocDetailsCmd, allocCheckCmd)
}
