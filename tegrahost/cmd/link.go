package cmd

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/sarchlab/tegrahost/pcie"
	"github.com/sarchlab/tegrahost/pcie/simhw"
	"github.com/sarchlab/tegrahost/sim/timing"
	"github.com/spf13/cobra"
)

// linkOptions configure a controller on a simulated board.
type linkOptions struct {
	generation   string
	lanes        []int
	cards        []string
	presenceGpio bool
	suspend      bool
}

func defaultLinkOptions() linkOptions {
	return linkOptions{
		generation: pcie.Tegra210.String(),
		lanes:      []int{4, 1},
		cards:      []string{"0:4:gen2", "1:1"},
	}
}

var linkCmd = &cobra.Command{
	Use:   "link",
	Short: "Bring up the PCIe root ports of a simulated board.",
	Long: "Cards are given as port:lanes followed by optional :gen2, " +
		":up=N (reset cycle on which the link trains, 0 for never), " +
		":retrain=N (status reads a retrain takes, -1 for never) and " +
		":nopmeack.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		opts := linkOptions{}

		flags := cmd.Flags()
		opts.generation, _ = flags.GetString("gen")
		opts.lanes, _ = flags.GetIntSlice("lanes")
		opts.cards, _ = flags.GetStringSlice("card")
		opts.presenceGpio, _ = flags.GetBool("presence-gpio")
		opts.suspend, _ = flags.GetBool("suspend")

		s := loadSettings(cmd)
		clock := timing.NewManualClock(time.Unix(0, 0))
		in := newInstruments(s, clock)
		defer in.close()

		c, _, err := buildController(opts, clock)
		if err != nil {
			return err
		}

		in.attach(c, "link",
			pcie.HookPosLinkState, pcie.HookPosPowerState,
			pcie.HookPosRetrain, pcie.HookPosHotplug)

		err = runLinkSequence(context.Background(), c, opts.suspend, os.Stdout)
		if err != nil {
			return err
		}

		if t := in.tracer("link"); t.TotalCount() > 0 {
			fmt.Printf("link training: %d ports, average %v, max %v\n",
				t.TotalCount(), t.AverageTime(), t.MaxTime())
		}

		return nil
	},
}

func init() {
	d := defaultLinkOptions()
	flags := linkCmd.Flags()

	flags.String("gen", d.generation, "SoC generation, e.g. tegra124.")
	flags.IntSlice("lanes", d.lanes, "Lane width of every root port.")
	flags.StringSlice("card", d.cards, "Cards plugged into the ports.")
	flags.Bool("presence-gpio", false, "Detect cards through presence GPIOs.")
	flags.Bool("suspend", false, "Run a suspend and resume cycle.")

	rootCmd.AddCommand(linkCmd)
}

// parseCard parses a card description such as "0:4:gen2:up=2".
func parseCard(desc string) (int, simhw.Endpoint, error) {
	fields := strings.Split(desc, ":")
	if len(fields) < 2 {
		return 0, simhw.Endpoint{}, fmt.Errorf("card %q: want port:lanes", desc)
	}

	port, err := strconv.Atoi(fields[0])
	if err != nil {
		return 0, simhw.Endpoint{}, fmt.Errorf("card %q: bad port: %w", desc, err)
	}

	lanes, err := strconv.Atoi(fields[1])
	if err != nil {
		return 0, simhw.Endpoint{}, fmt.Errorf("card %q: bad lanes: %w", desc, err)
	}

	ep := simhw.Endpoint{Present: true, Lanes: lanes, UpAfterResets: 1}

	for _, f := range fields[2:] {
		key, value, _ := strings.Cut(f, "=")

		switch key {
		case "gen2":
			ep.Gen2 = true
		case "nopmeack":
			ep.NoPmeAck = true
		case "up":
			ep.UpAfterResets, err = strconv.Atoi(value)
		case "retrain":
			ep.RetrainPolls, err = strconv.Atoi(value)
		default:
			err = fmt.Errorf("unknown option %q", key)
		}

		if err != nil {
			return 0, simhw.Endpoint{}, fmt.Errorf("card %q: %w", desc, err)
		}
	}

	return port, ep, nil
}

// buildController creates a board with the cards plugged in and a
// controller wired to it.
func buildController(
	opts linkOptions,
	clock timing.Clock,
) (*pcie.Controller, *simhw.Board, error) {
	gen, err := pcie.ParseGeneration(opts.generation)
	if err != nil {
		return nil, nil, err
	}

	profile, err := pcie.ProfileFor(gen)
	if err != nil {
		return nil, nil, err
	}

	if len(opts.lanes) > profile.NumPorts {
		return nil, nil, fmt.Errorf("%s has %d ports, got %d lane widths",
			gen, profile.NumPorts, len(opts.lanes))
	}

	board := simhw.NewBoard(opts.lanes...)

	for _, desc := range opts.cards {
		port, ep, err := parseCard(desc)
		if err != nil {
			return nil, nil, err
		}

		if port < 0 || port >= len(opts.lanes) {
			return nil, nil, fmt.Errorf("card %q: no port %d", desc, port)
		}

		board.Attach(port, ep)
	}

	b := board.Wire(pcie.MakeBuilder()).
		WithProfile(profile).
		WithClock(clock)

	for i, lanes := range opts.lanes {
		cfg := board.PortConfig(i, lanes)
		if opts.presenceGpio {
			cfg.PresenceGpio = board.PresenceGpio(i)
		}

		b = b.WithPort(cfg)
	}

	c, err := b.Build("PCIe0")
	if err != nil {
		return nil, nil, err
	}

	return c, board, nil
}

// runLinkSequence powers the controller on, brings the ports up, applies
// the post link workarounds and scales the bus clocks.
func runLinkSequence(
	ctx context.Context,
	c *pcie.Controller,
	suspend bool,
	w io.Writer,
) error {
	if err := c.PowerOn(ctx); err != nil {
		return err
	}

	n, err := c.BringUpPorts(ctx)
	if err != nil {
		return err
	}

	fmt.Fprintf(w, "%d ports up\n", n)

	warnings, err := c.ApplyPostLinkWorkarounds(ctx)
	if err != nil {
		return err
	}

	for _, warn := range warnings {
		fmt.Fprintf(w, "warning: %v\n", warn)
	}

	if err := c.ScaleVoltageForTopology(ctx); err != nil {
		fmt.Fprintf(w, "warning: %v\n", err)
	}

	if suspend {
		if err := c.Suspend(ctx); err != nil {
			fmt.Fprintf(w, "warning: %v\n", err)
		}

		if err := c.Resume(ctx); err != nil {
			return err
		}
	}

	printPorts(w, c)

	return nil
}

func printPorts(w io.Writer, c *pcie.Controller) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "PORT\tLANES\tSTATE\tWIDTH\tGEN\tRESETS\tERROR")

	for _, p := range c.Ports() {
		fmt.Fprintf(tw, "%d\t%d\t%s\t%d\t%d\t%d\t%s\n",
			p.Index, p.Lanes, p.State, p.Width, p.Speed, p.ResetCycles, p.Err)
	}

	tw.Flush()
}
