package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/pkg/browser"
	"github.com/sarchlab/tegrahost/mem/cma"
	"github.com/sarchlab/tegrahost/monitoring"
	"github.com/sarchlab/tegrahost/pcie"
	"github.com/sarchlab/tegrahost/sim/timing"
	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Serve the state of a simulated heap and controller over HTTP.",
	RunE: func(cmd *cobra.Command, _ []string) error {
		flags := cmd.Flags()
		port, _ := flags.GetInt("port")
		open, _ := flags.GetBool("open")
		ops, _ := flags.GetInt("ops")

		if !flags.Changed("port") {
			port = envInt(envPort, port)
		}

		ctx, stop := signal.NotifyContext(context.Background(),
			os.Interrupt, syscall.SIGTERM)
		defer stop()

		s := loadSettings(cmd)
		clock := timing.NewManualClock(time.Unix(0, 0))
		in := newInstruments(s, clock)
		defer in.close()

		h, err := buildHeap(defaultHeapOptions(), clock)
		if err != nil {
			return err
		}

		in.attach(h, "heap", cma.HookPosHeapGrow, cma.HookPosHeapShrink)

		c, _, err := buildController(defaultLinkOptions(), clock)
		if err != nil {
			return err
		}

		in.attach(c, "link", pcie.HookPosLinkState, pcie.HookPosRetrain)

		m := monitoring.NewMonitor()
		if port != 0 {
			m.WithPortNumber(port)
		}

		m.RegisterHeap(h)
		m.RegisterController(c)

		url, err := m.StartServer()
		if err != nil {
			return err
		}

		if open {
			if err := browser.OpenURL(url + "/api/controllers"); err != nil {
				log.Printf("cannot open browser: %v", err)
			}
		}

		if err := runLinkSequence(ctx, c, false, os.Stdout); err != nil {
			return err
		}

		bar := m.CreateProgressBar("heap traffic", uint64(ops))
		report, err := runHeapTraffic(ctx, h, trafficOptions{
			ops:      ops,
			seed:     time.Now().UnixNano(),
			maxAlloc: 2 * mb,
		}, bar)
		m.CompleteProgressBar(bar)

		if err != nil {
			return err
		}

		fmt.Printf("heap traffic done: %d allocs, %d out of memory\n",
			report.Allocs, report.Failures)

		<-ctx.Done()

		return nil
	},
}

func init() {
	flags := serveCmd.Flags()

	flags.Int("port", 0, "Port of the monitoring server. "+
		"Defaults to $TEGRAHOST_PORT or a random port.")
	flags.Bool("open", false, "Open the monitor in a browser.")
	flags.Int("ops", 10000, "Number of heap operations to run.")

	rootCmd.AddCommand(serveCmd)
}
