package main

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/holla2040/sensorsim/internal/control"
	"github.com/holla2040/sensorsim/internal/ctlclient"
	"github.com/holla2040/sensorsim/internal/monitor"
	"github.com/holla2040/sensorsim/internal/registers"
	"github.com/spf13/cobra"
)

func clientFor(cmd *cobra.Command) *ctlclient.Client {
	addr, _ := cmd.Flags().GetString("addr")
	return ctlclient.New(addr)
}

func jsonOut(cmd *cobra.Command) bool {
	v, _ := cmd.Flags().GetBool("json")
	return v
}

func printJSON(cmd *cobra.Command, v interface{}) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func parseInts(args []string, what string) ([]int, error) {
	out := make([]int, len(args))
	for i, a := range args {
		n, err := strconv.Atoi(a)
		if err != nil {
			return nil, fmt.Errorf("invalid %s %q", what, a)
		}
		out[i] = n
	}
	return out, nil
}

func newStatusCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show every unit's signals",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(cmd)
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, st)
			}
			var names map[int][]string
			if info, err := c.Info(cmd.Context()); err == nil {
				names = info.SignalNames
			}
			fmt.Fprint(cmd.OutOrStdout(), monitor.New(nil, names, 0, nil).Render(*st))
			return nil
		},
	}
}

func newRegistersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "registers UNIT",
		Short: "Show a unit's 16 holding registers",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args, "unit")
			if err != nil {
				return err
			}
			regs, err := clientFor(cmd).Registers(cmd.Context(), ids[0])
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, regs)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "unit %d paused=%v disabled=%v\n", regs.Unit, regs.Paused, regs.Disabled)
			for i, v := range regs.Registers {
				fmt.Fprintf(w, "  %2d  %5d\n", i, v)
			}
			return nil
		},
	}
}

func newToggleCmd(use, short string, apply func(c *ctlclient.Client, cmd *cobra.Command, unit, index int) ([]int, error)) *cobra.Command {
	return &cobra.Command{
		Use:   use + " UNIT INDEX",
		Short: short,
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args, "argument")
			if err != nil {
				return err
			}
			disabled, err := apply(clientFor(cmd), cmd, n[0], n[1])
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, map[string]interface{}{"unit": n[0], "disabled": disabled})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unit %d disabled signals: %v\n", n[0], disabled)
			return nil
		},
	}
}

func newDisableCmd() *cobra.Command {
	return newToggleCmd("disable", "Force a signal to zero",
		func(c *ctlclient.Client, cmd *cobra.Command, unit, index int) ([]int, error) {
			return c.Disable(cmd.Context(), unit, index)
		})
}

func newEnableCmd() *cobra.Command {
	return newToggleCmd("enable", "Re-enable a disabled signal",
		func(c *ctlclient.Client, cmd *cobra.Command, unit, index int) ([]int, error) {
			return c.Enable(cmd.Context(), unit, index)
		})
}

func newBaseCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "base UNIT V0 V1 V2 V3 V4 V5 V6 V7",
		Short: "Replace a unit's eight base values",
		Args:  cobra.ExactArgs(1 + registers.SignalCount),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args, "value")
			if err != nil {
				return err
			}
			stored, err := clientFor(cmd).SetBase(cmd.Context(), n[0], n[1:])
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, map[string]interface{}{"unit": n[0], "base_highs": stored})
			}
			fmt.Fprintf(cmd.OutOrStdout(), "unit %d base values: %v\n", n[0], stored)
			return nil
		},
	}
}

func newPauseStateCmd(use, short string, paused bool) *cobra.Command {
	cmd := &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			c := clientFor(cmd)
			unit, _ := cmd.Flags().GetInt("unit")

			var (
				state bool
				err   error
			)
			if unit > 0 {
				state, err = c.PauseUnit(cmd.Context(), unit, paused)
			} else {
				state, err = c.Pause(cmd.Context(), paused)
			}
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, map[string]interface{}{"unit": unit, "paused": state})
			}
			target := "all units"
			if unit > 0 {
				target = fmt.Sprintf("unit %d", unit)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s paused=%v\n", target, state)
			return nil
		},
	}
	cmd.Flags().Int("unit", 0, "Only this unit (default all units)")
	return cmd
}

func newPauseCmd() *cobra.Command {
	return newPauseStateCmd("pause", "Freeze register updates", true)
}

func newResumeCmd() *cobra.Command {
	return newPauseStateCmd("resume", "Resume register updates", false)
}

func newParamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "params UNIT",
		Short: "Show or change a unit's waveform parameters",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ids, err := parseInts(args, "unit")
			if err != nil {
				return err
			}

			var upd registers.ParamsUpdate
			if s, _ := cmd.Flags().GetString("amplitudes"); s != "" {
				if upd.Amplitudes, err = parseInts(strings.Split(s, ","), "amplitude"); err != nil {
					return err
				}
			}
			if s, _ := cmd.Flags().GetString("periods"); s != "" {
				for _, p := range strings.Split(s, ",") {
					f, err := strconv.ParseFloat(strings.TrimSpace(p), 64)
					if err != nil {
						return fmt.Errorf("invalid period %q", p)
					}
					upd.Periods = append(upd.Periods, f)
				}
			}
			if cmd.Flags().Changed("jitter") {
				j, _ := cmd.Flags().GetFloat64("jitter")
				upd.JitterScale = &j
			}

			params, err := clientFor(cmd).Params(cmd.Context(), ids[0], upd)
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, params)
			}
			w := cmd.OutOrStdout()
			fmt.Fprintf(w, "unit %d\n", ids[0])
			fmt.Fprintf(w, "  amplitudes:   %v\n", params.Amplitudes)
			fmt.Fprintf(w, "  periods (s):  %v\n", params.Periods)
			fmt.Fprintf(w, "  jitter scale: %g\n", params.JitterScale)
			return nil
		},
	}
	cmd.Flags().String("amplitudes", "", "Eight comma-separated amplitudes")
	cmd.Flags().String("periods", "", "Eight comma-separated periods in seconds")
	cmd.Flags().Float64("jitter", 0, "Jitter scale (fraction of amplitude)")
	return cmd
}

func newSpikeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "spike UNIT INDEX MAGNITUDE",
		Short: "Add a timed overlay to one signal",
		Args:  cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			n, err := parseInts(args, "argument")
			if err != nil {
				return err
			}
			d, _ := cmd.Flags().GetDuration("duration")
			kind, _ := cmd.Flags().GetString("kind")

			res, err := clientFor(cmd).Spike(cmd.Context(), control.SpikeRequest{
				Unit:       n[0],
				Index:      &n[1],
				Magnitude:  &n[2],
				DurationMs: int(d / time.Millisecond),
				Kind:       kind,
			})
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, res)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "spike %s on unit %d signal %d (%+d) until %s, %d active\n",
				res.Spike.ID, res.Spike.Unit, res.Spike.Index, res.Spike.Magnitude,
				res.Spike.ExpiresAt.Local().Format("15:04:05.000"), len(res.Active))
			return nil
		},
	}
	cmd.Flags().Duration("duration", time.Second, "How long the spike lasts")
	cmd.Flags().String("kind", "", "Label (default \"spike\")")
	return cmd
}

func newSpikesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "spikes",
		Short: "List active spikes",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			active, err := clientFor(cmd).Spikes(cmd.Context())
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, active)
			}
			w := cmd.OutOrStdout()
			if len(active) == 0 {
				fmt.Fprintln(w, "no active spikes")
				return nil
			}
			for _, s := range active {
				fmt.Fprintf(w, "unit %d signal %d %+d %-10s until %s\n",
					s.Unit, s.Index, s.Magnitude, s.Kind, s.ExpiresAt.Local().Format("15:04:05.000"))
			}
			return nil
		},
	}
}

func newEventsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "events",
		Short: "Show recent control events",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			limit, _ := cmd.Flags().GetInt("limit")
			events, err := clientFor(cmd).Events(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if jsonOut(cmd) {
				return printJSON(cmd, events)
			}
			w := cmd.OutOrStdout()
			for _, e := range events {
				unit := "-"
				if e.Unit > 0 {
					unit = strconv.Itoa(e.Unit)
				}
				fmt.Fprintf(w, "%s  %-20s unit %-3s %s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04:05"), e.Operation, unit, string(e.Detail))
			}
			return nil
		},
	}
	cmd.Flags().Int("limit", 20, "Maximum events to show")
	return cmd
}

func newReportCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "report",
		Short: "Download the PDF status report",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path, _ := cmd.Flags().GetString("output")
			f, err := os.Create(path)
			if err != nil {
				return err
			}
			if err := clientFor(cmd).Report(cmd.Context(), f); err != nil {
				f.Close()
				os.Remove(path)
				return err
			}
			if err := f.Close(); err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "wrote %s\n", path)
			return nil
		},
	}
	cmd.Flags().StringP("output", "o", "sensorsim-report.pdf", "Output file")
	return cmd
}
