package main

import (
	"context"
	"fmt"
	"io"
	"strconv"
	"strings"
	"text/tabwriter"

	"github.com/spf13/pflag"

	"github.com/lcx/btpm/bt"
	"github.com/lcx/btpm/cscm"
	"github.com/lcx/btpm/ipc"
	"github.com/lcx/btpm/tdsm"
)

type command struct {
	usage string
	args  int
	// flags adds command flags and returns the action.
	flags func(fs *pflag.FlagSet) action
}

type action func(ctx context.Context, s *session, args []string, out io.Writer) error

var commands = map[string]command{
	"sensors":        {usage: "sensors", flags: sensorsCmd},
	"info":           {usage: "info <addr>", args: 1, flags: infoCmd},
	"configure":      {usage: "configure <addr> [--skip-locations]", args: 1, flags: configureCmd},
	"unconfigure":    {usage: "unconfigure <addr>", args: 1, flags: unconfigureCmd},
	"location":       {usage: "location <addr>", args: 1, flags: locationCmd},
	"set-cumulative": {usage: "set-cumulative <addr> <value>", args: 2, flags: setCumulativeCmd},
	"set-location":   {usage: "set-location <addr> <location>", args: 2, flags: setLocationCmd},
	"watch":          {usage: "watch [--count n]", flags: watchCmd},
	"3d-info":        {usage: "3d-info", flags: info3DCmd},
	"3d-start":       {usage: "3d-start [--min slots] [--max slots]", flags: start3DCmd},
	"3d-stop":        {usage: "3d-stop", flags: stop3DCmd},
}

func parseAddr(s string) (bt.Addr, error) {
	a, err := bt.ParseAddr(s)
	if err != nil {
		return bt.Addr{}, fmt.Errorf("bad sensor address %q", s)
	}
	return a, nil
}

func sensorsCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, _ []string, out io.Writer) error {
		sensors, total, err := s.csc.QueryConnectedSensors(ctx, 64)
		if err != nil {
			return err
		}
		tw := tabwriter.NewWriter(out, 0, 4, 2, ' ', 0)
		fmt.Fprintln(tw, "ADDRESS\tCONFIGURED\tFEATURES\tLOCATIONS")
		for _, c := range sensors {
			fmt.Fprintf(tw, "%s\t%t\t0x%x\t%s\n", c.Address, c.Configured, c.SupportedFeatures,
				locationList(c.SupportedSensorLocations))
		}
		if err := tw.Flush(); err != nil {
			return err
		}
		if total > uint32(len(sensors)) {
			fmt.Fprintf(out, "%d more not shown\n", total-uint32(len(sensors)))
		}
		return nil
	}
}

func locationList(mask uint32) string {
	locs := cscm.Locations(mask)
	if len(locs) == 0 {
		return "-"
	}
	names := make([]string, len(locs))
	for i, l := range locs {
		names[i] = l.String()
	}
	return strings.Join(names, ",")
}

func infoCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		c, err := s.csc.GetConnectedSensorInfo(ctx, addr)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "address:         %s\n", c.Address)
		fmt.Fprintf(out, "configured:      %t\n", c.Configured)
		fmt.Fprintf(out, "control point:   %t\n", c.HasControlPoint())
		fmt.Fprintf(out, "sensor location: %t\n", c.HasSensorLocation())
		fmt.Fprintf(out, "features:        0x%x\n", c.SupportedFeatures)
		fmt.Fprintf(out, "locations:       %s\n", locationList(c.SupportedSensorLocations))
		return nil
	}
}

func configureCmd(fs *pflag.FlagSet) action {
	skip := fs.Bool("skip-locations", false, "do not read the supported sensor locations")
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		if err := s.listenCSC(); err != nil {
			return err
		}
		var flags cscm.ConfigureFlags
		if *skip {
			flags |= cscm.ConfigureSkipSupportedSensorLocations
		}
		if err := s.csc.ConfigureRemoteSensor(ctx, addr, flags); err != nil {
			return err
		}
		ev, err := s.waitFor(ctx, func(ev any) bool {
			e, ok := ev.(*cscm.ConfigurationStatusChangedEvent)
			return ok && e.Addr == addr
		})
		if err != nil {
			return err
		}
		e := ev.(*cscm.ConfigurationStatusChangedEvent)
		fmt.Fprintf(out, "%s configured=%t status=%s\n", addr, e.Configured, e.Status)
		return nil
	}
}

func unconfigureCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		if err := s.csc.UnConfigureRemoteSensor(ctx, addr); err != nil {
			return err
		}
		fmt.Fprintf(out, "%s unconfigured\n", addr)
		return nil
	}
}

func locationCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		if err := s.listenCSC(); err != nil {
			return err
		}
		txn, err := s.csc.GetSensorLocation(ctx, addr)
		if err != nil {
			return err
		}
		ev, err := s.waitFor(ctx, func(ev any) bool {
			e, ok := ev.(*cscm.SensorLocationResponseEvent)
			return ok && e.TransactionID == txn
		})
		if err != nil {
			return err
		}
		e := ev.(*cscm.SensorLocationResponseEvent)
		if e.Status != cscm.ProcedureSuccess {
			return fmt.Errorf("read location of %s: %s", addr, e.Status)
		}
		fmt.Fprintf(out, "%s location=%s\n", addr, e.Location)
		return nil
	}
}

// waitProcedure waits for the end of control point procedure id.
func waitProcedure(ctx context.Context, s *session, addr bt.Addr, id uint32, out io.Writer) error {
	ev, err := s.waitFor(ctx, func(ev any) bool {
		e, ok := ev.(*cscm.ProcedureCompleteEvent)
		return ok && e.ProcedureID == id
	})
	if err != nil {
		return err
	}
	e := ev.(*cscm.ProcedureCompleteEvent)
	if e.Status != cscm.ProcedureSuccess {
		return fmt.Errorf("procedure %d on %s: %s (response 0x%x)", id, addr, e.Status, e.ResponseErrorCode)
	}
	fmt.Fprintf(out, "%s procedure %d done\n", addr, id)
	return nil
}

func setCumulativeCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		v, err := strconv.ParseUint(args[1], 0, 32)
		if err != nil {
			return fmt.Errorf("bad cumulative value %q", args[1])
		}
		if err := s.listenCSC(); err != nil {
			return err
		}
		id, err := s.csc.UpdateCumulativeValue(ctx, addr, uint32(v))
		if err != nil {
			return err
		}
		return waitProcedure(ctx, s, addr, id, out)
	}
}

func setLocationCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, args []string, out io.Writer) error {
		addr, err := parseAddr(args[0])
		if err != nil {
			return err
		}
		loc, err := cscm.ParseSensorLocation(args[1])
		if err != nil {
			return err
		}
		if err := s.listenCSC(); err != nil {
			return err
		}
		id, err := s.csc.UpdateSensorLocation(ctx, addr, loc)
		if err != nil {
			return err
		}
		return waitProcedure(ctx, s, addr, id, out)
	}
}

// describe prints an event as its catalogue name and fields.
func describe(ev any) string {
	switch e := ev.(type) {
	case cscm.Event:
		return fmt.Sprintf("%s %+v", ipc.Messages().Name(cscm.Group, e.Function()), e)
	case tdsm.Event:
		return fmt.Sprintf("%s %+v", ipc.Messages().Name(tdsm.Group, e.Function()), e)
	default:
		return fmt.Sprintf("%+v", ev)
	}
}

func watchCmd(fs *pflag.FlagSet) action {
	count := fs.Int("count", 0, "stop after this many events, 0 runs until interrupted")
	return func(ctx context.Context, s *session, _ []string, out io.Writer) error {
		if err := s.listenCSC(); err != nil {
			return err
		}
		if _, err := s.listen3D(false); err != nil {
			return err
		}
		for n := 0; *count == 0 || n < *count; n++ {
			ev, err := s.waitFor(ctx, func(any) bool { return true })
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			fmt.Fprintln(out, describe(ev))
		}
		return nil
	}
}

func info3DCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, _ []string, out io.Writer) error {
		info, err := s.sync3d.GetCurrentBroadcastInfo(ctx)
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "broadcasting:      %t\n", info.CurrentBroadcasting)
		fmt.Fprintf(out, "video mode:        %d\n", info.VideoMode)
		fmt.Fprintf(out, "syncs per capture: %d\n", info.SyncsPerClockCapture)
		fmt.Fprintf(out, "period:            %d.%d\n", info.LastKnownPeriod, info.LastKnownPeriodFraction)
		fmt.Fprintf(out, "left open/close:   %d/%d\n", info.LeftOpenOffset, info.LeftCloseOffset)
		fmt.Fprintf(out, "right open/close:  %d/%d\n", info.RightOpenOffset, info.RightCloseOffset)
		return nil
	}
}

func start3DCmd(fs *pflag.FlagSet) action {
	csb := tdsm.CSBParams{}
	sync := tdsm.SyncTrainParams{}
	fs.Uint16Var(&csb.MinInterval, "min", tdsm.MinCSBInterval, "minimum broadcast interval in slots")
	fs.Uint16Var(&csb.MaxInterval, "max", tdsm.MaxCSBInterval, "maximum broadcast interval in slots")
	fs.Uint16Var(&csb.SupervisionTimeout, "supervision", 0x2000, "supervision timeout in slots")
	fs.BoolVar(&csb.LowPowerEnabled, "low-power", false, "allow low power broadcast")
	fs.Uint16Var(&sync.MinInterval, "sync-min", 0x80, "minimum sync train interval in slots")
	fs.Uint16Var(&sync.MaxInterval, "sync-max", 0x100, "maximum sync train interval in slots")
	fs.Uint32Var(&sync.Timeout, "sync-timeout", 0x2EE00, "sync train timeout in slots")
	return func(ctx context.Context, s *session, _ []string, out io.Writer) error {
		control, err := s.listen3D(true)
		if err != nil {
			return err
		}
		interval, err := s.sync3d.EnableCSB(ctx, control, csb)
		if err != nil {
			return fmt.Errorf("enable broadcast: %w", err)
		}
		fmt.Fprintf(out, "broadcast on, interval %d slots\n", interval)
		if _, err := s.sync3d.WriteSyncTrainParams(ctx, control, sync); err != nil {
			return fmt.Errorf("sync train parameters: %w", err)
		}
		if err := s.sync3d.StartSyncTrain(ctx, control); err != nil {
			return fmt.Errorf("start sync train: %w", err)
		}
		ev, err := s.waitFor(ctx, func(ev any) bool {
			_, ok := ev.(*tdsm.SyncTrainCompleteEvent)
			return ok
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(out, "sync train complete, status %d\n", ev.(*tdsm.SyncTrainCompleteEvent).Status)
		return nil
	}
}

func stop3DCmd(*pflag.FlagSet) action {
	return func(ctx context.Context, s *session, _ []string, out io.Writer) error {
		control, err := s.listen3D(true)
		if err != nil {
			return err
		}
		if err := s.sync3d.DisableCSB(ctx, control); err != nil {
			return err
		}
		fmt.Fprintln(out, "broadcast off")
		return nil
	}
}
