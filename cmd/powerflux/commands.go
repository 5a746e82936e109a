// Copyright (c) 2026 Daniel Alarcon Rubio / Relabs Tech
// SPDX-License-Identifier: MIT
// See LICENSE file for full license text

package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/relabs-tech/powerflux/internal/app"
	"github.com/relabs-tech/powerflux/internal/session"
)

func newScanCommand(g *globals) *cobra.Command {
	var count int
	cmd := &cobra.Command{
		Use:   "scan",
		Short: "Connect to the sensor and print a few samples",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			samples := rt.Link.Samples(64)
			defer samples.Close()
			if err := rt.Connect(ctx); err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Connected to %s\n", rt.Link.DeviceAddress())

			for i := 0; i < count; i++ {
				select {
				case <-ctx.Done():
					return nil
				case s, ok := <-samples.C:
					if !ok {
						return errors.New("link closed")
					}
					fmt.Fprintf(out, "t=%8d  acc=(%7.3f, %7.3f, %7.3f)  gyr=(%8.2f, %8.2f, %8.2f)  |a|=%.3f\n",
						s.Timestamp, s.AccX, s.AccY, s.AccZ, s.GyrX, s.GyrY, s.GyrZ, s.AccelMagnitude())
				case <-time.After(5 * time.Second):
					return errors.New("no samples received within 5s")
				}
			}
			st := rt.Link.Stats()
			fmt.Fprintf(out, "frames=%d samples=%d drops=%d decode_errors=%d\n",
				st.Frames, st.Samples, st.QueueDrops, st.DecodeErrors)
			return rt.Link.Disconnect()
		},
	}
	cmd.Flags().IntVarP(&count, "count", "n", 10, "number of samples to print")
	return cmd
}

func newRecordCommand(g *globals) *cobra.Command {
	var opts app.RecordOptions
	cmd := &cobra.Command{
		Use:   "record",
		Short: "Record a session until Ctrl+C or --duration",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.OpenStore(ctx); err != nil {
				return err
			}
			if err := rt.Connect(ctx); err != nil {
				return err
			}

			pctx, stop := context.WithCancel(ctx)
			grp, pctx := errgroup.WithContext(pctx)
			grp.Go(func() error { return rt.Pipeline.Run(pctx) })

			opts.Out = cmd.OutOrStdout()
			_, recErr := app.RunRecord(ctx, rt.Store, rt.Pipeline, opts)
			stop()
			return errors.Join(recErr, grp.Wait())
		},
	}
	cmd.Flags().StringVarP(&opts.ExerciseType, "exercise", "e", "", "exercise type")
	cmd.Flags().StringVar(&opts.Comments, "comments", "", "free text comments")
	cmd.Flags().DurationVarP(&opts.Duration, "duration", "d", 0, "stop after this long (0 records until Ctrl+C)")
	return cmd
}

func newCalibrateCommand(g *globals) *cobra.Command {
	var (
		full      bool
		resultDir string
	)
	cmd := &cobra.Command{
		Use:   "calibrate",
		Short: "Run the on-device calibration with console guidance",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.Connect(ctx); err != nil {
				return err
			}
			_, err = app.RunCalibrate(ctx, rt.Calibration, app.CalibrateOptions{
				Full:      full,
				Device:    rt.Link.DeviceAddress(),
				ResultDir: resultDir,
				In:        cmd.InOrStdin(),
				Out:       cmd.OutOrStdout(),
			})
			return err
		},
	}
	cmd.Flags().BoolVar(&full, "full", false, "six position calibration instead of the quick one")
	cmd.Flags().StringVar(&resultDir, "out", "calibration", "directory for the calibration record (empty to skip)")
	return cmd
}

func newServeCommand(g *globals) *cobra.Command {
	var withMQTT bool
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the HTTP API and live WebSocket feed",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.OpenStore(ctx); err != nil {
				return err
			}

			grp, gctx := errgroup.WithContext(ctx)
			if withMQTT {
				if err := startRelay(gctx, grp, rt); err != nil {
					return err
				}
			}
			grp.Go(func() error { return rt.Pipeline.Run(gctx) })

			srv := app.NewServer(rt.Link, rt.Calibration, rt.Pipeline, rt.Store, rt.Log)
			grp.Go(func() error {
				return srv.Run(gctx, ":"+strconv.Itoa(rt.Config.WebServerPort))
			})
			grp.Go(func() error {
				// Not fatal: the API can start another scan.
				if err := rt.Connect(gctx); err != nil {
					rt.Log.Warn("initial connect failed", "error", err)
				}
				return nil
			})
			return grp.Wait()
		},
	}
	cmd.Flags().BoolVar(&withMQTT, "mqtt", false, "also publish to the MQTT broker")
	return cmd
}

func newRelayCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "relay",
		Short: "Publish samples, orientation, calibration and link status to MQTT",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()

			grp, gctx := errgroup.WithContext(ctx)
			if err := startRelay(gctx, grp, rt); err != nil {
				return err
			}
			grp.Go(func() error { return rt.Pipeline.Run(gctx) })
			if err := rt.Connect(gctx); err != nil {
				return err
			}
			return grp.Wait()
		},
	}
}

// startRelay connects to the broker and runs the relay in grp.
func startRelay(ctx context.Context, grp *errgroup.Group, rt *app.Runtime) error {
	client, err := app.DialMQTT(rt.Config.MQTTBroker, rt.Config.MQTTClientIDRelay, rt.Log)
	if err != nil {
		return err
	}
	relay := app.NewRelay(client, app.TopicsFromConfig(rt.Config), rt.Log)
	frames := rt.Pipeline.Frames(256)
	status := rt.Link.StatusUpdates(16)
	calib := rt.Calibration.Updates(16)
	grp.Go(func() error {
		defer client.Close()
		defer frames.Close()
		defer status.Close()
		defer calib.Close()
		return relay.Run(ctx, frames, status, calib)
	})
	return nil
}

func newConsoleCommand(g *globals) *cobra.Command {
	return &cobra.Command{
		Use:   "console",
		Short: "Print the messages published by a relay",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			client, err := app.DialMQTT(rt.Config.MQTTBroker, rt.Config.MQTTClientIDConsole, rt.Log)
			if err != nil {
				return err
			}
			defer client.Close()
			return app.RunConsole(cmd.Context(), client, app.TopicsFromConfig(rt.Config), cmd.OutOrStdout(), rt.Log)
		},
	}
}

func newExportCommand(g *globals) *cobra.Command {
	var (
		format string
		output string
	)
	cmd := &cobra.Command{
		Use:   "export <session-id>",
		Short: "Export a session as CSV, magnitude CSV or JSON",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			f, err := session.ParseFormat(format)
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			rt, err := g.runtime()
			if err != nil {
				return err
			}
			defer rt.Close()
			if err := rt.OpenStore(ctx); err != nil {
				return err
			}

			w := cmd.OutOrStdout()
			if output != "" {
				file, err := os.Create(output)
				if err != nil {
					return err
				}
				defer file.Close()
				w = file
			}
			if err := rt.Store.Export(ctx, args[0], f, w); err != nil {
				return err
			}
			if output != "" {
				fmt.Fprintf(cmd.ErrOrStderr(), "Wrote: %s\n", output)
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "csv", "csv, magnitude or json")
	cmd.Flags().StringVarP(&output, "output", "o", "", "output file (default stdout)")
	return cmd
}

func newSessionsCommand(g *globals) *cobra.Command {
	// withStore runs fn with an opened store.
	withStore := func(cmd *cobra.Command, fn func(context.Context, *session.Store) error) error {
		ctx := cmd.Context()
		rt, err := g.runtime()
		if err != nil {
			return err
		}
		defer rt.Close()
		if err := rt.OpenStore(ctx); err != nil {
			return err
		}
		return fn(ctx, rt.Store)
	}

	cmd := &cobra.Command{
		Use:   "sessions",
		Short: "List recorded sessions",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withStore(cmd, func(ctx context.Context, store *session.Store) error {
				list, err := store.ListSessions(ctx)
				if err != nil {
					return err
				}
				tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
				fmt.Fprintln(tw, "ID\tSTART\tDURATION\tEXERCISE\tCOMMENTS")
				for _, s := range list {
					dur := "active"
					if s.EndTime != nil {
						dur = s.EndTime.Sub(s.StartTime).Round(time.Second).String()
					}
					fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n", s.ID, s.StartTime.Local().Format(time.DateTime), dur, deref(s.ExerciseType), deref(s.Comments))
				}
				return tw.Flush()
			})
		},
	}

	show := &cobra.Command{
		Use:   "show <session-id>",
		Short: "Show one session",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *session.Store) error {
				s, err := store.GetSession(ctx, args[0])
				if err != nil {
					return err
				}
				n, err := store.MeasurementCount(ctx, s.ID)
				if err != nil {
					return err
				}
				out := cmd.OutOrStdout()
				fmt.Fprintf(out, "ID:           %s\n", s.ID)
				fmt.Fprintf(out, "Start:        %s\n", s.StartTime.Local().Format(time.RFC3339))
				if s.EndTime != nil {
					fmt.Fprintf(out, "End:          %s\n", s.EndTime.Local().Format(time.RFC3339))
				}
				fmt.Fprintf(out, "Exercise:     %s\n", deref(s.ExerciseType))
				fmt.Fprintf(out, "Comments:     %s\n", deref(s.Comments))
				fmt.Fprintf(out, "Measurements: %d\n", n)
				return nil
			})
		},
	}

	var exercise, comments string
	update := &cobra.Command{
		Use:   "update <session-id>",
		Short: "Change exercise type or comments",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var upd session.SessionUpdate
			if cmd.Flags().Changed("exercise") {
				upd.ExerciseType = &exercise
			}
			if cmd.Flags().Changed("comments") {
				upd.Comments = &comments
			}
			return withStore(cmd, func(ctx context.Context, store *session.Store) error {
				_, err := store.UpdateSession(ctx, args[0], upd)
				return err
			})
		},
	}
	update.Flags().StringVarP(&exercise, "exercise", "e", "", "exercise type")
	update.Flags().StringVar(&comments, "comments", "", "free text comments")

	del := &cobra.Command{
		Use:   "delete <session-id>",
		Short: "Delete a session and its measurements",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withStore(cmd, func(ctx context.Context, store *session.Store) error {
				return store.DeleteSession(ctx, args[0])
			})
		},
	}

	cmd.AddCommand(show, update, del)
	return cmd
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
