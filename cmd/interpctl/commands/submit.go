package commands

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/mohans/interpx/dispatch"
	"github.com/mohans/interpx/interp"
)

type submitFlags struct {
	watch      bool
	background bool
	output     string
}

func (f *submitFlags) register(cmd *cobra.Command) {
	cmd.Flags().BoolVarP(&f.watch, "watch", "w", true, "follow the job until it finishes")
	cmd.Flags().BoolVar(&f.background, "background", false, "hand tracking to the worker queue instead of watching")
	cmd.Flags().StringVarP(&f.output, "output", "o", "", "download the result to this path when done")
}

func newVideoCommand(a *app) *cobra.Command {
	var (
		flags submitFlags
		req   interp.VideoRequest
	)
	cmd := &cobra.Command{
		Use:   "video FILE",
		Args:  cobra.ExactArgs(1),
		Short: "Interpolate a video",
		Long:  `Upload a video and insert 2^exp-1 frames between every pair of source frames.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			f, closeFile, err := openUpload(args[0])
			if err != nil {
				return err
			}
			defer closeFile()
			req.File = f
			return a.submit(cmd, req, flags)
		},
	}
	cmd.Flags().IntVar(&req.Exp, "exp", 1, "frame multiplier exponent (1-6)")
	cmd.Flags().IntVar(&req.FPS, "fps", 0, "output frame rate, 0 keeps the source rate")
	cmd.Flags().IntVar(&req.Scale, "scale", 1, "processing scale (1 or 2)")
	flags.register(cmd)
	return cmd
}

func newFramesCommand(a *app) *cobra.Command {
	var (
		flags submitFlags
		req   interp.FramesRequest
	)
	cmd := &cobra.Command{
		Use:   "frames FRAME_A FRAME_B",
		Args:  cobra.ExactArgs(2),
		Short: "Synthesize frames between two images",
		RunE: func(cmd *cobra.Command, args []string) error {
			fa, closeA, err := openUpload(args[0])
			if err != nil {
				return err
			}
			defer closeA()
			fb, closeB, err := openUpload(args[1])
			if err != nil {
				return err
			}
			defer closeB()
			req.FrameA, req.FrameB = fa, fb
			return a.submit(cmd, req, flags)
		},
	}
	cmd.Flags().IntVar(&req.NumMid, "num-mid", 1, "number of intermediate frames (1-127)")
	flags.register(cmd)
	return cmd
}

func openUpload(path string) (*interp.File, func(), error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, nil, err
	}
	return &interp.File{Name: filepath.Base(path), Content: f}, func() { f.Close() }, nil
}

func (a *app) submit(cmd *cobra.Command, req interp.Request, flags submitFlags) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	client, err := a.client()
	if err != nil {
		return err
	}

	job, err := interp.NewSubmitter(client, a.log).Submit(ctx, req)
	if err != nil {
		return err
	}
	fmt.Fprintf(out, "submitted %s job %s (%s)\n", req.Kind(), job.ID, job.Status)
	if job.Kind == "" {
		job.Kind = req.Kind()
	}

	if flags.background {
		return a.enqueue(cmd, job)
	}
	if !flags.watch {
		return nil
	}
	return a.follow(cmd, client, job, flags.output)
}

func (a *app) enqueue(cmd *cobra.Command, job interp.JobDescriptor) error {
	store, closeStore, err := a.openStore(cmd.Context())
	if err != nil {
		return err
	}
	defer closeStore()
	dc := dispatch.NewClient(a.redisOpt(), store, dispatch.ClientOptions{Queue: a.cfg.Worker.Queue, Logger: a.log})
	defer dc.Close()

	info, err := dc.EnqueueTracking(cmd.Context(), job)
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "tracking queued on %s\n", info.Queue)
	return nil
}

// follow tracks job until it is terminal, then reports its result locators
// and optionally downloads the primary artifact.
func (a *app) follow(cmd *cobra.Command, client *interp.Client, job interp.JobDescriptor, output string) error {
	ctx := cmd.Context()
	out := cmd.OutOrStdout()
	opts := a.trackerOptions(out)
	if a.journal {
		store, closeStore, err := a.openStore(ctx)
		if err != nil {
			return err
		}
		defer closeStore()
		if err := store.InsertSubmitted(ctx, interp.NewJobRecord(job, job.Kind, time.Now().UTC())); err != nil {
			a.log.WithField("job_id", job.ID).WithError(err).Warn("journal submitted job failed")
		}
		_ = store.MarkTracking(ctx, job.ID, time.Now().UTC())
		opts.Recorder = store
	}

	tr := interp.NewTracker(client, opts)
	defer tr.Stop()
	if err := tr.Start(ctx, job); err != nil {
		return err
	}
	final, err := tr.Wait(ctx)
	if err != nil {
		return err
	}
	if final.ID == "" {
		return fmt.Errorf("service returned a job without id")
	}
	if sre := final.ServiceError(); sre != nil {
		return sre
	}
	if u, ok := client.DownloadURL(final); ok {
		fmt.Fprintf(out, "result: %s\n", u)
	}
	if u, ok := client.FramesArchiveURL(final); ok {
		fmt.Fprintf(out, "frames: %s\n", u)
	}
	if output == "" {
		return nil
	}
	locator, ok := final.ResultURL()
	if !ok {
		return fmt.Errorf("job %s has no result to download", final.ID)
	}
	return download(cmd, client, locator, output)
}

func download(cmd *cobra.Command, client *interp.Client, locator, path string) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	n, err := client.Download(cmd.Context(), locator, f)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		os.Remove(path)
		return fmt.Errorf("download %s: %w", locator, err)
	}
	fmt.Fprintf(cmd.OutOrStdout(), "wrote %d bytes to %s\n", n, path)
	return nil
}
