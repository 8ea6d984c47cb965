// Package receiver implements the receive command: connect to a share by
// code or link, list its files and download them.
package receiver

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"strconv"
	"sync"

	"github.com/sheerbytes/jalebi/internal/chunkproto"
	"github.com/sheerbytes/jalebi/internal/config"
	"github.com/sheerbytes/jalebi/internal/connmgr"
	"github.com/sheerbytes/jalebi/internal/logging"
	"github.com/sheerbytes/jalebi/internal/progress"
	"github.com/sheerbytes/jalebi/internal/session"
	"github.com/sheerbytes/jalebi/internal/transfer"
	"github.com/sheerbytes/jalebi/internal/transport"
)

// Options carries the process surroundings of a receive.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Negotiator replaces the transport selected by the config.
	Negotiator transport.Negotiator
}

// Run parses args and downloads from the share they name. It returns the
// process exit status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.ParseClientConfig("receive", args)
	if errors.Is(err, flag.ErrHelp) {
		return 0
	}
	if err != nil {
		fmt.Fprintln(stderr, err)
		return 2
	}
	if len(cfg.Args) == 0 {
		printUsage(stderr)
		return 2
	}
	if _, err := Receive(ctx, cfg, Options{Stdout: stdout, Stderr: stderr}); err != nil {
		fmt.Fprintf(stderr, "receive failed: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: jalebi receive [flags] <code|link> [index...]")
	fmt.Fprintln(w, "downloads every file unless indices are given")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  --out <dir>           directory to save into (default .)")
	fmt.Fprintln(w, "  --transport webrtc    peer transport (webrtc, quic)")
	fmt.Fprintln(w, "  --server-url <url>    signaling server")
	fmt.Fprintln(w, "  --stun <url>          STUN server (repeatable)")
	fmt.Fprintln(w, "  --turn <url>          TURN server (repeatable)")
}

// Receive connects to the share named by cfg.Args[0] and downloads the files
// selected by the remaining arguments. It returns the saved paths.
func Receive(ctx context.Context, cfg config.ClientConfig, opts Options) ([]string, error) {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	if len(cfg.Args) == 0 {
		return nil, errors.New("no code given")
	}
	logger := logging.NewWithWriter(opts.Stderr, "jalebi", cfg.LogLevel)

	info, err := session.ParseShareTarget(cfg.Args[0])
	if err != nil {
		return nil, err
	}
	if info.Filename != "" {
		fmt.Fprintf(opts.Stdout, "joining %s: %s (%s)\n", info.Code, info.Filename, progress.FormatSize(info.Size))
	}

	mcfg := connmgr.FromClientConfig(cfg, logger)
	mcfg.Negotiator = opts.Negotiator
	mgr, conn, err := connmgr.Connect(ctx, mcfg, info.Code)
	if err != nil {
		return nil, err
	}
	defer mgr.Close()

	r := transfer.NewReceiver(conn, transfer.ReceiverConfig{
		Saver:  transfer.DirSaver{Dir: cfg.OutDir},
		Logger: logger,
	})
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	runDone := make(chan struct{})
	go func() {
		defer close(runDone)
		if err := r.Run(runCtx); err != nil && !errors.Is(err, context.Canceled) {
			logger.Debug("receiver stopped", "error", err)
		}
	}()
	defer func() {
		cancel()
		<-runDone
	}()

	files, err := r.WaitFileList(ctx)
	if err != nil {
		return nil, describe(err)
	}
	for _, f := range files {
		fmt.Fprintf(opts.Stdout, "  [%d] %s (%s)\n", f.Index, f.Name, progress.FormatSize(f.Size))
	}

	indices, err := selection(cfg.Args[1:], files)
	if err != nil {
		return nil, err
	}

	saved := make([]string, 0, len(indices))
	for _, i := range indices {
		stop := progress.Render(ctx, opts.Stderr, receiverView(r, info.Code))
		st, err := r.Download(ctx, i)
		stop()
		if err != nil {
			return saved, describe(err)
		}
		fmt.Fprintf(opts.Stdout, "saved: %s\n", st.SavedAs)
		saved = append(saved, st.SavedAs)
	}
	return saved, nil
}

// selection resolves index arguments against the listing. No arguments
// selects every file.
func selection(args []string, files []chunkproto.FileDescriptor) ([]int, error) {
	if len(args) == 0 {
		all := make([]int, len(files))
		for i := range files {
			all[i] = files[i].Index
		}
		return all, nil
	}
	out := make([]int, 0, len(args))
	for _, a := range args {
		i, err := strconv.Atoi(a)
		if err != nil || i < 0 || i >= len(files) {
			return nil, fmt.Errorf("%w: %q (have %d files)", transfer.ErrInvalidIndex, a, len(files))
		}
		out = append(out, i)
	}
	return out, nil
}

func describe(err error) error {
	var te *transfer.TransferError
	if errors.As(err, &te) && te.Code == chunkproto.CodeEmptyStore {
		return errors.New("the sender has no files to share")
	}
	if errors.Is(err, transfer.ErrConnectionClosed) {
		return errors.New("the sender went away before the download finished")
	}
	return err
}

func receiverView(r *transfer.Receiver, code string) func() progress.View {
	var (
		mu      sync.Mutex
		meter   = progress.NewMeter()
		current = -1
	)
	return func() progress.View {
		st := r.Status()
		mu.Lock()
		defer mu.Unlock()
		if st.State == transfer.ReceiverDownloading && st.FileIndex != current {
			current = st.FileIndex
			meter.Start(st.FileSize)
		}
		if current >= 0 {
			meter.Set(st.Received)
		}
		v := progress.View{
			Role:   "receive",
			Code:   code,
			State:  st.State.String(),
			File:   st.Filename,
			Stats:  meter.Snapshot(),
			Remote: st.RemoteProgress,
		}
		if st.Err != nil {
			v.Err = st.Err.Error()
		}
		return v
	}
}
