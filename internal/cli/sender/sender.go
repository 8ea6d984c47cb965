// Package sender implements the share command: stage files under a code,
// wait for a receiver and serve it.
package sender

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"io"
	"log/slog"
	"sync"

	"github.com/sheerbytes/jalebi/internal/config"
	"github.com/sheerbytes/jalebi/internal/connmgr"
	"github.com/sheerbytes/jalebi/internal/logging"
	"github.com/sheerbytes/jalebi/internal/progress"
	"github.com/sheerbytes/jalebi/internal/session"
	"github.com/sheerbytes/jalebi/internal/staging"
	"github.com/sheerbytes/jalebi/internal/transfer"
	"github.com/sheerbytes/jalebi/internal/transport"
)

// Options carries the process surroundings of a share.
type Options struct {
	Stdout io.Writer
	Stderr io.Writer
	// Negotiator replaces the transport selected by the config.
	Negotiator transport.Negotiator
	// Ready, when set, receives the code once the share is registered.
	Ready func(code string)
}

// Run parses args and shares the named files. It returns the process exit
// status.
func Run(ctx context.Context, args []string, stdout, stderr io.Writer) int {
	cfg, err := config.ParseClientConfig("share", args)
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
	if err := Share(ctx, cfg, Options{Stdout: stdout, Stderr: stderr}); err != nil {
		fmt.Fprintf(stderr, "share failed: %v\n", err)
		return 1
	}
	return 0
}

func printUsage(w io.Writer) {
	fmt.Fprintln(w, "usage: jalebi share [flags] <path> [path...]")
	fmt.Fprintln(w, "flags:")
	fmt.Fprintln(w, "  --code 1234           use a fixed 4-digit code")
	fmt.Fprintln(w, "  --window 8            unacknowledged chunks in flight (0 = unbounded)")
	fmt.Fprintln(w, "  --staging-dir <dir>   keep staged files on disk instead of in memory")
	fmt.Fprintln(w, "  --transport webrtc    peer transport (webrtc, quic)")
	fmt.Fprintln(w, "  --server-url <url>    signaling server")
	fmt.Fprintln(w, "  --share-base <url>    base of the printed share link")
	fmt.Fprintln(w, "  --stun <url>          STUN server (repeatable)")
	fmt.Fprintln(w, "  --turn <url>          TURN server (repeatable)")
}

// Share stages cfg.Args under a code and serves one receiver until it
// disconnects.
func Share(ctx context.Context, cfg config.ClientConfig, opts Options) error {
	if opts.Stdout == nil {
		opts.Stdout = io.Discard
	}
	if opts.Stderr == nil {
		opts.Stderr = io.Discard
	}
	logger := logging.NewWithWriter(opts.Stderr, "jalebi", cfg.LogLevel)

	code := cfg.Code
	if code == "" {
		code = session.NewCode()
	}
	if !session.ValidCode(code) {
		return fmt.Errorf("%w: %q", session.ErrInvalidCode, code)
	}

	store, err := openStore(cfg.StagingDir, logger)
	if err != nil {
		return fmt.Errorf("open staging store: %w", err)
	}
	defer store.Close()

	files := make([]staging.File, 0, len(cfg.Args))
	for _, path := range cfg.Args {
		f, err := staging.FileFromPath(path)
		if err != nil {
			return err
		}
		files = append(files, f)
	}
	snap, err := store.Put(code, files)
	if err != nil {
		return fmt.Errorf("stage files: %w", err)
	}
	defer func() {
		if err := store.Clear(code); err != nil {
			logger.Warn("failed to clear staged files", "code", code, "error", err)
		}
	}()
	if len(snap.Files) == 0 {
		return errors.New("nothing to share: every file was empty or unreadable")
	}

	mcfg := connmgr.FromClientConfig(cfg, logger)
	mcfg.Negotiator = opts.Negotiator
	mgr, err := connmgr.Open(ctx, mcfg, code)
	if err != nil {
		return err
	}
	defer mgr.Close()

	printShare(opts.Stdout, cfg.ShareBase, code, snap)
	if opts.Ready != nil {
		opts.Ready(code)
	}

	conn, err := mgr.Accept(ctx)
	if err != nil {
		return err
	}
	logger.Info("receiver connected", "code", code)

	s := transfer.NewSender(conn, transfer.SenderConfig{
		Code:   code,
		Store:  store,
		Window: cfg.Window,
		Logger: logger,
	})
	stop := progress.Render(ctx, opts.Stderr, senderView(s, code))
	err = s.Run(ctx)
	stop()
	if err != nil {
		return err
	}
	fmt.Fprintf(opts.Stdout, "done: %d file(s) sent\n", s.Status().Completed)
	return nil
}

func openStore(dir string, logger *slog.Logger) (*staging.Store, error) {
	if dir == "" {
		return staging.OpenInMemory(logger)
	}
	return staging.Open(dir, logger)
}

func printShare(w io.Writer, base, code string, snap staging.Snapshot) {
	info := session.ShareInfo{Code: code}
	if len(snap.Files) == 1 {
		info.Filename = snap.Files[0].Name
		info.Size = snap.Files[0].Size
	}
	fmt.Fprintf(w, "code: %s\n", code)
	if link, err := session.ShareURL(base, info); err == nil {
		fmt.Fprintf(w, "link: %s\n", link)
	}
	for _, f := range snap.Files {
		fmt.Fprintf(w, "  [%d] %s (%s)\n", f.Index, f.Name, progress.FormatSize(f.Size))
	}
}

// senderView feeds the sender's status into a rate meter that restarts
// whenever a new file starts streaming.
func senderView(s *transfer.Sender, code string) func() progress.View {
	var (
		mu      sync.Mutex
		meter   = progress.NewMeter()
		current = -1
	)
	return func() progress.View {
		st := s.Status()
		mu.Lock()
		defer mu.Unlock()
		if st.State == transfer.SenderStreaming && st.FileIndex != current {
			current = st.FileIndex
			meter.Start(st.FileSize)
		}
		if current >= 0 {
			meter.Set(st.Offset)
		}
		return progress.View{
			Role:  "share",
			Code:  code,
			State: st.State.String(),
			File:  st.Filename,
			Stats: meter.Snapshot(),
			Err:   st.Err,
		}
	}
}
