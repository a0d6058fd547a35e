// guestmon receives OS events from an agent inside a monitored guest,
// republishes them as typed notifications, and records them for analysis.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"go.uber.org/zap"

	"github.com/vmtrace/guestmon/binary"
	"github.com/vmtrace/guestmon/database"
	"github.com/vmtrace/guestmon/guest"
	"github.com/vmtrace/guestmon/monitor"
	"github.com/vmtrace/guestmon/sigma"
	"github.com/vmtrace/guestmon/stream"
	"github.com/vmtrace/guestmon/track"
	"github.com/vmtrace/guestmon/web"
)

func main() {
	cfg, err := loadConfig()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to load configuration: %v\n", err)
		os.Exit(1)
	}

	logger, err := newLogger(cfg.Debug)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to create logger: %v\n", err)
		os.Exit(1)
	}
	defer logger.Sync()

	db, err := database.NewDB(cfg.DataDir)
	if err != nil {
		logger.Fatal("failed to initialize database", zap.Error(err))
	}
	defer db.Close()

	resolver, err := binary.NewResolver(logger.Named("binary"), cfg.GuestFSRoots, cfg.ImageCacheSize)
	if err != nil {
		logger.Fatal("failed to create image resolver", zap.Error(err))
	}

	recorder := database.NewRecorder(db, logger.Named("recorder"))

	mon := monitor.New(logger.Named("monitor"), monitor.Config{
		TerminateOnSegfault: cfg.TerminateOnSegfault,
		TerminateOnTrap:     cfg.TerminateOnTrap,
		KernelImageName:     cfg.KernelImage,
	}, resolver, &panicHandler{log: logger.Named("panic"), recorder: recorder})

	recorder.Attach(mon)

	processes := track.NewProcessMap()
	processes.Attach(mon)

	detector, err := sigma.NewDetector(logger.Named("sigma"), cfg.RulesDir, db.Conn())
	if err != nil {
		logger.Fatal("failed to create sigma detector", zap.Error(err))
	}
	defer detector.Close()
	detector.Attach(mon)

	streamSrv := stream.NewServer(logger.Named("stream"), mon, cfg.SocketPath)
	if err := streamSrv.Listen(); err != nil {
		logger.Fatal("failed to bind command socket", zap.Error(err))
	}

	if cfg.DropPrivileges {
		if err := dropPrivileges(); err != nil {
			logger.Fatal("failed to drop privileges", zap.Error(err))
		}
		logger.Info("dropped root privileges")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go func() {
		if err := web.NewServer(logger.Named("web"), db, processes, cfg.WebListenAddr).Start(ctx); err != nil {
			logger.Error("web server error", zap.Error(err))
		}
	}()

	go func() {
		if err := streamSrv.Serve(ctx); err != nil {
			logger.Error("command stream error", zap.Error(err))
			cancel()
		}
	}()

	logger.Info("guest monitoring started",
		zap.String("socket", cfg.SocketPath),
		zap.String("web", cfg.WebListenAddr))

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	select {
	case <-sig:
		logger.Info("shutting down")
	case <-ctx.Done():
	}
}

func newLogger(debug bool) (*zap.Logger, error) {
	if debug {
		return zap.NewDevelopment()
	}
	return zap.NewProduction()
}

// panicHandler records guest kernel panics and ends the path. The message is
// read best-effort from the path's memory snapshot; a panicking kernel may
// hand us a pointer we cannot resolve.
type panicHandler struct {
	log      *zap.Logger
	recorder *database.Recorder
}

func (h *panicHandler) HandlePanic(p guest.Path, msgAddr, msgSize uint64) {
	// The size is guest-supplied; cap it before allocating.
	const maxPanicMessage = 4096
	if msgSize > maxPanicMessage {
		msgSize = maxPanicMessage
	}

	message := ""
	if msgSize > 0 {
		if raw, err := p.Memory().Read(msgAddr, int(msgSize)); err == nil {
			message = string(raw)
		} else {
			h.log.Warn("could not read panic message", zap.Error(err))
		}
	}

	h.log.Error("guest kernel panic",
		zap.Uint64("path", p.ID()), zap.String("message", message))

	h.recorder.RecordPanic(p.ID(), message)

	p.SetSwitchForbidden(true)
	p.Terminate("kernel panic")
}
