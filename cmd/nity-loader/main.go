// nity-loader loads the connect-hook object, pins its maps where the
// agent and exporter expect them, and attaches the program to a
// control group so every outbound IPv4 connect() in that cgroup runs
// the selection pipeline.
package main

import (
	"context"
	"flag"
	"log/slog"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/cilium/ebpf"
	"github.com/cilium/ebpf/link"
	"github.com/cilium/ebpf/rlimit"
	"github.com/joho/godotenv"

	"github.com/Demians12/Continuity/internal/abi"
)

func main() {
	var (
		cgroupPath = flag.String("cgroup", "/sys/fs/cgroup", "cgroup v2 path to attach to")
		pinDir     = flag.String("pin-dir", "/sys/fs/bpf/nity", "bpffs directory for map pins")
	)
	flag.Parse()

	_ = godotenv.Load()
	logger := slog.New(slog.NewTextHandler(os.Stderr, nil))

	// Allow the current process to lock memory for eBPF resources.
	if err := rlimit.RemoveMemlock(); err != nil {
		logger.Error("removing memlock", "error", err)
		os.Exit(1)
	}

	if err := os.MkdirAll(*pinDir, 0o755); err != nil {
		logger.Error("creating pin dir", "pin_dir", *pinDir, "error", err)
		os.Exit(1)
	}

	objs := connectObjects{}
	if err := loadConnectObjects(&objs, &ebpf.CollectionOptions{
		Maps: ebpf.MapOptions{PinPath: *pinDir},
	}); err != nil {
		logger.Error("loading objects", "error", err)
		os.Exit(1)
	}
	defer objs.Close()

	lnk, err := link.AttachCgroup(link.CgroupOptions{
		Path:    *cgroupPath,
		Attach:  ebpf.AttachCGroupInet4Connect,
		Program: objs.NityConnect4,
	})
	if err != nil {
		logger.Error("attaching connect4 hook", "cgroup", *cgroupPath, "error", err)
		os.Exit(1)
	}
	defer lnk.Close()

	logger.Info("connect4 hook attached",
		"cgroup", *cgroupPath,
		"pin_dir", *pinDir,
		"maps", filepath.Join(*pinDir, abi.MapSlotTableA)+" ...")

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	<-ctx.Done()
	logger.Info("detaching")
}
