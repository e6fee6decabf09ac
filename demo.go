package main

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"net"
	"time"

	"github.com/rs/zerolog"

	"github.com/embtrace/rtos-recorder/recorder"
	"github.com/embtrace/rtos-recorder/transport"
	"github.com/embtrace/rtos-recorder/types"
)

// demoRAMBase mirrors the SRAM origin of a typical Cortex-M part, so the
// simulated task handles look like real control-block addresses.
const demoRAMBase = 0x2000_0000

type demoTask struct {
	handle uint64
	name   string
	prio   uint32
}

// runDemo drives a simulated target into the collector's own trace port:
// three tasks round-robin under a periodic tick interrupt, with marker
// spans around the control task's work and occasional idle slots. It
// returns when the context is cancelled.
func runDemo(ctx context.Context, addr string, logger zerolog.Logger) error {
	tasks := []demoTask{
		{demoRAMBase + 0x100, "control", 4},
		{demoRAMBase + 0x200, "sensor", 3},
		{demoRAMBase + 0x300, "logger", 1},
	}

	session := recorder.New()
	err := session.Configure(recorder.Config{
		RAMBase:    demoRAMBase,
		Mode:       types.ModeStreaming,
		BufferSize: 64 << 10,
		Clock:      recorder.NewCycleCounter(64_000_000),
		Tasks: recorder.TaskListerFunc(func(yield func(recorder.TaskInfo) bool) {
			for _, dt := range tasks {
				info := recorder.TaskInfo{
					Handle:    dt.handle,
					Name:      dt.name,
					Priority:  dt.prio,
					State:     types.TaskReady,
					StackBase: dt.handle + 0x1000,
					StackSize: 4096,
				}
				if !yield(info) {
					return
				}
			}
		}),
		Describe: func(s *recorder.Session) {
			s.SendSystemDescription("N=demo-target,D=simulated Cortex-M")
			s.SendTaskList()
			s.IsrSendInfo(15, 0, 0, "SysTick")
		},
	})
	if err != nil {
		return fmt.Errorf("configuring demo target: %w", err)
	}
	if err := session.Start(); err != nil {
		return fmt.Errorf("starting demo target: %w", err)
	}
	defer session.Stop()

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return fmt.Errorf("dialing trace port: %w", err)
	}
	defer conn.Close()

	logger.Info().Str("addr", addr).Msg("demo target streaming")

	streamCtx, cancel := context.WithCancel(context.Background())
	defer cancel()
	streamDone := make(chan error, 1)
	go func() {
		streamDone <- transport.NewStreamer(session, conn, 50*time.Millisecond).Run(streamCtx)
	}()

	scheduler := time.NewTicker(5 * time.Millisecond)
	defer scheduler.Stop()
	slot := 0
	for {
		select {
		case <-ctx.Done():
			// Stop before the final drain so the tail of the trace,
			// overflow accounting included, reaches the collector.
			session.Stop()
			cancel()
			err := <-streamDone
			if err == nil || errors.Is(err, context.Canceled) {
				return nil
			}
			return err
		case <-scheduler.C:
			session.IsrEnter(15)
			next := tasks[slot%len(tasks)]
			session.TaskReadyBegin(next.handle)
			session.IsrExitToScheduler()
			session.TaskReadyEnd(next.handle)
			session.TaskExecBegin(next.handle)
			if next.name == "control" {
				session.MarkerBegin(1)
				time.Sleep(time.Duration(rand.Intn(400)) * time.Microsecond)
				session.MarkerEnd(1)
			}
			if rand.Intn(4) == 0 {
				session.TaskExecEnd()
				session.SystemIdle()
			}
			slot++
		}
	}
}

// demoTargetAddr rewrites a listen address into something dialable on
// the local host.
func demoTargetAddr(listen string) string {
	host, port, err := net.SplitHostPort(listen)
	if err != nil {
		return listen
	}
	if host == "" || host == "::" || host == "0.0.0.0" {
		host = "127.0.0.1"
	}
	return net.JoinHostPort(host, port)
}
