package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/embtrace/rtos-recorder/archive"
	"github.com/embtrace/rtos-recorder/database"
	"github.com/embtrace/rtos-recorder/decode"
	"github.com/embtrace/rtos-recorder/task"
	"github.com/embtrace/rtos-recorder/transport"
	"github.com/embtrace/rtos-recorder/types"
)

// Collector owns the host-side pipeline. Each accepted trace source
// becomes a database session; events are decoded, attributed to tasks,
// and stored as they arrive, with statistics synced on an interval so
// the dashboard tracks live sessions.
type Collector struct {
	cfg      *Config
	db       *database.DB
	captures *archive.Store
	log      zerolog.Logger
	wg       sync.WaitGroup
}

func NewCollector(cfg *Config, db *database.DB, captures *archive.Store, logger zerolog.Logger) *Collector {
	return &Collector{cfg: cfg, db: db, captures: captures, log: logger}
}

// Serve accepts target connections until the context is cancelled, then
// waits for in-flight sessions to close out.
func (c *Collector) Serve(ctx context.Context, ln *transport.Listener) error {
	go func() {
		<-ctx.Done()
		ln.Close()
	}()

	for {
		src, err := ln.Accept()
		if err != nil {
			if ctx.Err() != nil || errors.Is(err, net.ErrClosed) {
				break
			}
			// Handshake failures are per-connection, keep listening.
			c.log.Warn().Err(err).Msg("rejected trace connection")
			continue
		}
		c.log.Info().Str("source", src.Name()).Msg("target connected")
		c.wg.Add(1)
		go func() {
			defer c.wg.Done()
			c.handleSource(ctx, src)
		}()
	}

	c.wg.Wait()
	return nil
}

func (c *Collector) handleSource(ctx context.Context, src *transport.StreamSource) {
	defer src.Close()

	// Unblock the Read below when the collector shuts down.
	done := make(chan struct{})
	defer close(done)
	go func() {
		select {
		case <-ctx.Done():
			src.Close()
		case <-done:
		}
	}()

	sessionID, err := c.db.InsertSession(time.Now(), src.Name(), types.ModeStreaming.String())
	if err != nil {
		c.log.Error().Err(err).Msg("failed to open session")
		return
	}
	log := c.log.With().Int64("session", sessionID).Str("source", src.Name()).Logger()

	session := decode.NewSession()
	registry := task.NewRegistry()
	var batch []decode.Event
	emit := func(ev decode.Event) {
		registry.Apply(ev)
		batch = append(batch, ev)
	}

	flush := func() {
		if len(batch) == 0 {
			return
		}
		if err := c.db.InsertEvents(sessionID, batch); err != nil {
			log.Error().Err(err).Msg("failed to store events")
		}
		batch = batch[:0]
	}

	var metaStored bool
	syncStats := func() {
		// The frequency record arrives in the metadata burst right
		// after the session opens; store the description once seen.
		if !metaStored && session.Frequency() != 0 {
			if err := c.db.UpdateSessionMeta(sessionID, session.Description(), session.Frequency()); err != nil {
				log.Error().Err(err).Msg("failed to store session metadata")
			} else {
				metaStored = true
			}
		}
		registry.Describe(session.Tasks(), session.ISRs())
		if err := c.db.SyncTaskStats(sessionID, registry.Tasks()); err != nil {
			log.Error().Err(err).Msg("failed to sync task stats")
		}
		if err := c.db.SyncISRStats(sessionID, registry.ISRs()); err != nil {
			log.Error().Err(err).Msg("failed to sync isr stats")
		}
		if err := c.db.SyncMarkerStats(sessionID, registry.Markers()); err != nil {
			log.Error().Err(err).Msg("failed to sync marker stats")
		}
		if err := c.db.UpdateSessionCounters(sessionID, session.Counters(), registry.Summary().IdleCycles); err != nil {
			log.Error().Err(err).Msg("failed to sync session counters")
		}
	}

	statsTicker := time.NewTicker(time.Duration(c.cfg.StatsInterval))
	defer statsTicker.Stop()

	for {
		chunk, err := src.Read()
		if err != nil {
			if err != io.EOF && ctx.Err() == nil {
				log.Warn().Err(err).Msg("trace link lost")
			}
			break
		}
		if cerr := session.Consume(chunk.Payload, emit); cerr != nil {
			log.Error().Err(cerr).Msg("undecodable stream, closing session")
			break
		}
		flush()

		select {
		case <-statsTicker.C:
			syncStats()
		default:
		}
	}

	flush()
	syncStats()
	if err := c.db.CloseSession(sessionID, time.Now()); err != nil {
		log.Error().Err(err).Msg("failed to close session")
	}
	counters := session.Counters()
	log.Info().
		Uint64("records", counters.Records).
		Uint64("episodes", counters.Episodes).
		Msg("session finished")
}

// ImportSnapshot archives a post-mortem capture file, decodes it into a
// closed session, and returns the session id.
func (c *Collector) ImportSnapshot(path string) (int64, error) {
	src, err := transport.NewSnapshotSource(path)
	if err != nil {
		return 0, err
	}
	snap := src.Snapshot()

	hash, err := c.captures.Save(src.Bytes())
	if err != nil {
		return 0, fmt.Errorf("archiving snapshot: %w", err)
	}

	sessionID, err := c.db.InsertSession(time.Now(), src.Name(), snap.Mode.String())
	if err != nil {
		return 0, err
	}

	session := decode.NewSession()
	// The header carries the rate because a wrapped image may have
	// overwritten its frequency record.
	session.SetFrequency(snap.Frequency)
	registry := task.NewRegistry()
	var events []decode.Event
	session.DecodeImage(&snap.Image, func(ev decode.Event) {
		registry.Apply(ev)
		events = append(events, ev)
	})

	if err := c.db.InsertEvents(sessionID, events); err != nil {
		return 0, err
	}
	registry.Describe(session.Tasks(), session.ISRs())
	if err := c.db.UpdateSessionMeta(sessionID, session.Description(), session.Frequency()); err != nil {
		return 0, err
	}
	if err := c.db.SyncTaskStats(sessionID, registry.Tasks()); err != nil {
		return 0, err
	}
	if err := c.db.SyncISRStats(sessionID, registry.ISRs()); err != nil {
		return 0, err
	}
	if err := c.db.SyncMarkerStats(sessionID, registry.Markers()); err != nil {
		return 0, err
	}
	counters := session.Counters()
	// Overflow records can be lost with the region they overwrote, so
	// the header count is authoritative when it is larger.
	if snap.Image.Dropped > counters.DroppedReported {
		counters.DroppedReported = snap.Image.Dropped
	}
	if err := c.db.UpdateSessionCounters(sessionID, counters, registry.Summary().IdleCycles); err != nil {
		return 0, err
	}
	if err := c.db.SetSessionSnapshot(sessionID, hash); err != nil {
		return 0, err
	}
	if err := c.db.CloseSession(sessionID, time.Now()); err != nil {
		return 0, err
	}

	c.log.Info().
		Int64("session", sessionID).
		Str("hash", hash).
		Uint64("records", counters.Records).
		Msg("imported snapshot")
	return sessionID, nil
}
