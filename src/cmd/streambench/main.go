// Copyright (c) 2019 devblok
//
// This software is released under the MIT License.
// https://opensource.org/licenses/MIT

// Command streambench streams per-frame geometry and uniforms through
// stream buffers, the way a renderer feeds dynamic draw data, and can
// record the calls for replay on other machines and backends.
package main

import (
	"context"
	"flag"
	"fmt"
	"math"
	"os"
	"os/signal"
	"runtime"
	"runtime/pprof"
	rtrace "runtime/trace"
	"sync"
	"sync/atomic"
	"time"

	glm "github.com/go-gl/mathgl/mgl32"
	"github.com/sirupsen/logrus"

	"github.com/devblok/korustream/src/core"
	"github.com/devblok/korustream/src/gfx"
	"github.com/devblok/korustream/src/gfx/hostmem"
	"github.com/devblok/korustream/src/gfx/stream"
	"github.com/devblok/korustream/src/gfx/vkr"
	"github.com/devblok/korustream/src/model"
	"github.com/devblok/korustream/src/trace"
)

func init() {
	runtime.LockOSThread()
}

var (
	envFile  = flag.String("env", "", "Configuration file in .env format")
	frames   = flag.Int("frames", 1000, "Number of frames to stream, 0 runs until interrupted")
	quads    = flag.Int("quads", 256, "Quads streamed per frame")
	vulkan   = flag.Bool("vk", false, "Stream into Vulkan device memory instead of host memory")
	fallback = flag.Bool("fallback", false, "Disable persistent mapping")
	record   = flag.String("record", "", "Record the uniform stream into a trace file")
	replay   = flag.String("replay", "", "Replay and verify a trace file, then exit")
	verbose  = flag.Bool("v", false, "Debug logging")
)

// Profiling
var (
	cpuProfile   = flag.String("cpuprof", "", "Profile CPU usage to file")
	memProfile   = flag.String("memprof", "", "Profile memory usage into a file")
	traceProfile = flag.String("trace", "", "Trace output for profiling")
)

var frameCounter int64

// maxQuads keeps every quad vertex addressable by a uint16 index.
const maxQuads = (math.MaxUint16 + 1) / 4

func main() {
	flag.Parse()

	log := logrus.New()
	log.SetFormatter(&logrus.TextFormatter{FullTimestamp: true})
	if *verbose {
		log.SetLevel(logrus.DebugLevel)
	}

	if *replay != "" {
		if err := replayTrace(log, *replay); err != nil {
			log.WithError(err).Error("replay failed")
			os.Exit(1)
		}
		return
	}

	if err := run(log); err != nil {
		log.WithError(err).Error("streambench failed")
		os.Exit(1)
	}
}

func run(log logrus.FieldLogger) error {
	configuration, err := core.LoadConfiguration(*envFile)
	if err != nil {
		return err
	}
	if *vulkan {
		configuration.Device.Vulkan = true
	}
	if *fallback {
		configuration.Device.DisablePersistent = true
	}
	if err := checkQuads(*quads, configuration.Stream); err != nil {
		return err
	}

	if *cpuProfile != "" {
		f, err := os.Create(*cpuProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := pprof.StartCPUProfile(f); err != nil {
			return err
		}
		defer pprof.StopCPUProfile()
	}

	if *traceProfile != "" {
		f, err := os.Create(*traceProfile)
		if err != nil {
			return err
		}
		defer f.Close()
		if err := rtrace.Start(f); err != nil {
			return err
		}
		defer rtrace.Stop()
	}

	backend, closeBackend, err := openBackend(log, configuration.Device)
	if err != nil {
		return fmt.Errorf("backend: %w", err)
	}
	defer closeBackend()

	r, err := newRenderer(log, backend, configuration.Stream)
	if err != nil {
		return fmt.Errorf("stream buffers: %w", err)
	}
	defer r.Release()

	var recorder *trace.Recorder
	if *record != "" {
		recorder = trace.NewRecorder(r.uniforms)
		r.uniformStream = recorder
	}

	timeService := core.NewTime(configuration.Time)
	defer timeService.Stop()

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	interrupt := make(chan os.Signal, 1)
	signal.Notify(interrupt, os.Interrupt)
	defer signal.Stop(interrupt)

	programSync := sync.WaitGroup{}

	/* Frame counter loop */
	programSync.Add(1)
	go func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		ticker := time.NewTicker(time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				log.WithField("fps", atomic.SwapInt64(&frameCounter, 0)).Info("frame rate")
			}
		}
	}(ctx, &programSync)

	/* Event loop */
	programSync.Add(1)
	go func(ctx context.Context, wg *sync.WaitGroup) {
		defer wg.Done()
		pollEvents(ctx, cancel, timeService.EventTicker(), interrupt)
	}(ctx, &programSync)

	start := time.Now()
	var frame int
StreamLoop:
	for *frames == 0 || frame < *frames {
		select {
		case <-ctx.Done():
			break StreamLoop
		case <-timeService.FpsTicker().C:
			r.Frame(frame, *quads)
			frame++
			atomic.AddInt64(&frameCounter, 1)
		}
	}
	cancel()
	programSync.Wait()

	elapsed := time.Since(start)
	for _, buf := range []*stream.Buffer{r.vertices, r.indices, r.uniforms} {
		stats := buf.Stats()
		log.WithFields(logrus.Fields{
			"usage":     buf.Usage().String(),
			"strategy":  buf.Strategy().String(),
			"commits":   stats.Commits,
			"wraps":     stats.Wraps,
			"bytes":     stats.BytesCommitted,
			"bytes/sec": fmt.Sprintf("%.0f", float64(stats.BytesCommitted)/elapsed.Seconds()),
		}).Info("stream summary")
	}

	if recorder != nil {
		if err := writeTrace(*record, r.uniforms, recorder.Events()); err != nil {
			return fmt.Errorf("trace not written: %w", err)
		}
		log.WithField("events", len(recorder.Events())).Info("trace written to " + *record)
	}

	if *memProfile != "" {
		f, err := os.Create(*memProfile)
		if err != nil {
			return err
		}
		if err := pprof.WriteHeapProfile(f); err != nil {
			f.Close()
			return err
		}
		return f.Close()
	}
	return nil
}

// pollEvents checks for an interrupt on every event tick and cancels
// the program when one arrived.
func pollEvents(ctx context.Context, cancel context.CancelFunc, ticker *time.Ticker, interrupt <-chan os.Signal) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			select {
			case <-interrupt:
				cancel()
				return
			default:
			}
		}
	}
}

// checkQuads rejects quad counts the index type or the stream
// capacities cannot hold in one frame.
func checkQuads(quads int, cfg core.StreamConfiguration) error {
	if quads < 1 || quads > maxQuads {
		return fmt.Errorf("quads must be between 1 and %d, got %d", maxQuads, quads)
	}
	if size := 4 * quads * model.VertexSize; size > cfg.VertexCapacity {
		return fmt.Errorf("%d quads need %d vertex bytes, capacity is %d", quads, size, cfg.VertexCapacity)
	}
	if size := 6 * quads * model.IndexSize; size > cfg.IndexCapacity {
		return fmt.Errorf("%d quads need %d index bytes, capacity is %d", quads, size, cfg.IndexCapacity)
	}
	if model.UniformSize > cfg.UniformCapacity {
		return fmt.Errorf("uniform block needs %d bytes, capacity is %d", model.UniformSize, cfg.UniformCapacity)
	}
	return nil
}

func openBackend(log logrus.FieldLogger, cfg core.DeviceConfiguration) (gfx.Backend, func(), error) {
	if !cfg.Vulkan {
		return hostmem.New(hostmem.Options{
			Persistent: !cfg.DisablePersistent,
			Logger:     log,
		}), func() {}, nil
	}

	device, err := vkr.OpenDevice(vkr.DefaultApplicationInfo, vkr.DeviceConfiguration{
		DebugMode:      cfg.DebugMode,
		PhysicalDevice: cfg.PhysicalDevice,
	})
	if err != nil {
		return nil, nil, err
	}
	backend, err := device.Backend(vkr.BackendOptions{
		DisablePersistent: cfg.DisablePersistent,
		Logger:            log,
	})
	if err != nil {
		device.Destroy()
		return nil, nil, err
	}
	log.WithFields(logrus.Fields{
		"device":      device.Name(),
		"queueFamily": device.QueueFamily(),
	}).Info("vulkan device opened")
	return backend, device.Destroy, nil
}

// renderer owns the three per-frame streams.
type renderer struct {
	vertices *stream.Buffer
	indices  *stream.Buffer
	uniforms *stream.Buffer

	uniformStream trace.Streamer
}

func newRenderer(log logrus.FieldLogger, backend gfx.Backend, cfg core.StreamConfiguration) (*renderer, error) {
	r := &renderer{}
	for _, s := range []struct {
		buf      **stream.Buffer
		usage    gfx.UsageKind
		capacity int
	}{
		{&r.vertices, gfx.VertexUsage, cfg.VertexCapacity},
		{&r.indices, gfx.IndexUsage, cfg.IndexCapacity},
		{&r.uniforms, gfx.UniformUsage, cfg.UniformCapacity},
	} {
		buf, err := stream.New(backend, stream.Options{
			Usage:          s.usage,
			Capacity:       s.capacity,
			PreferCoherent: cfg.PreferCoherent,
			SlackFactor:    cfg.SlackFactor,
			Logger:         log,
		})
		if err != nil {
			r.Release()
			return nil, err
		}
		*s.buf = buf
	}
	r.uniformStream = r.uniforms
	return r, nil
}

// Frame streams quads and one uniform block.
func (r *renderer) Frame(frame, quads int) {
	vertices := make([]model.Vertex, 0, 4*quads)
	indices := make([]uint16, 0, 6*quads)
	for idx := 0; idx < quads; idx++ {
		x := float32(idx%16)/8 - 1
		y := float32(idx/16%16)/8 - 1
		v, i := model.Quad(glm.Vec3{x, y, 0}, 0.1, glm.Vec4{x, y, float32(frame%256) / 255, 1})
		base := uint16(len(vertices))
		for _, index := range i {
			indices = append(indices, base+index)
		}
		vertices = append(vertices, v...)
	}

	put(r.vertices, model.VertexBytes(vertices), model.VertexSize)
	put(r.indices, model.IndexBytes(indices), 4)

	u := model.NewUniform(float32(frame)*0.005, 4.0/3.0)
	put(r.uniformStream, model.UniformBytes(&u), model.UniformAlignment)
}

func put(s trace.Streamer, payload []byte, alignment int) {
	data, _, _ := s.Reserve(len(payload), alignment)
	copy(data, payload)
	s.Commit(len(payload))
}

// Release frees all streams.
func (r *renderer) Release() {
	for _, buf := range []*stream.Buffer{r.vertices, r.indices, r.uniforms} {
		if buf != nil {
			buf.Release()
		}
	}
}

func writeTrace(path string, buf *stream.Buffer, events []trace.Event) error {
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	err = trace.Write(f, trace.Header{
		Usage:    buf.Usage().String(),
		Capacity: buf.Capacity(),
		Created:  time.Now().Unix(),
	}, events)
	if closeErr := f.Close(); err == nil {
		err = closeErr
	}
	return err
}

func replayTrace(log logrus.FieldLogger, path string) error {
	f, err := os.Open(path)
	if err != nil {
		return err
	}
	defer f.Close()

	header, events, err := trace.Read(f)
	if err != nil {
		return err
	}
	usage, err := gfx.ParseUsageKind(header.Usage)
	if err != nil {
		return err
	}
	log = log.WithFields(logrus.Fields{
		"usage":    header.Usage,
		"capacity": header.Capacity,
		"events":   len(events),
	})

	for _, persistent := range []bool{true, false} {
		buf, err := stream.New(hostmem.New(hostmem.Options{Persistent: persistent, Logger: log}), stream.Options{
			Usage:    usage,
			Capacity: header.Capacity,
			Logger:   log,
		})
		if err != nil {
			return err
		}
		err = trace.Verify(events, trace.Replay(buf, events))
		strategy := buf.Strategy()
		buf.Release()
		if err != nil {
			return fmt.Errorf("%s: %w", strategy, err)
		}
		log.WithField("strategy", strategy.String()).Info("replay matches recording")
	}
	return nil
}
