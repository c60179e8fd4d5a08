// Command bot is a load client: it flies a camera around the tree, paints
// random voxels and reports what the server streams back.
package main

import (
	"context"
	"math"
	"math/rand"
	"os"
	"os/signal"
	"sync"
	"time"

	"github.com/go-gl/mathgl/mgl64"
	"github.com/gorilla/websocket"
	"github.com/spf13/cobra"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"voxelstream.ai/internal/octree"
	"voxelstream.ai/internal/protocol"
)

type options struct {
	url      string
	name     string
	move     time.Duration
	paint    time.Duration
	depth    int
	report   time.Duration
	duration time.Duration
}

func main() {
	var opt options
	cmd := &cobra.Command{
		Use:          "bot",
		Short:        "Stream and paint against a voxelstream server",
		SilenceUsage: true,
		Args:         cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			log, err := zap.NewDevelopment()
			if err != nil {
				return err
			}
			defer log.Sync()
			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()
			if opt.duration > 0 {
				var cancel context.CancelFunc
				ctx, cancel = context.WithTimeout(ctx, opt.duration)
				defer cancel()
			}
			return run(ctx, opt, log.Sugar().Named(opt.name))
		},
	}
	f := cmd.Flags()
	f.StringVar(&opt.url, "url", "ws://localhost:8080/v1/ws", "ws url")
	f.StringVar(&opt.name, "name", "bot", "name used in logs")
	f.DurationVar(&opt.move, "move", time.Second, "camera update interval")
	f.DurationVar(&opt.paint, "paint", 2*time.Second, "interval between painted voxels, 0 to only watch")
	f.IntVar(&opt.depth, "depth", 4, "depth of painted voxels")
	f.DurationVar(&opt.report, "report", 5*time.Second, "stats log interval")
	f.DurationVar(&opt.duration, "duration", 0, "stop after this long")
	if err := cmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func run(ctx context.Context, opt options, log *zap.SugaredLogger) error {
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, opt.url, nil)
	if err != nil {
		return err
	}
	defer conn.Close()
	log.Infow("connected", "url", opt.url)

	b := newBot(rand.New(rand.NewSource(time.Now().UnixNano())), opt.depth)
	var wmu sync.Mutex
	send := func(pkt []byte) error {
		wmu.Lock()
		defer wmu.Unlock()
		_ = conn.SetWriteDeadline(time.Now().Add(5 * time.Second))
		return conn.WriteMessage(websocket.BinaryMessage, pkt)
	}

	g, ctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		<-ctx.Done()
		_ = conn.Close()
		return nil
	})
	g.Go(func() error {
		for {
			_, msg, err := conn.ReadMessage()
			if err != nil {
				if ctx.Err() != nil {
					return nil
				}
				return err
			}
			b.handle(msg, time.Now())
		}
	})
	g.Go(func() error {
		if err := send(protocol.EncodeJurisdictionRequest()); err != nil {
			return err
		}
		move := time.NewTicker(opt.move)
		defer move.Stop()
		report := time.NewTicker(opt.report)
		defer report.Stop()
		var paint <-chan time.Time
		if opt.paint > 0 {
			t := time.NewTicker(opt.paint)
			defer t.Stop()
			paint = t.C
		}
		start := time.Now()
		if err := send(protocol.EncodeQuery(b.query(0))); err != nil {
			return err
		}
		for {
			select {
			case <-ctx.Done():
				return nil
			case now := <-move.C:
				if err := send(protocol.EncodeQuery(b.query(now.Sub(start)))); err != nil {
					return err
				}
			case now := <-paint:
				if err := send(b.paintPacket(now)); err != nil {
					return err
				}
			case <-report.C:
				st := b.snapshot()
				log.Infow("received",
					"voxel_packets", st.VoxelPackets,
					"voxel_bytes", st.VoxelBytes,
					"stats", st.Stats,
					"environment", st.Environment,
					"commands", st.Commands,
					"undecodable", st.Undecodable,
					"server_voxels", st.ServerVoxels,
					"clients", st.Clients,
					"last_latency", st.LastLatency,
				)
			}
		}
	})
	return g.Wait()
}

type counters struct {
	VoxelPackets int
	VoxelBytes   int
	Stats        int
	Environment  int
	Commands     int
	Jurisdiction int
	Undecodable  int
	ServerVoxels int
	Clients      int
	LastLatency  time.Duration
	Region       octree.Region
}

type bot struct {
	rng   *rand.Rand
	depth int
	seq   uint16

	mu sync.Mutex
	c  counters
}

func newBot(rng *rand.Rand, depth int) *bot {
	return &bot{rng: rng, depth: min(max(depth, 1), octree.MaxCodeSections)}
}

// query orbits the unit cube, looking at its center.
func (b *bot) query(elapsed time.Duration) protocol.Query {
	angle := elapsed.Seconds() * 0.2
	pos := mgl64.Vec3{0.5 + 1.5*math.Cos(angle), 0.6, 0.5 + 1.5*math.Sin(angle)}
	orient := mgl64.QuatLookAtV(pos, mgl64.Vec3{0.5, 0.5, 0.5}, mgl64.Vec3{0, 1, 0})
	return protocol.Query{
		Position:    pos,
		Orientation: orient,
		FieldOfView: 45,
		AspectRatio: 16.0 / 9.0,
		NearClip:    0.1,
		FarClip:     8,
		WantColor:   true,
		WantDelta:   true,
		SizeScale:   1,
	}
}

func (b *bot) paintPacket(now time.Time) []byte {
	sections := make([]uint8, b.depth)
	for i := range sections {
		sections[i] = uint8(b.rng.Intn(8))
	}
	col := octree.Color{uint8(b.rng.Intn(256)), uint8(b.rng.Intn(256)), uint8(b.rng.Intn(256))}
	b.seq++
	return protocol.EncodeSetVoxels(
		protocol.EditHeader{Sequence: b.seq, SentAt: now},
		false,
		[]protocol.Edit{{Code: octree.FromSections(sections...), Color: col}},
	)
}

func (b *bot) handle(msg []byte, now time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	kind, _, err := protocol.ParseHeader(msg)
	if err != nil {
		b.c.Undecodable++
		return
	}
	switch kind {
	case protocol.KindStats:
		_, rest, err := protocol.SplitPiggyback(msg)
		if err != nil {
			b.c.Undecodable++
			return
		}
		b.c.Stats++
		if len(rest) > 0 {
			b.voxel(rest, now)
		}
	case protocol.KindVoxelData:
		b.voxel(msg, now)
	case protocol.KindEnvironment:
		env, err := protocol.DecodeEnvironment(msg)
		if err != nil {
			b.c.Undecodable++
			return
		}
		b.c.Environment++
		b.c.ServerVoxels = env.Voxels
		b.c.Clients = env.Clients
	case protocol.KindJurisdiction:
		r, err := protocol.DecodeJurisdiction(msg)
		if err != nil {
			b.c.Undecodable++
			return
		}
		b.c.Jurisdiction++
		b.c.Region = r
	case protocol.KindCommand:
		b.c.Commands++
	default:
		b.c.Undecodable++
	}
}

func (b *bot) voxel(pkt []byte, now time.Time) {
	vp, err := protocol.DecodeVoxelPacket(pkt)
	if err != nil {
		b.c.Undecodable++
		return
	}
	b.c.VoxelPackets++
	b.c.VoxelBytes += len(pkt)
	if !vp.SentAt.IsZero() && now.After(vp.SentAt) {
		b.c.LastLatency = now.Sub(vp.SentAt)
	}
}

func (b *bot) snapshot() counters {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.c
}
