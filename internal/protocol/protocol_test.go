package protocol

import (
	"errors"
	"testing"
	"time"

	"github.com/go-gl/mathgl/mgl64"

	"voxelstream.ai/internal/octree"
)

func TestParseHeaderRejectsOtherVersions(t *testing.T) {
	if _, _, err := ParseHeader([]byte{byte(KindQuery)}); !errors.Is(err, ErrShortPacket) {
		t.Fatalf("expected short packet, got %v", err)
	}
	k, _, err := ParseHeader([]byte{byte(KindQuery), Version + 1, 0, 0})
	if !errors.Is(err, ErrVersionMismatch) {
		t.Fatalf("expected version mismatch, got %v", err)
	}
	if k != KindQuery {
		t.Fatalf("kind should still be reported: %v", k)
	}
	k, body, err := ParseHeader([]byte{byte(KindCommand), Version, 9})
	if err != nil || k != KindCommand || len(body) != 1 {
		t.Fatalf("unexpected parse: %v %v %v", k, body, err)
	}
	if Kind(0x7f).IsKnown() {
		t.Fatalf("0x7f should be unknown")
	}
}

func TestQueryDecode(t *testing.T) {
	q := Query{
		Position:             mgl64.Vec3{1, 2, 3},
		Orientation:          mgl64.QuatRotate(0.5, mgl64.Vec3{0, 1, 0}),
		FieldOfView:          0.75,
		AspectRatio:          1.5,
		NearClip:             0.25,
		FarClip:              512,
		EyeOffsetPosition:    mgl64.Vec3{0, 0.5, 0},
		EyeOffsetOrientation: mgl64.QuatIdent(),
		WantColor:            true,
		WantLowResMoving:     true,
		MaxPacketsPerSecond:  300,
		SizeScale:            1024,
		BoundaryLevelAdjust:  -2,
	}
	got, err := DecodeQuery(EncodeQuery(q))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Position.ApproxEqual(q.Position) || !got.Orientation.ApproxEqualThreshold(q.Orientation, 1e-6) {
		t.Fatalf("camera mismatch: %+v", got)
	}
	if !got.WantColor || got.WantDelta || !got.WantLowResMoving || got.WantOcclusion {
		t.Fatalf("flags mismatch: %+v", got)
	}
	if got.MaxPacketsPerSecond != 300 || got.BoundaryLevelAdjust != -2 || got.SizeScale != 1024 {
		t.Fatalf("lod mismatch: %+v", got)
	}

	if _, err := DecodeQuery(EncodeQuery(q)[:20]); err == nil {
		t.Fatalf("expected truncated query to fail")
	}
	if _, err := DecodeQuery(EncodeCommand("x")); !errors.Is(err, ErrUnexpectedKind) {
		t.Fatalf("expected unexpected kind, got %v", err)
	}
}

func TestEditReaderStopsAtMalformedCode(t *testing.T) {
	sentAt := time.UnixMicro(1_700_000_000_000_000)
	pkt := EncodeSetVoxels(EditHeader{Sequence: 7, SentAt: sentAt}, false, []Edit{
		{Code: octree.FromSections(1, 2), Color: octree.Color{1, 2, 3}},
		{Code: octree.FromSections(4), Color: octree.Color{4, 5, 6}},
	})
	pkt = append(pkt, octree.MaxCodeSections+1, 0, 0, 0, 0, 0, 0)
	pkt = append(pkt, octree.FromSections(7)...)
	pkt = append(pkt, 7, 8, 9)

	r, err := NewEditReader(pkt)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if r.Kind != KindSetVoxel || r.Header.Sequence != 7 || !r.Header.SentAt.Equal(sentAt) {
		t.Fatalf("header mismatch: %+v", r)
	}
	var applied []Edit
	for r.More() {
		ed, err := r.NextEdit()
		if err != nil {
			if !errors.Is(err, ErrMalformedCode) || !errors.Is(err, octree.ErrCodeTooDeep) {
				t.Fatalf("unexpected error: %v", err)
			}
			break
		}
		applied = append(applied, ed)
	}
	if len(applied) != 2 {
		t.Fatalf("expected the two edits before the bad code, got %d", len(applied))
	}
	if r.More() {
		t.Fatalf("reader should be exhausted after a malformed code")
	}
}

func TestEditReaderMissingColor(t *testing.T) {
	pkt := EncodeSetVoxels(EditHeader{}, true, nil)
	pkt = append(pkt, octree.FromSections(3)...)
	pkt = append(pkt, 1)
	r, err := NewEditReader(pkt)
	if err != nil {
		t.Fatalf("reader: %v", err)
	}
	if r.Kind != KindSetVoxelDestructive {
		t.Fatalf("kind: %v", r.Kind)
	}
	if _, err := r.NextEdit(); !errors.Is(err, ErrMalformedCode) {
		t.Fatalf("expected malformed, got %v", err)
	}
}

func TestVoxelPacketLayout(t *testing.T) {
	sections := []byte{0, 0xff, 0, 0}
	at := time.UnixMicro(42)
	pkt := AppendVoxelPacket(nil, true, 513, at, sections)
	if len(pkt) != VoxelHeaderSize+len(sections) {
		t.Fatalf("size %d", len(pkt))
	}
	p, err := DecodeVoxelPacket(pkt)
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !p.Color || p.Sequence != 513 || !p.SentAt.Equal(at) || string(p.Sections) != string(sections) {
		t.Fatalf("mismatch: %+v", p)
	}
}

func TestJurisdictionPacket(t *testing.T) {
	r := octree.Region{Root: octree.FromSections(2), EndNodes: []octree.Code{octree.FromSections(2, 3), octree.FromSections(2, 4, 1)}}
	got, err := DecodeJurisdiction(EncodeJurisdiction(r))
	if err != nil {
		t.Fatalf("decode: %v", err)
	}
	if !got.Root.Equal(r.Root) || len(got.EndNodes) != 2 || !got.EndNodes[1].Equal(r.EndNodes[1]) {
		t.Fatalf("mismatch: %+v", got)
	}

	got, err = DecodeJurisdiction(EncodeJurisdiction(octree.Region{}))
	if err != nil || !got.Unlimited() {
		t.Fatalf("expected unlimited, got %+v %v", got, err)
	}
}

func TestStatsAndEnvironment(t *testing.T) {
	s := SceneStats{Packets: 3, Bytes: 4000, Elapsed: 1500 * time.Microsecond, MaxLevel: 9, Full: true}
	got, err := DecodeStats(EncodeStats(s))
	if err != nil || got != s {
		t.Fatalf("stats mismatch: %+v %v", got, err)
	}

	env := Environment{ServerTime: time.UnixMicro(99), Voxels: 12, Clients: 2}
	gotEnv, err := DecodeEnvironment(EncodeEnvironment(env))
	if err != nil || gotEnv.Voxels != 12 || gotEnv.Clients != 2 || !gotEnv.ServerTime.Equal(env.ServerTime) {
		t.Fatalf("env mismatch: %+v %v", gotEnv, err)
	}
}

func TestSplitPiggyback(t *testing.T) {
	stats := EncodeStats(SceneStats{Packets: 2, FrustumTriggered: true})
	voxel := AppendVoxelPacket(nil, true, 7, time.UnixMicro(5), []byte{0, 1, 0, 0})
	s, rest, err := SplitPiggyback(Piggyback(stats, voxel))
	if err != nil {
		t.Fatalf("split: %v", err)
	}
	if s.Packets != 2 || !s.FrustumTriggered {
		t.Fatalf("stats mismatch: %+v", s)
	}
	vp, err := DecodeVoxelPacket(rest)
	if err != nil || vp.Sequence != 7 {
		t.Fatalf("voxel mismatch: %+v %v", vp, err)
	}

	_, rest, err = SplitPiggyback(stats)
	if err != nil || len(rest) != 0 {
		t.Fatalf("stats alone: rest=%d err=%v", len(rest), err)
	}
}
