package ascs

import (
	"bytes"
	"errors"
	"testing"
)

func TestEncodeConfigCodec(t *testing.T) {
	cfg := CodecConfig{SamplingFrequency: Freq48000Hz, FrameDuration: FrameDuration10000us, ChannelAllocation: 0x01, OctetsPerFrame: 100}.Encode()
	got := EncodeConfigCodec([]CodecConfigRequest{{
		AseID:         1,
		TargetLatency: TargetLatencyBalanced,
		TargetPhy:     TargetPhy2M,
		Codec:         LC3,
		Config:        cfg,
	}})
	want := []byte{OpConfigCodec, 1, 1, 0x02, 0x02, 0x06, 0, 0, 0, 0, uint8(len(cfg))}
	want = append(want, cfg...)
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeConfigCodec = % X, want % X", got, want)
	}
}

func TestEncodeConfigQos(t *testing.T) {
	got := EncodeConfigQos([]QosConfigRequest{{
		AseID:               3,
		CigID:               1,
		CisID:               0,
		SduIntervalUs:       10000,
		Framing:             FramingUnframed,
		Phy:                 PhyBit2M,
		MaxSdu:              100,
		RetransmissionNum:   5,
		MaxTransportLatency: 20,
		PresentationDelayUs: 40000,
	}})
	want := []byte{
		OpConfigQos, 1,
		3, 1, 0,
		0x10, 0x27, 0x00, // 10000
		0x00, 0x02,
		100, 0,
		5,
		20, 0,
		0x40, 0x9C, 0x00, // 40000
	}
	if !bytes.Equal(got, want) {
		t.Errorf("EncodeConfigQos = % X, want % X", got, want)
	}
}

func TestEncodeIDOps(t *testing.T) {
	tests := []struct {
		name string
		fn   func([]uint8) []byte
		op   uint8
	}{
		{"receiver_start_ready", EncodeReceiverStartReady, OpReceiverStartReady},
		{"disable", EncodeDisable, OpDisable},
		{"receiver_stop_ready", EncodeReceiverStopReady, OpReceiverStopReady},
		{"release", EncodeRelease, OpRelease},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn([]uint8{2, 5})
			want := []byte{tt.op, 2, 2, 5}
			if !bytes.Equal(got, want) {
				t.Errorf("got % X, want % X", got, want)
			}
		})
	}
}

func TestEncodeMetadataOps(t *testing.T) {
	meta := BuildMetadata(0x0004, 7)
	for _, tt := range []struct {
		name string
		fn   func([]MetadataRequest) []byte
		op   uint8
	}{
		{"enable", EncodeEnable, OpEnable},
		{"update_metadata", EncodeUpdateMetadata, OpUpdateMetadata},
	} {
		t.Run(tt.name, func(t *testing.T) {
			got := tt.fn([]MetadataRequest{{AseID: 4, Metadata: meta}, {AseID: 6}})
			want := append([]byte{tt.op, 2, 4, uint8(len(meta))}, meta...)
			want = append(want, 6, 0)
			if !bytes.Equal(got, want) {
				t.Errorf("got % X, want % X", got, want)
			}
		})
	}
}

func TestBuildMetadata(t *testing.T) {
	got := BuildMetadata(0x0004, 1)
	want := []byte{0x03, MetaStreamingAudioContexts, 0x04, 0x00, 0x02, MetaCCIDList, 0x01}
	if !bytes.Equal(got, want) {
		t.Errorf("BuildMetadata = % X, want % X", got, want)
	}
	if got := BuildMetadata(0x0002, -1); len(got) != 4 {
		t.Errorf("BuildMetadata without ccid len = %d, want 4", len(got))
	}
}

func TestParseHeader(t *testing.T) {
	tests := []struct {
		name    string
		in      []byte
		wantErr error
		want    Header
		rest    int
	}{
		{"idle", []byte{1, 0x00}, nil, Header{AseID: 1, State: StateIdle}, 0},
		{"streaming with params", []byte{2, 0x04, 1, 0, 0}, nil, Header{AseID: 2, State: StateStreaming}, 3},
		{"short", []byte{1}, ErrShortPayload, Header{}, 0},
		{"bad state", []byte{1, 0x07}, ErrInvalidState, Header{}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h, rest, err := ParseHeader(tt.in)
			if tt.wantErr != nil {
				if !errors.Is(err, tt.wantErr) {
					t.Fatalf("err = %v, want %v", err, tt.wantErr)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected err: %v", err)
			}
			if h != tt.want {
				t.Errorf("header = %+v, want %+v", h, tt.want)
			}
			if len(rest) != tt.rest {
				t.Errorf("rest len = %d, want %d", len(rest), tt.rest)
			}
		})
	}
}

func codecConfiguredPayload(cfg []byte) []byte {
	p := []byte{
		FramingUnframed, PhyBit2M, 2,
		10, 0, // max transport latency
		0x20, 0x4E, 0x00, // 20000
		0x40, 0x9C, 0x00, // 40000
		0x00, 0x00, 0x00,
		0x00, 0x00, 0x00,
		CodingFormatLC3, 0, 0, 0, 0,
		uint8(len(cfg)),
	}
	return append(p, cfg...)
}

func TestParseCodecConfigured(t *testing.T) {
	cfg := CodecConfig{SamplingFrequency: Freq16000Hz, FrameDuration: FrameDuration7500us, OctetsPerFrame: 30}.Encode()
	c, err := ParseCodecConfigured(codecConfiguredPayload(cfg))
	if err != nil {
		t.Fatalf("ParseCodecConfigured: %v", err)
	}
	if c.PreferredPhy != PhyBit2M || c.PreferredRetransNum != 2 || c.MaxTransportLatency != 10 {
		t.Errorf("qos prefs = %+v", c)
	}
	if c.PresDelayMinUs != 20000 || c.PresDelayMaxUs != 40000 {
		t.Errorf("pres delay = %d..%d", c.PresDelayMinUs, c.PresDelayMaxUs)
	}
	if !c.Codec.IsLC3() {
		t.Errorf("codec = %+v, want LC3", c.Codec)
	}
	dec, err := DecodeCodecConfig(c.Config)
	if err != nil {
		t.Fatalf("DecodeCodecConfig: %v", err)
	}
	if dec.OctetsPerFrame != 30 || dec.SduIntervalUs() != 7500 {
		t.Errorf("decoded = %+v sdu %d", dec, dec.SduIntervalUs())
	}

	if _, err := ParseCodecConfigured(codecConfiguredPayload(cfg)[:20]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("truncated fixed part err = %v", err)
	}
	full := codecConfiguredPayload(cfg)
	if _, err := ParseCodecConfigured(full[:len(full)-1]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("truncated config err = %v", err)
	}
}

func TestParseQosConfigured(t *testing.T) {
	p := []byte{1, 2, 0x10, 0x27, 0x00, 0, 0x02, 100, 0, 5, 20, 0, 0x40, 0x9C, 0x00}
	q, err := ParseQosConfigured(p)
	if err != nil {
		t.Fatalf("ParseQosConfigured: %v", err)
	}
	want := QosConfiguredParams{CigID: 1, CisID: 2, SduIntervalUs: 10000, Phy: 0x02, MaxSdu: 100, RetransmissionNum: 5, MaxTransportLatency: 20, PresentationDelayUs: 40000}
	if *q != want {
		t.Errorf("got %+v, want %+v", *q, want)
	}
	if _, err := ParseQosConfigured(p[:14]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("short err = %v", err)
	}
}

func TestParseTransient(t *testing.T) {
	meta := BuildMetadata(0x0002, -1)
	p := append([]byte{1, 0, uint8(len(meta))}, meta...)
	tp, err := ParseTransient(p)
	if err != nil {
		t.Fatalf("ParseTransient: %v", err)
	}
	if tp.CigID != 1 || !bytes.Equal(tp.Metadata, meta) {
		t.Errorf("got %+v", tp)
	}
	if _, err := ParseTransient(p[:len(p)-1]); !errors.Is(err, ErrShortPayload) {
		t.Errorf("short metadata err = %v", err)
	}
}

func TestParseControlPointResponse(t *testing.T) {
	r, err := ParseControlPointResponse([]byte{OpConfigCodec, 2, 1, 0, 0, 2, ResponseRejectedConfig, 0x01})
	if err != nil {
		t.Fatalf("ParseControlPointResponse: %v", err)
	}
	failed := r.Failed()
	if len(failed) != 1 || failed[0].AseID != 2 || failed[0].Code != ResponseRejectedConfig {
		t.Errorf("failed = %+v", failed)
	}

	r, err = ParseControlPointResponse([]byte{0x0F, 0xFF, 0, ResponseUnsupportedOpcode, 0})
	if err != nil {
		t.Fatalf("unsupported opcode response: %v", err)
	}
	if len(r.Ases) != 1 {
		t.Errorf("ases = %d, want 1", len(r.Ases))
	}
}

func TestParseLTVSkipsZeroLength(t *testing.T) {
	ltv, err := ParseLTV([]byte{0x00, 0x02, LtvSamplingFrequency, Freq48000Hz})
	if err != nil {
		t.Fatalf("ParseLTV: %v", err)
	}
	if v, ok := ltv.Uint(LtvSamplingFrequency); !ok || uint8(v) != Freq48000Hz {
		t.Errorf("sampling freq = %d, %v", v, ok)
	}
	if _, err := ParseLTV([]byte{0x05, 0x01}); !errors.Is(err, ErrShortPayload) {
		t.Errorf("truncated ltv err = %v", err)
	}
}
