package portnum

import (
	"math"
	"testing"

	"github.com/danmuck/meshctl/internal/testutil/testlog"
)

func TestClassifyKnownPorts(t *testing.T) {
	testlog.Start(t)
	cases := []struct {
		n    int64
		want Number
	}{
		{0, UnknownApp},
		{1, TextMessageApp},
		{3, PositionApp},
		{4, NodeInfoApp},
		{5, RoutingApp},
		{6, AdminApp},
		{67, TelemetryApp},
		{70, TracerouteApp},
	}
	for _, tc := range cases {
		k := Classify(tc.n)
		if !k.Recognized || k.Number() != tc.want {
			t.Fatalf("classify(%d)=%v want %v", tc.n, k, tc.want)
		}
	}
}

func TestClassifyOutsideRangesIsUnrecognized(t *testing.T) {
	testlog.Start(t)
	values := []int64{-1, -512, 128, 200, 255, 512, 1000, math.MaxInt64, math.MinInt64}
	for _, v := range values {
		k := Classify(v)
		if k.Recognized {
			t.Fatalf("classify(%d) should be unrecognized, got %v", v, k)
		}
		if k.Raw != v {
			t.Fatalf("classify(%d) lost raw value: %d", v, k.Raw)
		}
	}
	for v := int64(128); v <= 255; v++ {
		if Classify(v).Recognized {
			t.Fatalf("gap value %d recognized", v)
		}
	}
}

func TestClassifyUnassignedInsideCoreRange(t *testing.T) {
	testlog.Start(t)
	if k := Classify(20); k.Recognized {
		t.Fatalf("unassigned core value recognized: %v", k)
	}
	if k := Classify(100); k.Recognized {
		t.Fatalf("unassigned third-party value recognized: %v", k)
	}
}

func TestPrivatePortsRequireConfiguration(t *testing.T) {
	testlog.Start(t)
	reg := NewRegistry()
	if k := reg.Classify(int64(PrivateApp)); k.Recognized {
		t.Fatalf("private port recognized before enable")
	}
	if err := reg.EnablePrivate(PrivateApp, "custom"); err != nil {
		t.Fatalf("enable private: %v", err)
	}
	if k := reg.Classify(int64(PrivateApp)); !k.Recognized {
		t.Fatalf("private port not recognized after enable")
	}
	if err := reg.EnablePrivate(TelemetryApp, "nope"); err == nil {
		t.Fatalf("expected error enabling non-private port")
	}
	if k := Classify(int64(PrivateApp)); k.Recognized {
		t.Fatalf("default registry should not be affected")
	}
}

func TestRangeOf(t *testing.T) {
	testlog.Start(t)
	cases := map[int64]Range{
		0: RangeCore, 63: RangeCore, 64: RangeThirdParty, 127: RangeThirdParty,
		128: RangeInvalid, 255: RangeInvalid, 256: RangePrivate, 511: RangePrivate, 512: RangeInvalid,
	}
	for n, want := range cases {
		if got := RangeOf(n); got != want {
			t.Fatalf("RangeOf(%d)=%s want %s", n, got, want)
		}
	}
}

func TestParseName(t *testing.T) {
	testlog.Start(t)
	n, err := ParseName("telemetry_app")
	if err != nil || n != TelemetryApp {
		t.Fatalf("parse name got=%v err=%v", n, err)
	}
	n, err = ParseName("300")
	if err != nil || n != 300 {
		t.Fatalf("parse number got=%v err=%v", n, err)
	}
	if _, err := ParseName("bogus"); err == nil {
		t.Fatalf("expected parse error")
	}
	if Classify(999).String() != "UNRECOGNIZED(999)" {
		t.Fatalf("unexpected string: %s", Classify(999))
	}
}
