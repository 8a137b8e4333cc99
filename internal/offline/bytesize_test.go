package offline

import "testing"

func TestParseBytes(t *testing.T) {
	tests := []struct {
		in      string
		want    int64
		wantErr bool
	}{
		{"512", 512, false},
		{"512b", 512, false},
		{"64kb", 64 << 10, false},
		{" 64 KB ", 64 << 10, false},
		{"1.5m", 3 << 19, false},
		{"2GiB", 2 << 30, false},
		{"1g", 1 << 30, false},
		{"", 0, true},
		{"b", 0, true},
		{"-1mb", 0, true},
		{"lots", 0, true},
	}
	for _, tt := range tests {
		got, err := parseBytes(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("parseBytes(%q) err = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if got != tt.want {
			t.Errorf("parseBytes(%q) = %d, want %d", tt.in, got, tt.want)
		}
	}
}

func TestFormatBytes(t *testing.T) {
	tests := map[uint64]string{
		0:       "0b",
		1023:    "1023b",
		1024:    "1kb",
		1536:    "1.5kb",
		5 << 20: "5mb",
		3 << 30: "3gb",
	}
	for in, want := range tests {
		if got := formatBytes(in); got != want {
			t.Errorf("formatBytes(%d) = %q, want %q", in, got, want)
		}
	}
}

func TestStatsSnapshot(t *testing.T) {
	s := newStatsCollector()
	if ss := s.Snapshot(); ss.MinRespBytes != 0 || ss.HitRatio() != 0 {
		t.Fatalf("empty snapshot = %+v", ss)
	}
	s.Observe(KindHit, 100)
	s.Observe(KindHit, 300)
	s.Observe(KindMiss, 50)
	s.Observe(KindFallback, 200)
	s.Observe(KindBypass, 1000)

	ss := s.Snapshot()
	if ss.MinRespBytes != 50 || ss.MaxRespBytes != 1000 || ss.AvgRespBytes != 330 {
		t.Fatalf("sizes = %+v", ss)
	}
	if ss.HitRatio() != 0.5 {
		t.Fatalf("hit ratio = %v", ss.HitRatio())
	}
}
