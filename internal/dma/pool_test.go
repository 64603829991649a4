package dma

import "testing"

func TestGetBufferSizeBuckets(t *testing.T) {
	tests := []struct {
		name        string
		requestSize uint32
		expectCap   int
	}{
		{"128KB bucket - exact", 128 * 1024, 128 * 1024},
		{"128KB bucket - smaller", 65 * 1024, 128 * 1024},
		{"256KB bucket - exact", 256 * 1024, 256 * 1024},
		{"512KB bucket", 400 * 1024, 512 * 1024},
		{"1MB bucket", 800 * 1024, 1024 * 1024},
		{"oversize falls through", 2 * 1024 * 1024, 2 * 1024 * 1024},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			buf := GetBuffer(tt.requestSize)
			if len(buf) != int(tt.requestSize) {
				t.Errorf("len(buf) = %d, want %d", len(buf), tt.requestSize)
			}
			if cap(buf) != tt.expectCap {
				t.Errorf("cap(buf) = %d, want %d", cap(buf), tt.expectCap)
			}
			PutBuffer(buf)
		})
	}
}

func TestBufferReuse(t *testing.T) {
	buf := GetBuffer(size128k)
	buf[0] = 0x42
	PutBuffer(buf)

	buf2 := GetBuffer(size128k)
	if cap(buf2) != size128k {
		t.Errorf("expected reused buffer from pool, cap=%d", cap(buf2))
	}
}
