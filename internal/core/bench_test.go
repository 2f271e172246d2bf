package core

import (
	"fmt"
	"io"
	"testing"
)

func BenchmarkSnapshotMembers(b *testing.B) {
	r := NewRegistry()
	for i := 0; i < 1000; i++ {
		id := fmt.Sprintf("user-%d", i)
		r.Upsert(id, NewPeer(io.Discard))
		_ = r.SetGroup(id, fmt.Sprintf("g%d", i%10))
	}

	b.ResetTimer()
	for i := 0; i < b.N; i++ {
		r.SnapshotMembers("g0")
	}
}
