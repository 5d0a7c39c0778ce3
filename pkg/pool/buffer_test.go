package pool

import "testing"

func TestFixedBufferPool(t *testing.T) {
	fp := NewFixedBuffer(512)

	b := fp.Get()
	if len(*b) != 512 {
		t.Fatalf("expected len 512, got %d", len(*b))
	}

	// Shrunk but same capacity: restored to full length on Put.
	*b = (*b)[:10]
	fp.Put(b)
	b2 := fp.Get()
	if len(*b2) != 512 {
		t.Errorf("expected restored len 512, got %d", len(*b2))
	}

	t.Run("foreign buffer is ignored", func(t *testing.T) {
		foreign := make([]byte, 100)
		fp.Put(&foreign)
		fp.Put(nil)
	})
}

func TestChunksPoolSize(t *testing.T) {
	if Chunks.Size() != ChunkSize {
		t.Errorf("expected chunk pool of %d bytes, got %d", ChunkSize, Chunks.Size())
	}
	b := Chunks.Get()
	defer Chunks.Put(b)
	if len(*b) != ChunkSize {
		t.Errorf("expected %d byte chunk, got %d", ChunkSize, len(*b))
	}
}
