package multispi

import (
	"bytes"
	"testing"
)

// chainOf parses the compiled control blocks back out of the coherent
// region.
func chainOf(t *testing.T, sim *Simulator) (*simBlock, []controlBlock) {
	t.Helper()
	if len(sim.blocks) != 1 {
		t.Fatalf("%d coherent allocations, want 1", len(sim.blocks))
	}
	block := sim.blocks[0]
	var cbs []controlBlock
	for addr := block.BusAddr(0); ; {
		cb := sim.readCB(addr)
		cbs = append(cbs, cb)
		if cb.nextCB == 0 {
			break
		}
		if cb.nextCB != addr+controlBlockSize {
			t.Fatalf("block %d links to %#x, want %#x", len(cbs)-1, cb.nextCB, addr+controlBlockSize)
		}
		addr = cb.nextCB
	}
	return block, cbs
}

func TestDescriptorChain(t *testing.T) {
	// 600 payload bytes need 9601 images, three control blocks.
	const nbytes = 600
	e, sim := newTestEngine(t, 0)
	if err := e.RegisterData(5, nbytes); err != nil {
		t.Fatal(err)
	}
	if err := e.Send(); err != nil {
		t.Fatal(err)
	}

	images := nbytes*16 + 1
	wantCBs := (images + maxImagesPerCB - 1) / maxImagesPerCB
	block, cbs := chainOf(t, sim)
	if len(cbs) != wantCBs {
		t.Fatalf("%d control blocks, want %d", len(cbs), wantCBs)
	}

	covered := 0
	imgBase := block.BusAddr(len(cbs) * controlBlockSize)
	for i, cb := range cbs {
		if cb.ti != dmaTiSrcInc|dmaTiDestInc|dmaTiNoWideBursts|dmaTiTDMode {
			t.Errorf("block %d: ti %#x", i, cb.ti)
		}
		if cb.destAd != gpioBusBase+gpioSetOffset {
			t.Errorf("block %d: dest %#x, want GPSET0", i, cb.destAd)
		}
		if x := cb.txLen & 0xffff; x != regImageSize {
			t.Errorf("block %d: xlength %d, want %d", i, x, regImageSize)
		}
		if cb.stride != 0xfff00000 {
			t.Errorf("block %d: stride %#x, want d-stride -16", i, cb.stride)
		}
		// The blocks' source ranges partition the image sequence with
		// no gaps or overlaps.
		if want := imgBase + uint32(covered*regImageSize); cb.srcAd != want {
			t.Errorf("block %d: src %#x, want %#x", i, cb.srcAd, want)
		}
		n := int(cb.txLen >> 16 & 0xffff)
		if n > maxImagesPerCB {
			t.Errorf("block %d: %d images exceeds per-block limit", i, n)
		}
		covered += n
	}
	if covered != images {
		t.Errorf("blocks cover %d images, want %d", covered, images)
	}
}

func TestDescriptorChainSplitBoundary(t *testing.T) {
	// 255 bytes stage 4081 images and still fit one block; one more
	// byte spills a single image into a second block.
	for _, nbytes := range []int{0, 1, 255, 256, 1024, 2048} {
		images := nbytes*16 + 1
		want := (images + maxImagesPerCB - 1) / maxImagesPerCB
		e, sim := newTestEngine(t, 0)
		if nbytes > 0 {
			if err := e.RegisterData(5, nbytes); err != nil {
				t.Fatal(err)
			}
		}
		if err := e.Send(); err != nil {
			t.Fatal(err)
		}
		_, cbs := chainOf(t, sim)
		if len(cbs) != want {
			t.Errorf("%d bytes: %d control blocks, want %d", nbytes, len(cbs), want)
		}
	}
}

func TestCoherentCopyRoundTrip(t *testing.T) {
	e, sim := newTestEngine(t, 0)
	if err := e.RegisterData(5, 32); err != nil {
		t.Fatal(err)
	}
	for i := 0; i < 32; i++ {
		e.SetByte(5, i, byte(i*7))
	}
	if err := e.Send(); err != nil {
		t.Fatal(err)
	}
	got := sim.blocks[0].buf[e.imgOff:]
	if !bytes.Equal(got, e.shadow.bytes()) {
		t.Error("coherent image region differs from shadow buffer")
	}
}
