package registry

import (
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"

	"modelrm/pkg/types"
)

func gpu(availGB float64) types.HardwareProfile {
	return types.NewHardwareProfile([]types.Accelerator{{
		ID: "gpu0", TotalVRAMBytes: types.GBToBytes(48), AvailableVRAMBytes: types.GBToBytes(availGB),
	}}, types.GBToBytes(64), types.GBToBytes(32), time.Unix(0, 0))
}

func llm(id, provider string, size, minVRAM, recVRAM float64) types.ModelMetadata {
	return types.ModelMetadata{
		ID: id, Provider: provider, Type: types.ModelLLM,
		SizeGB: size, MinVRAMGB: minVRAM, RecommendedVRAMGB: recVRAM,
		SupportsQuantization: true,
	}
}

func TestRegisterGetReplace(t *testing.T) {
	r := New(zerolog.Nop())
	if err := r.Register(llm("a", "meta", 8, 4, 10)); err != nil {
		t.Fatalf("register: %v", err)
	}
	got, err := r.Get("a")
	if err != nil || got.SizeGB != 8 {
		t.Fatalf("get: %+v %v", got, err)
	}
	if err := r.Register(llm("a", "meta", 9, 4, 10)); err != nil {
		t.Fatalf("replace: %v", err)
	}
	got, _ = r.Get("a")
	if got.SizeGB != 9 || r.Len() != 1 {
		t.Fatalf("replace did not take: %+v len=%d", got, r.Len())
	}
}

func TestRegisterRejectsInvalid(t *testing.T) {
	r := New(zerolog.Nop())
	if err := r.Register(types.ModelMetadata{ID: "bad", Type: "nope"}); err == nil {
		t.Fatalf("expected validation error")
	}
	if r.Len() != 0 {
		t.Fatalf("invalid entry stored")
	}
	err := r.RegisterAll([]types.ModelMetadata{llm("ok", "x", 1, 0, 0), {ID: ""}})
	if err == nil || r.Len() != 1 {
		t.Fatalf("RegisterAll: err=%v len=%d", err, r.Len())
	}
}

func TestGetMissingIsNotFound(t *testing.T) {
	r := New(zerolog.Nop())
	_, err := r.Get("ghost")
	if !IsNotFound(err) {
		t.Fatalf("want NotFound, got %v", err)
	}
}

func TestEntriesAreCopies(t *testing.T) {
	r := New(zerolog.Nop())
	m := llm("a", "meta", 8, 4, 10)
	m.QuantizationLevels = []types.QuantizationLevel{types.QuantINT4, types.QuantFP16}
	if err := r.Register(m); err != nil {
		t.Fatalf("register: %v", err)
	}
	m.QuantizationLevels[0] = types.QuantFP32
	got, _ := r.Get("a")
	got.QuantizationLevels[1] = types.QuantINT8
	again, _ := r.Get("a")
	if again.QuantizationLevels[0] != types.QuantINT4 || again.QuantizationLevels[1] != types.QuantFP16 {
		t.Fatalf("registry entry mutated: %v", again.QuantizationLevels)
	}
}

func TestIndexes(t *testing.T) {
	r := New(zerolog.Nop())
	_ = r.RegisterAll([]types.ModelMetadata{
		llm("b", "meta", 8, 4, 10),
		llm("a", "mistral", 8, 4, 10),
		{ID: "sd", Provider: "meta", Type: types.ModelDiffusion, SizeGB: 4},
	})
	if got := r.List(); len(got) != 3 || got[0].ID != "a" || got[2].ID != "sd" {
		t.Fatalf("list: %+v", got)
	}
	if got := r.ByProvider("meta"); len(got) != 2 {
		t.Fatalf("by provider: %+v", got)
	}
	if got := r.ByType(types.ModelDiffusion); len(got) != 1 || got[0].ID != "sd" {
		t.Fatalf("by type: %+v", got)
	}
	if !r.Unregister("sd") || r.Unregister("sd") {
		t.Fatalf("unregister should report presence once")
	}
}

func TestFindBestPicksLargestThatFits(t *testing.T) {
	r := New(zerolog.Nop())
	_ = r.RegisterAll([]types.ModelMetadata{
		llm("small", "meta", 4, 2, 5),
		llm("mid", "meta", 16, 6, 18),
		llm("huge", "meta", 140, 40, 150),
		llm("other", "mistral", 30, 8, 30),
	})
	got, err := r.FindBest("meta", types.ModelLLM, gpu(12))
	if err != nil {
		t.Fatalf("find best: %v", err)
	}
	if got.ID != "mid" {
		t.Fatalf("want mid, got %s", got.ID)
	}
	got, err = r.FindBest("", types.ModelLLM, gpu(12))
	if err != nil || got.ID != "other" {
		t.Fatalf("any provider: %s %v", got.ID, err)
	}
}

func TestFindBestTieBreaks(t *testing.T) {
	r := New(zerolog.Nop())
	_ = r.RegisterAll([]types.ModelMetadata{
		llm("b", "meta", 8, 4, 10),
		llm("c", "meta", 8, 4, 12),
		llm("a", "meta", 8, 4, 12),
	})
	for i := 0; i < 10; i++ {
		got, err := r.FindBest("meta", types.ModelLLM, gpu(24))
		if err != nil || got.ID != "a" {
			t.Fatalf("tie break: %s %v", got.ID, err)
		}
	}
}

func TestFindBestNothingFits(t *testing.T) {
	r := New(zerolog.Nop())
	_ = r.Register(llm("huge", "meta", 140, 40, 150))
	_, err := r.FindBest("meta", types.ModelLLM, gpu(12))
	if !IsNotFound(err) {
		t.Fatalf("want NotFound, got %v", err)
	}
	_, err = r.FindBest("meta", types.ModelTTS, gpu(48))
	if !IsNotFound(err) {
		t.Fatalf("want NotFound for type without entries, got %v", err)
	}
}

func TestFindBestCPUOnlyUsesRAM(t *testing.T) {
	r := New(zerolog.Nop())
	small := llm("small", "meta", 4, 2, 5)
	small.MinRAMGB = 4
	big := llm("big", "meta", 16, 6, 18)
	big.MinRAMGB = 16
	_ = r.RegisterAll([]types.ModelMetadata{small, big})
	prof := types.CPUOnlyProfile(types.GBToBytes(32), types.GBToBytes(8), time.Unix(0, 0))
	got, err := r.FindBest("meta", types.ModelLLM, prof)
	if err != nil || got.ID != "small" {
		t.Fatalf("cpu only: %s %v", got.ID, err)
	}
}

func TestFindBestChecksHostRAMFloor(t *testing.T) {
	r := New(zerolog.Nop())
	m := llm("a", "meta", 8, 4, 10)
	m.MinRAMGB = 64
	_ = r.Register(m)
	if _, err := r.FindBest("meta", types.ModelLLM, gpu(24)); !IsNotFound(err) {
		t.Fatalf("RAM floor ignored: %v", err)
	}
}

func TestConcurrentRegisterAndFind(t *testing.T) {
	r := New(zerolog.Nop())
	var wg sync.WaitGroup
	for i := 0; i < 16; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_ = r.Register(llm(fmt.Sprintf("m%02d", i), "meta", float64(i+1), 1, 1))
		}(i)
		go func() {
			defer wg.Done()
			_, _ = r.FindBest("meta", types.ModelLLM, gpu(24))
		}()
	}
	wg.Wait()
	got, err := r.FindBest("meta", types.ModelLLM, gpu(24))
	if err != nil || got.ID != "m15" {
		t.Fatalf("after concurrent register: %s %v", got.ID, err)
	}
}
